package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tryon-canvas-server/modules/common/config"
	"tryon-canvas-server/modules/common/redisclient"
	"tryon-canvas-server/modules/common/storage"
	"tryon-canvas-server/modules/generate"
	"tryon-canvas-server/modules/orchestrator"
	"tryon-canvas-server/modules/proxy"
	"tryon-canvas-server/modules/ratelimit"
	"tryon-canvas-server/modules/stream"
	"tryon-canvas-server/modules/uploads"
)

var startTime = time.Now()

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "tryon-canvas-server",
	})
}

func metrics(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs := orch.Jobs()
		counts := map[string]int{}
		for _, j := range jobs {
			counts[j.Status]++
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server": map[string]interface{}{
				"uptime":    time.Since(startTime).String(),
				"startTime": startTime,
			},
			"jobs": map[string]interface{}{
				"total":    len(jobs),
				"byStatus": counts,
				"idle":     orch.Idle(),
			},
		})
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Redis backs the daily quota counters. A missing Redis disables
	// quota enforcement (fail-open) rather than the whole server.
	redisClient := redisclient.Connect(cfg)
	var counters ratelimit.CounterStore
	if redisClient != nil {
		counters = ratelimit.NewRedisStore(redisClient)
	} else {
		log.Printf("⚠️ Redis unavailable - daily quota enforcement disabled")
	}
	limiter := ratelimit.NewLimiter(counters, cfg.DailyGenerationLimit, cfg.DevMode, cfg.ExemptReferer)

	storageClient := storage.NewClient()
	var uploader generate.Uploader
	if storageClient != nil {
		uploader = storageClient
	}

	genService := generate.NewService(uploader)
	if genService == nil {
		log.Fatalf("❌ Failed to initialize generation service")
	}

	// Batch jobs go through the same quota gate as single-shot calls.
	// Quota denials surface as terminal job errors, never retried.
	generateFunc := func(ctx context.Context, req orchestrator.JobRequest) (*orchestrator.JobResult, error) {
		decision := limiter.Allow(ctx, req.ClientID, req.Referer)
		if !decision.Allowed {
			return nil, generate.NewError(generate.KindQuota, decision.Message, nil)
		}

		result, err := genService.Generate(ctx, generate.Request{
			Mode:        generate.ModeVirtualTryOn,
			Prompt:      req.Prompt,
			AspectRatio: req.AspectRatio,
			Images: []generate.ImageInput{
				{Data: req.ModelImage, MIMEType: "image/jpeg"},
				{Data: req.ProductImage, MIMEType: "image/jpeg"},
			},
			ClientID: req.ClientID,
			Referer:  req.Referer,
		})
		if err != nil {
			return nil, err
		}
		return &orchestrator.JobResult{URL: result.URL, Description: result.Description}, nil
	}

	orch := orchestrator.New(generateFunc, orchestrator.Options{})

	uploadStore := uploads.NewStore()
	uploadStore.StartCleanupRoutine()

	hub := stream.NewHub(orch)
	hub.Run()

	r := mux.NewRouter()
	r.Use(enableCORS)

	r.HandleFunc("/", healthCheck).Methods("GET")
	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/metrics", metrics(orch)).Methods("GET")
	r.HandleFunc("/ws", hub.HandleWebSocket)

	generateHandler := generate.NewHandler(genService, limiter)
	r.HandleFunc("/generate", generateHandler.Generate).Methods("POST")

	proxyHandler := proxy.NewHandler(cfg.MediaHosts())
	r.HandleFunc("/proxy-image", proxyHandler.ProxyImage).Methods("GET")

	uploads.NewHandler(uploadStore).RegisterRoutes(r)
	orchestrator.NewHandler(orch, uploadStore).RegisterRoutes(r)

	log.Printf("🚀 Try-On Canvas Server starting on port %s", cfg.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost:%s/ws", cfg.Port)
	log.Printf("❤️  Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("📊 Metrics: http://localhost:%s/metrics", cfg.Port)

	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed to start: %v", err)
	}
}
