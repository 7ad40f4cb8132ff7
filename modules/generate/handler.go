package generate

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"time"

	"tryon-canvas-server/modules/ratelimit"
)

const maxRequestBytes = 32 << 20

// Handler exposes the single-shot generation endpoint.
type Handler struct {
	service *Service
	limiter *ratelimit.Limiter
}

func NewHandler(service *Service, limiter *ratelimit.Limiter) *Handler {
	return &Handler{service: service, limiter: limiter}
}

// Generate handles POST /generate: one synchronous provider call.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxRequestBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form", "")
		return
	}

	modeStr := r.FormValue("mode")
	prompt := r.FormValue("prompt")
	if modeStr == "" || prompt == "" {
		writeError(w, http.StatusBadRequest, "Mode and prompt are required", "")
		return
	}

	mode, err := ParseMode(modeStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	images, err := collectImages(r, mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	clientID := ratelimit.ClientIP(r)
	referer := r.Header.Get("Referer")

	if h.limiter != nil {
		decision := h.limiter.Allow(r.Context(), clientID, referer)
		if !decision.Allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":   decision.Message,
				"resetAt": decision.ResetAt.Format(time.RFC3339),
			})
			return
		}
	}

	result, err := h.service.Generate(r.Context(), Request{
		Mode:        mode,
		Prompt:      prompt,
		AspectRatio: r.FormValue("aspectRatio"),
		Images:      images,
		ClientID:    clientID,
		Referer:     referer,
	})
	if err != nil {
		var genErr *GenerationError
		if errors.As(err, &genErr) && genErr.Kind == KindValidation {
			writeError(w, http.StatusBadRequest, genErr.Message, "")
			return
		}
		log.Printf("❌ Generation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate image", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url":         result.URL,
		"prompt":      prompt,
		"description": result.Description,
	})
}

// collectImages reads the mode's expected image slots. Editing slots accept
// either an uploaded file or a hosted URL the service fetches and inlines.
// Missing required slots surface as mode-specific validation errors.
func collectImages(r *http.Request, mode Mode) ([]ImageInput, error) {
	switch mode {
	case ModeVirtualTryOn:
		model, ok := readSlot(r, "model", "")
		if !ok {
			return nil, errors.New("Both model and product images are required for virtual-try-on mode")
		}
		product, ok := readSlot(r, "product", "")
		if !ok {
			return nil, errors.New("Both model and product images are required for virtual-try-on mode")
		}
		return []ImageInput{model, product}, nil

	case ModeImageEditing:
		first, ok := readSlot(r, "image1", "image1Url")
		if !ok {
			return nil, errors.New("At least one image is required for editing mode")
		}
		images := []ImageInput{first}
		if second, ok := readSlot(r, "image2", "image2Url"); ok {
			images = append(images, second)
		}
		return images, nil

	default: // text-to-image
		return nil, nil
	}
}

// readSlot resolves one image slot: uploaded file first, URL field second.
func readSlot(r *http.Request, fileField, urlField string) (ImageInput, bool) {
	if input, err := readFile(r, fileField); err == nil {
		return input, true
	}
	if urlField != "" {
		if rawURL := r.FormValue(urlField); rawURL != "" {
			return ImageInput{URL: rawURL}, true
		}
	}
	return ImageInput{}, false
}

func readFile(r *http.Request, field string) (ImageInput, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return ImageInput{}, err
	}
	defer file.Close()
	return readImageInput(file, header)
}

func readImageInput(file multipart.File, header *multipart.FileHeader) (ImageInput, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return ImageInput{}, err
	}
	return ImageInput{
		Data:     data,
		MIMEType: header.Header.Get("Content-Type"),
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	body := map[string]string{"error": message}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
