// Package storage persists generated images to Supabase Storage and keeps
// a best-effort generation history table.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gen2brain/webp"
	supabase "github.com/supabase-community/supabase-go"

	"tryon-canvas-server/modules/common/config"
)

const (
	storageBucket = "attachments"
	webpQuality   = 90
	historyTable  = "tryon_generation_history"
)

// Client uploads generated images and records history rows.
type Client struct {
	supabaseURL    string
	serviceKey     string
	storageBaseURL string
	httpClient     *http.Client
	db             *supabase.Client
}

// NewClient builds the storage client. Returns nil when Supabase is not
// configured, in which case callers fall back to inline data URLs.
func NewClient() *Client {
	cfg := config.GetConfig()
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		log.Printf("⚠️ Supabase not configured - generated images will be served inline")
		return nil
	}

	db, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, &supabase.ClientOptions{})
	if err != nil {
		log.Printf("❌ Failed to create Supabase client: %v", err)
		return nil
	}

	log.Println("✅ Supabase client initialized")
	return &Client{
		supabaseURL:    strings.TrimRight(cfg.SupabaseURL, "/"),
		serviceKey:     cfg.SupabaseServiceKey,
		storageBaseURL: strings.TrimRight(cfg.SupabaseStorageBaseURL, "/"),
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		db:             db,
	}
}

// UploadGenerated converts the provider's PNG output to WebP, uploads it,
// and returns the public URL. History insertion is best-effort.
func (c *Client) UploadGenerated(ctx context.Context, imageData []byte, prompt string, mode string) (string, error) {
	webpData, err := convertPNGToWebP(imageData, webpQuality)
	if err != nil {
		return "", fmt.Errorf("failed to convert PNG to WebP: %w", err)
	}

	timestamp := time.Now().UnixNano() / int64(time.Millisecond)
	fileName := fmt.Sprintf("generated_%d_%d.webp", timestamp, rand.Intn(999999))
	filePath := fmt.Sprintf("generated-images/%s", fileName)

	log.Printf("📤 Uploading WebP image to storage: %s", filePath)

	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.supabaseURL, storageBucket, filePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(webpData))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Content-Type", "image/webp")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	publicURL := c.publicURL(filePath)
	log.Printf("✅ Image uploaded: %s (%d bytes)", publicURL, len(webpData))

	c.recordHistory(prompt, mode, filePath, len(webpData))

	return publicURL, nil
}

func (c *Client) publicURL(filePath string) string {
	if c.storageBaseURL != "" {
		return fmt.Sprintf("%s/%s", c.storageBaseURL, filePath)
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.supabaseURL, storageBucket, filePath)
}

// recordHistory inserts a history row. Failures are logged, never surfaced.
func (c *Client) recordHistory(prompt, mode, filePath string, size int) {
	row := map[string]interface{}{
		"prompt":     prompt,
		"mode":       mode,
		"file_path":  filePath,
		"file_size":  size,
		"created_at": time.Now().Format(time.RFC3339),
	}

	_, _, err := c.db.From(historyTable).
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		log.Printf("⚠️ Failed to record generation history: %v", err)
	}
}

func convertPNGToWebP(pngData []byte, quality int) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode PNG: %w", err)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode WebP: %w", err)
	}

	webpData := buf.Bytes()
	log.Printf("🔄 PNG converted to WebP: %d bytes → %d bytes", len(pngData), len(webpData))
	return webpData, nil
}
