// Package proxy re-serves stored images through the server origin so the
// browser canvas can read pixels without CORS taint.
package proxy

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Handler serves GET /proxy-image.
type Handler struct {
	allowedHosts []string
	httpClient   *http.Client
}

func NewHandler(allowedHosts []string) *Handler {
	return &Handler{
		allowedHosts: allowedHosts,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// ProxyImage fetches an allowlisted remote image and re-serves it with a
// long-lived cache header. Stored images are immutable, so a year is safe.
func (h *Handler) ProxyImage(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "URL parameter is required")
		return
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Hostname() == "" || !h.hostAllowed(parsed.Hostname()) {
		writeError(w, http.StatusBadRequest, "Invalid URL")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, rawURL, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid URL")
		return
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		log.Printf("❌ Failed to proxy image %s: %v", rawURL, err)
		writeError(w, http.StatusInternalServerError, "Failed to proxy image")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Upstream returned %d for %s", resp.StatusCode, rawURL)
		writeError(w, http.StatusInternalServerError, "Failed to proxy image")
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000")

	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("⚠️ Proxy stream interrupted for %s: %v", rawURL, err)
	}
}

// hostAllowed accepts exact matches and subdomains of allowlisted hosts.
func (h *Handler) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range h.allowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
