package uploads

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tryon-canvas-server/modules/preprocess"
)

const maxUploadBytes = 32 << 20 // 32MB multipart memory cap

// Handler exposes the upload session HTTP surface.
type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes attaches the upload endpoints to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/sessions", h.CreateSession).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}/images", h.AddImage).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}/images", h.ListImages).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}/images/{type}/{index}", h.RemoveImage).Methods("DELETE")
	r.HandleFunc("/api/sessions/{sessionId}/images", h.ClearImages).Methods("DELETE")
}

// CreateSession issues a new empty upload session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	session := h.store.CreateSession()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"sessionId": session.ID,
	})
}

// AddImage accepts one multipart image, preprocesses it, and appends it to
// the requested set. The first model image additionally reports a detected
// aspect ratio so the client can auto-select it.
func (h *Handler) AddImage(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	kind, err := ParseKind(r.FormValue("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read image file")
		return
	}

	if !preprocess.IsSupported(header.Header.Get("Content-Type"), header.Filename) {
		writeError(w, http.StatusBadRequest, "Unsupported image format")
		return
	}

	encoded, err := preprocess.Prepare(data, header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		log.Printf("❌ Failed to preprocess %s: %v", header.Filename, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry, index := session.Add(kind, encoded.FileName, encoded.ContentType, encoded.Data)

	resp := map[string]interface{}{
		"id":          entry.ID,
		"index":       index,
		"fileName":    entry.FileName,
		"contentType": entry.ContentType,
		"size":        entry.Size,
	}

	// First model image drives the aspect ratio selection.
	if kind == KindModel && index == 0 && encoded.Width > 0 && encoded.Height > 0 {
		if session.MarkAspectApplied() {
			value, discovered := preprocess.DetectAspectRatio(encoded.Width, encoded.Height)
			resp["detectedAspectRatio"] = value
			resp["aspectRatioDiscovered"] = discovered
			log.Printf("📐 Detected aspect ratio %s for session %s (discovered=%v)", value, session.ID, discovered)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListImages returns metadata for both sets.
func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":   session.List(KindModel),
		"products": session.List(KindProduct),
	})
}

// RemoveImage deletes one entry by set and index.
func (h *Handler) RemoveImage(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	kind, err := ParseKind(vars["type"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid index")
		return
	}

	if err := session.Remove(kind, index); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// ClearImages empties both sets.
func (h *Handler) ClearImages(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	session.Clear()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id := mux.Vars(r)["sessionId"]
	session, ok := h.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return session, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
