package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"tryon-canvas-server/modules/ratelimit"
)

// stubCounter is a CounterStore pinned at a starting count, so a limiter
// built on it is already at (or past) the daily limit.
type stubCounter struct {
	count int64
}

func (s *stubCounter) Incr(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	s.count++
	return s.count, nil
}

func tryOnForm(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("mode", "virtual-try-on"))
	require.NoError(t, writer.WriteField("prompt", "wear the jacket"))
	require.NoError(t, writer.WriteField("aspectRatio", "portrait"))

	for _, field := range []string{"model", "product"} {
		part, err := writer.CreateFormFile(field, field+".jpg")
		require.NoError(t, err)
		_, err = part.Write([]byte{0xff, 0xd8, 0xff})
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	return &body, writer.FormDataContentType()
}

func TestGenerateHandlerQuotaDeniedBeforeProviderCall(t *testing.T) {
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{
		imageResponse([]byte{1}, ""),
	}}
	svc := testService(gen)

	// Counter already at the limit: the next increment lands over it.
	limiter := ratelimit.NewLimiter(&stubCounter{count: 2}, 2, false, "")
	h := NewHandler(svc, limiter)

	body, contentType := tryOnForm(t)
	req := httptest.NewRequest("POST", "/generate", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.Generate(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "Daily generation limit of 2 reached")

	resetAt, ok := resp["resetAt"].(string)
	require.True(t, ok, "resetAt must be present")
	_, err := time.Parse(time.RFC3339, resetAt)
	assert.NoError(t, err, "resetAt must be RFC3339")

	assert.Equal(t, 0, gen.calls, "provider must not be invoked when quota is exhausted")
}

func TestGenerateHandlerSuccess(t *testing.T) {
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{
		imageResponse([]byte{0x89, 0x50}, "a styled look"),
	}}
	svc := testService(gen)

	limiter := ratelimit.NewLimiter(&stubCounter{}, 2, false, "")
	h := NewHandler(svc, limiter)

	body, contentType := tryOnForm(t)
	req := httptest.NewRequest("POST", "/generate", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.Generate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "wear the jacket", resp["prompt"])
	assert.Equal(t, "a styled look", resp["description"])
	assert.Contains(t, resp["url"], "data:image/png;base64,")
	assert.Equal(t, 1, gen.calls)
}

func TestGenerateHandlerMissingModeOrPrompt(t *testing.T) {
	svc := testService(&fakeGenerator{responses: []*genai.GenerateContentResponse{
		imageResponse([]byte{1}, ""),
	}})
	h := NewHandler(svc, nil)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("mode", "virtual-try-on"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/generate", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rec := httptest.NewRecorder()
	h.Generate(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Mode and prompt are required")
}
