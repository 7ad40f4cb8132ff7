package generate

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"tryon-canvas-server/modules/common/config"
)

// contentGenerator abstracts the provider call so tests can inject failures
// and canned responses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type genaiGenerator struct {
	client *genai.Client
}

func (g *genaiGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return g.client.Models.GenerateContent(ctx, model, contents, cfg)
}

// Uploader stores a generated image and returns its public URL.
type Uploader interface {
	UploadGenerated(ctx context.Context, imageData []byte, prompt string, mode string) (string, error)
}

// Service runs one generation call end to end: validate, call the
// provider with retry, store the result.
type Service struct {
	model       string
	gen         contentGenerator
	uploader    Uploader
	httpClient  *http.Client
	maxAttempts int
	retryPause  time.Duration
}

// NewService builds the production service. Returns nil when the provider
// client cannot be created.
func NewService(uploader Uploader) *Service {
	cfg := config.GetConfig()

	ctx := context.Background()
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		log.Printf("❌ Failed to create Genai client: %v", err)
		return nil
	}

	log.Println("✅ Genai client initialized")
	return &Service{
		model:       cfg.GeminiModel,
		gen:         &genaiGenerator{client: genaiClient},
		uploader:    uploader,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxAttempts: defaultMaxAttempts,
		retryPause:  defaultRetryPause,
	}
}

// Generate produces one image for the request.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	parts, err := s.buildParts(ctx, req)
	if err != nil {
		return nil, err
	}

	aspectRatio := AspectRatioString(req.AspectRatio)
	log.Printf("📤 Sending %s request to Gemini (%d parts, aspect %s)", req.Mode, len(parts), aspectRatio)

	var resp *genai.GenerateContentResponse
	err = withRetry(ctx, s.maxAttempts, s.retryPause, func() error {
		content := &genai.Content{Parts: parts}
		var callErr error
		resp, callErr = s.gen.GenerateContent(
			ctx,
			s.model,
			[]*genai.Content{content},
			&genai.GenerateContentConfig{
				ImageConfig: &genai.ImageConfig{
					AspectRatio: aspectRatio,
				},
			},
		)
		if callErr != nil {
			return fmt.Errorf("Gemini API call failed: %w", callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	imageData, description := extractResponse(resp)
	if len(imageData) == 0 {
		return nil, NewError(KindNoImages, "No images generated", nil)
	}

	log.Printf("✅ Received image from Gemini: %d bytes", len(imageData))

	url := s.storeImage(ctx, imageData, req)
	return &Result{URL: url, Description: description}, nil
}

// validate enforces the per-mode image count rules.
func validate(req Request) error {
	if req.Prompt == "" {
		return NewError(KindValidation, "Mode and prompt are required", nil)
	}
	switch req.Mode {
	case ModeVirtualTryOn:
		if len(req.Images) != 2 {
			return NewError(KindValidation, "Both model and product images are required for virtual-try-on mode", nil)
		}
	case ModeImageEditing:
		if len(req.Images) < 1 || len(req.Images) > 2 {
			return NewError(KindValidation, "At least one image is required for editing mode", nil)
		}
	case ModeTextToImage:
		if len(req.Images) != 0 {
			return NewError(KindValidation, "text-to-image mode does not accept reference images", nil)
		}
	default:
		return NewError(KindValidation, fmt.Sprintf("Invalid mode '%s', must be one of: text-to-image, image-editing, virtual-try-on", req.Mode), nil)
	}
	return nil
}

// buildParts assembles the provider content: reference images first, the
// prompt text last.
func (s *Service) buildParts(ctx context.Context, req Request) ([]*genai.Part, error) {
	var parts []*genai.Part

	for i, img := range req.Images {
		data := img.Data
		mimeType := img.MIMEType

		if len(data) == 0 && img.URL != "" {
			fetched, fetchedType, err := s.fetchImage(ctx, img.URL)
			if err != nil {
				return nil, NewError(KindValidation, fmt.Sprintf("Failed to fetch image %d", i+1), err)
			}
			data, mimeType = fetched, fetchedType
		}
		if len(data) == 0 {
			return nil, NewError(KindValidation, fmt.Sprintf("Image %d is empty", i+1), nil)
		}
		if mimeType == "" {
			mimeType = "image/jpeg"
		}

		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: mimeType,
				Data:     data,
			},
		})
	}

	prompt := req.Prompt
	if req.Mode == ModeVirtualTryOn {
		prompt = tryOnPrompt(req.Prompt)
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	return parts, nil
}

// tryOnPrompt frames the user prompt with the fixed try-on instruction so
// the provider composes the product onto the model.
func tryOnPrompt(userPrompt string) string {
	return "The first image is a person, the second image is a product. " +
		"Generate a photorealistic image of the person wearing or using the product. " +
		"Preserve the person's pose, face, and the scene lighting.\n\n" + userPrompt
}

func (s *Service) fetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	mimeType := resp.Header.Get("Content-Type")
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	return data, mimeType, nil
}

// extractResponse pulls the first inline image and first text part out of
// the provider response.
func extractResponse(resp *genai.GenerateContentResponse) ([]byte, string) {
	if resp == nil {
		return nil, ""
	}

	var imageData []byte
	var description string

	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && imageData == nil {
				imageData = part.InlineData.Data
			}
			if part.Text != "" && description == "" {
				description = part.Text
			}
		}
	}
	return imageData, description
}

// storeImage uploads the generated bytes and returns the public URL. When
// storage is unconfigured or the upload fails, serve the image inline as a
// data URL instead of failing the whole generation.
func (s *Service) storeImage(ctx context.Context, imageData []byte, req Request) string {
	if s.uploader != nil {
		url, err := s.uploader.UploadGenerated(ctx, imageData, req.Prompt, string(req.Mode))
		if err == nil {
			return url
		}
		log.Printf("⚠️ Storage upload failed, falling back to data URL: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(imageData)
}
