package generate

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is the generation mode requested by the client.
type Mode string

const (
	ModeTextToImage  Mode = "text-to-image"
	ModeImageEditing Mode = "image-editing"
	ModeVirtualTryOn Mode = "virtual-try-on"
)

// ParseMode validates the mode form field.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTextToImage, ModeImageEditing, ModeVirtualTryOn:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("Invalid mode '%s', must be one of: text-to-image, image-editing, virtual-try-on", s)
	}
}

// ImageInput is one reference image, either inline bytes or a URL the
// service fetches before the provider call.
type ImageInput struct {
	Data     []byte
	MIMEType string
	URL      string
}

// Request is one generation call.
type Request struct {
	Mode        Mode
	Prompt      string
	AspectRatio string
	Images      []ImageInput

	// ClientID/Referer feed the rate limiter when Generate is wrapped
	// by the quota-checking dispatch function.
	ClientID string
	Referer  string
}

// Result carries the stored image URL plus the provider's text commentary.
type Result struct {
	URL         string
	Description string
}

// AspectRatioString maps the client preset to the provider's format.
// Unrecognized values fall back to square.
func AspectRatioString(preset string) string {
	switch preset {
	case "portrait":
		return "9:16"
	case "landscape":
		return "16:9"
	case "wide":
		return "21:9"
	case "square":
		return "1:1"
	}
	// Extended presets arrive already in ratio form.
	if strings.Contains(preset, ":") {
		return preset
	}
	return "1:1"
}

// ErrorKind classifies generation failures for retry and HTTP mapping.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindQuota      ErrorKind = "quota"
	KindTransient  ErrorKind = "transient"
	KindNoImages   ErrorKind = "no_images"
	KindCancelled  ErrorKind = "cancelled"
	KindProvider   ErrorKind = "provider"
)

// GenerationError wraps a failure with its retry classification.
type GenerationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *GenerationError) Unwrap() error { return e.Err }

// NewError builds a classified generation error.
func NewError(kind ErrorKind, message string, err error) *GenerationError {
	return &GenerationError{Kind: kind, Message: message, Err: err}
}

// IsRetryable reports whether a retry could plausibly succeed. Only
// overload, server-side, and network failures qualify; everything else
// (validation, quota, cancellation, empty results) surfaces immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var genErr *GenerationError
	if errors.As(err, &genErr) {
		switch genErr.Kind {
		case KindTransient:
			return true
		case KindValidation, KindQuota, KindNoImages, KindCancelled:
			return false
		}
		// Provider errors fall through to message inspection.
	}

	errStr := strings.ToLower(err.Error())
	transientMarkers := []string{
		"429",
		"resource_exhausted",
		"resource has been exhausted",
		"too many requests",
		"rate limit",
		"quota exceeded",
		"500",
		"502",
		"503",
		"504",
		"internal error",
		"unavailable",
		"overloaded",
		"deadline exceeded",
		"timeout",
		"connection reset",
		"connection refused",
		"eof",
	}
	for _, marker := range transientMarkers {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
