// Package preprocess normalizes uploaded images into a compressed,
// API-compatible JPEG before they enter an upload set.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // GIF decoder registration
	"image/jpeg"
	_ "image/png" // PNG decoder registration
	"log"
	"math"
	"strings"

	"github.com/gen2brain/heic"
	_ "github.com/gen2brain/webp" // WebP decoder registration
	_ "golang.org/x/image/bmp"    // BMP decoder registration
	_ "golang.org/x/image/tiff"   // TIFF decoder registration
)

const (
	// MaxEdge bounds the longer edge of a preprocessed image.
	MaxEdge = 1280
	// JPEGQuality is the re-encode quality for preprocessed uploads.
	JPEGQuality = 75
	// heicQuality is used for the intermediate HEIC→JPEG transcode.
	heicQuality = 90
)

var (
	// ErrUnsupportedFormat rejects files outside the supported set.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrHEICConversion marks a failed HEIC/HEIF transcode.
	ErrHEICConversion = errors.New("could not convert HEIC image, please try a different image format")
)

// EncodedImage is the normalized form an upload takes after preprocessing.
type EncodedImage struct {
	Data        []byte
	ContentType string
	FileName    string
	Width       int
	Height      int
}

var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
}

var supportedExtensions = []string{
	".jpg", ".jpeg", ".png", ".webp", ".heic", ".heif", ".gif", ".bmp", ".tiff",
}

// IsSupported checks the declared MIME type first and falls back to the file
// extension; browsers often upload HEIC files with a missing or wrong type.
func IsSupported(declaredType, fileName string) bool {
	if supportedTypes[strings.ToLower(declaredType)] {
		return true
	}
	name := strings.ToLower(fileName)
	for _, ext := range supportedExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// IsHEIC reports whether the upload needs the HEIC/HEIF transcode path.
func IsHEIC(declaredType, fileName string) bool {
	t := strings.ToLower(declaredType)
	if strings.Contains(t, "heic") || strings.Contains(t, "heif") {
		return true
	}
	name := strings.ToLower(fileName)
	return strings.HasSuffix(name, ".heic") || strings.HasSuffix(name, ".heif")
}

// Prepare validates, transcodes and recompresses one uploaded image.
//
// HEIC/HEIF input is transcoded to JPEG first; a transcode failure is
// terminal for the image. The resize/re-encode step is best effort: if it
// fails the post-conversion bytes are used unmodified so the upload still
// succeeds with a larger payload.
func Prepare(data []byte, declaredType, fileName string) (*EncodedImage, error) {
	if !IsSupported(declaredType, fileName) {
		return nil, fmt.Errorf("%w: type=%q name=%q", ErrUnsupportedFormat, declaredType, fileName)
	}

	contentType := declaredType
	if IsHEIC(declaredType, fileName) {
		log.Printf("🔄 Converting HEIC image to JPEG: %s", fileName)
		converted, err := transcodeHEIC(data)
		if err != nil {
			log.Printf("❌ HEIC conversion failed for %s: %v", fileName, err)
			return nil, fmt.Errorf("%w: %v", ErrHEICConversion, err)
		}
		data = converted
		contentType = "image/jpeg"
		fileName = replaceHEICExtension(fileName)
		log.Printf("✅ HEIC conversion successful: %s (%d bytes)", fileName, len(data))
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// Re-encode is best effort; keep the original bytes.
		log.Printf("⚠️  Could not decode %s for recompression (%v), keeping original", fileName, err)
		return &EncodedImage{Data: data, ContentType: contentType, FileName: fileName}, nil
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	scaled := img
	if width > MaxEdge || height > MaxEdge {
		scaled = scaleDown(img, MaxEdge)
		b := scaled.Bounds()
		log.Printf("🔄 Resized %s from %dx%d to %dx%d", fileName, width, height, b.Dx(), b.Dy())
		width, height = b.Dx(), b.Dy()
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		log.Printf("⚠️  JPEG re-encode failed for %s (%v), keeping original", fileName, err)
		return &EncodedImage{Data: data, ContentType: contentType, FileName: fileName, Width: width, Height: height}, nil
	}

	log.Printf("✅ Image compressed: %s %d → %d bytes (format: %s)", fileName, len(data), buf.Len(), format)

	return &EncodedImage{
		Data:        buf.Bytes(),
		ContentType: "image/jpeg",
		FileName:    fileName,
		Width:       width,
		Height:      height,
	}, nil
}

func transcodeHEIC(data []byte) ([]byte, error) {
	img, err := heic.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode HEIC: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: heicQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

func replaceHEICExtension(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".heic", ".heif"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)] + ".jpg"
		}
	}
	return name + ".jpg"
}

// scaleDown shrinks an image so its longer edge is maxEdge, preserving the
// aspect ratio. Nearest neighbour is good enough for an API payload bound.
func scaleDown(src image.Image, maxEdge int) image.Image {
	bounds := src.Bounds()
	srcWidth := bounds.Dx()
	srcHeight := bounds.Dy()

	scale := float64(maxEdge) / float64(srcWidth)
	if srcHeight > srcWidth {
		scale = float64(maxEdge) / float64(srcHeight)
	}
	if scale >= 1 {
		return src
	}

	newWidth := int(math.Round(float64(srcWidth) * scale))
	newHeight := int(math.Round(float64(srcHeight) * scale))
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	for y := 0; y < newHeight; y++ {
		for x := 0; x < newWidth; x++ {
			srcX := bounds.Min.X + int(float64(x)/scale)
			srcY := bounds.Min.Y + int(float64(y)/scale)
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst
}
