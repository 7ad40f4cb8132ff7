package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("image/jpeg", "photo.jpg"))
	assert.True(t, IsSupported("image/png", "photo.png"))
	assert.True(t, IsSupported("image/webp", "photo.webp"))
	assert.True(t, IsSupported("image/heic", "photo.heic"))

	// Extension fallback when the browser sends a useless MIME type.
	assert.True(t, IsSupported("application/octet-stream", "photo.heic"))
	assert.True(t, IsSupported("", "photo.JPG"))

	assert.False(t, IsSupported("application/pdf", "doc.pdf"))
	assert.False(t, IsSupported("text/plain", "notes.txt"))
	assert.False(t, IsSupported("", "archive.zip"))
}

func TestIsHEICByExtension(t *testing.T) {
	assert.True(t, IsHEIC("image/heic", "photo.heic"))
	assert.True(t, IsHEIC("image/heif", "photo.heif"))
	// Wrong or generic MIME type still routes through the transcoder.
	assert.True(t, IsHEIC("application/octet-stream", "photo.heic"))
	assert.True(t, IsHEIC("", "photo.HEIC"))

	assert.False(t, IsHEIC("image/jpeg", "photo.jpg"))
}

func TestPrepareRejectsUnsupported(t *testing.T) {
	_, err := Prepare([]byte("not an image"), "application/pdf", "doc.pdf")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestPrepareHEICConversionFailureIsTerminal(t *testing.T) {
	_, err := Prepare([]byte("garbage bytes"), "image/heic", "photo.heic")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHEICConversion)
}

func TestPrepareResizesLargeImages(t *testing.T) {
	data := pngBytes(t, 2560, 1440)

	encoded, err := Prepare(data, "image/png", "big.png")
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", encoded.ContentType)
	assert.LessOrEqual(t, encoded.Width, MaxEdge)
	assert.LessOrEqual(t, encoded.Height, MaxEdge)
	assert.Equal(t, MaxEdge, encoded.Width, "longer edge lands exactly on the cap")

	img, err := jpeg.Decode(bytes.NewReader(encoded.Data))
	require.NoError(t, err)
	assert.Equal(t, encoded.Width, img.Bounds().Dx())
	assert.Equal(t, encoded.Height, img.Bounds().Dy())
}

func TestPrepareKeepsSmallImageDimensions(t *testing.T) {
	data := pngBytes(t, 640, 480)

	encoded, err := Prepare(data, "image/png", "small.png")
	require.NoError(t, err)

	assert.Equal(t, 640, encoded.Width)
	assert.Equal(t, 480, encoded.Height)
	assert.Equal(t, "image/jpeg", encoded.ContentType)
}

func TestPrepareKeepsUndecodableBytes(t *testing.T) {
	// Supported extension, corrupt payload: keep the original bytes rather
	// than failing the upload.
	data := []byte{0xff, 0xd8, 0xff, 0x00, 0x01, 0x02}

	encoded, err := Prepare(data, "image/jpeg", "broken.jpg")
	require.NoError(t, err)
	assert.Equal(t, data, encoded.Data)
	assert.Equal(t, "image/jpeg", encoded.ContentType)
}

func TestDetectAspectRatio(t *testing.T) {
	cases := []struct {
		name       string
		w, h       int
		want       string
		discovered bool
	}{
		{"exact square", 1000, 1000, "square", false},
		{"portrait phone photo", 1080, 1920, "portrait", false},
		{"landscape", 1920, 1080, "landscape", false},
		{"ultrawide", 2100, 900, "wide", false},
		{"classic 4:3", 1600, 1200, "4:3", true},
		{"photo 3:2", 3000, 2000, "3:2", true},
		{"portrait 3:4", 1200, 1600, "3:4", true},
		{"portrait 4:5", 1600, 2000, "4:5", true},
		{"near square leans square", 1000, 1040, "square", false},
		{"zero height falls back", 100, 0, "square", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, discovered := DetectAspectRatio(tc.w, tc.h)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.discovered, discovered)
		})
	}
}
