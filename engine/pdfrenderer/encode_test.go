package pdfrenderer

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/disintegration/imaging"
)

func otherEncodingSize(t *testing.T, img image.Image, chosen Format) int {
	t.Helper()
	var buf bytes.Buffer
	var err error
	if chosen == FormatPNG {
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality))
	} else {
		err = imaging.Encode(&buf, img, imaging.PNG)
	}
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return buf.Len()
}

func TestEncodeSmallest(t *testing.T) {
	flat := imaging.New(400, 300, color.White)

	noisy := image.NewRGBA(image.Rect(0, 0, 200, 200))
	rng := rand.New(rand.NewSource(1))
	for i := range noisy.Pix {
		noisy.Pix[i] = byte(rng.Intn(256))
	}
	for i := 3; i < len(noisy.Pix); i += 4 {
		noisy.Pix[i] = 0xff
	}

	tests := []struct {
		name string
		img  image.Image
		want Format
	}{
		{"flat page prefers png", flat, FormatPNG},
		{"noisy photo prefers jpeg", noisy, FormatJPEG},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, format, err := encodeSmallest(tt.img)
			if err != nil {
				t.Fatalf("encodeSmallest failed: %v", err)
			}
			if format != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, format)
			}
			if other := otherEncodingSize(t, tt.img, format); len(data) > other {
				t.Errorf("Chosen %s is %d bytes, alternative is %d", format, len(data), other)
			}
			if _, decoded, err := image.Decode(bytes.NewReader(data)); err != nil || decoded != string(format) {
				t.Errorf("Output does not decode as %s: %v %s", format, err, decoded)
			}
		})
	}
}

func TestFinishPage(t *testing.T) {
	img := imaging.New(120, 90, color.White)
	page, err := finishPage(img, Bounds{Width: 40, Height: 30}, 3, nil)
	if err != nil {
		t.Fatalf("finishPage failed: %v", err)
	}
	if page.Width != 120 || page.Height != 90 || page.Scale != 3 {
		t.Errorf("Unexpected size %dx%d scale %v", page.Width, page.Height, page.Scale)
	}
	if page.Links == nil {
		t.Error("Links should be an empty list")
	}
	if page.Format.ContentType() != "image/png" {
		t.Errorf("Unexpected content type %s", page.Format.ContentType())
	}
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		wantW, wantH  int
	}{
		{"inside the cap is untouched", 1806, 7996, 1806, 7996},
		{"one pixel too wide", 8002, 200, 8000, 200},
		{"one pixel too tall", 1808, 8001, 1808, 8000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fitWithin(imaging.New(tt.width, tt.height, color.White)).Bounds().Size()
			if got.X != tt.wantW || got.Y != tt.wantH {
				t.Errorf("fitWithin(%dx%d) = %dx%d, want %dx%d", tt.width, tt.height, got.X, got.Y, tt.wantW, tt.wantH)
			}
		})
	}
}
