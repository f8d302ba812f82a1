package pdfrenderer

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

const jpegQuality = 80

// encodeSmallest encodes img as PNG and as JPEG and keeps the smaller, PNG on a tie
func encodeSmallest(img image.Image) ([]byte, Format, error) {
	var pngBuf, jpegBuf bytes.Buffer
	if err := imaging.Encode(&pngBuf, img, imaging.PNG); err != nil {
		return nil, "", fmt.Errorf("png encode: %w", err)
	}
	if err := imaging.Encode(&jpegBuf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, "", fmt.Errorf("jpeg encode: %w", err)
	}
	if pngBuf.Len() <= jpegBuf.Len() {
		return pngBuf.Bytes(), FormatPNG, nil
	}
	return jpegBuf.Bytes(), FormatJPEG, nil
}

// fitWithin shrinks img so neither side exceeds MaxDimension, rounding in the backend can
// land a pixel past the cap
func fitWithin(img image.Image) image.Image {
	size := img.Bounds().Size()
	if size.X <= int(MaxDimension) && size.Y <= int(MaxDimension) {
		return img
	}
	return imaging.Fit(img, int(MaxDimension), int(MaxDimension), imaging.Lanczos)
}
