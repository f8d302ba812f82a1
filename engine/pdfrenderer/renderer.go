package pdfrenderer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"strings"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// ErrPageOutOfRange is returned for a page index outside [0, NumPages)
var ErrPageOutOfRange = errors.New("page index out of range")

// Format is the encoding chosen for a rendered page
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ContentType is the MIME type of the format
func (f Format) ContentType() string {
	return "image/" + string(f)
}

// Bounds is a page box in document units (points)
type Bounds struct {
	Width  float64
	Height float64
}

// Rect is a box in document units with a top-left origin
type Rect struct {
	X0, Y0, X1, Y1 float64
}

// Coords renders the rect as "x0,y0,x1,y1"
func (r Rect) Coords() string {
	parts := []string{
		strconv.FormatFloat(r.X0, 'f', -1, 64),
		strconv.FormatFloat(r.Y0, 'f', -1, 64),
		strconv.FormatFloat(r.X1, 'f', -1, 64),
		strconv.FormatFloat(r.Y1, 'f', -1, 64),
	}
	return strings.Join(parts, ",")
}

// Link is a hyperlink annotation on a page
type Link struct {
	URI  string
	Rect Rect
}

// Page is one encoded page plus what is needed to describe it
type Page struct {
	Image  []byte
	Format Format
	Bounds Bounds
	Links  []Link
	Width  int // rendered pixels
	Height int
	Scale  float64
}

// Rasterizer opens documents for page rendering
type Rasterizer interface {
	Open(data []byte) (Document, error)
	Name() string
	// Close cleans up any resources used by the renderer
	Close() error
}

// Document is an open source document. It must be closed to release native memory.
type Document interface {
	NumPages() int
	Bounds(index int) (Bounds, error)
	// RenderPage rasterizes the page at index with the given scale and encodes it
	RenderPage(ctx context.Context, index int, scale float64) (*Page, error)
	Close() error
}

// NewRasterizer builds the named backend, fitz (MuPDF, needs CGo) or pdfium (WebAssembly)
func NewRasterizer(name string, concurrency int) (Rasterizer, error) {
	switch name {
	case "", "fitz":
		return NewFitzRenderer(), nil
	case "pdfium":
		return NewPDFiumRenderer(concurrency)
	default:
		return nil, fmt.Errorf("unknown rasterizer %q", name)
	}
}

func checkIndex(index, numPages int) error {
	if index < 0 || index >= numPages {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrPageOutOfRange, index, numPages)
	}
	return nil
}

// finishPage encodes the pixels and fills in the sizes
func finishPage(img image.Image, bounds Bounds, scale float64, links []Link) (*Page, error) {
	img = fitWithin(img)
	data, format, err := encodeSmallest(img)
	if err != nil {
		return nil, err
	}
	size := img.Bounds().Size()
	if links == nil {
		links = []Link{}
	}
	return &Page{
		Image:  data,
		Format: format,
		Bounds: bounds,
		Links:  links,
		Width:  size.X,
		Height: size.Y,
		Scale:  scale,
	}, nil
}
