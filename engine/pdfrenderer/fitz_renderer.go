package pdfrenderer

import (
	"context"
	"fmt"
	"math"

	"github.com/gen2brain/go-fitz"
)

// FitzRenderer implements page rendering using go-fitz (requires CGo and MuPDF)
type FitzRenderer struct{}

// NewFitzRenderer creates a new Fitz-based renderer
func NewFitzRenderer() *FitzRenderer {
	return &FitzRenderer{}
}

func (r *FitzRenderer) Name() string { return "fitz" }

// Open parses the document from memory
func (r *FitzRenderer) Open(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("unable to open PDF document: %w", err)
	}
	return &fitzDocument{doc: doc, numPages: doc.NumPage(), index: &lazyIndex{data: data}}, nil
}

// Close is a no-op, documents own their MuPDF context
func (r *FitzRenderer) Close() error {
	return nil
}

// fitzDocument reads float page boxes and link rects from index, go-fitz only exposes whole
// points and URIs
type fitzDocument struct {
	doc      *fitz.Document
	numPages int
	index    *lazyIndex
}

func (d *fitzDocument) NumPages() int { return d.numPages }

// Bounds prefers the page box from the object tree. MuPDF's integer bound is used when the
// tree is unreadable or disagrees by a point or more.
func (d *fitzDocument) Bounds(index int) (Bounds, error) {
	if err := checkIndex(index, d.numPages); err != nil {
		return Bounds{}, err
	}
	rect, err := d.doc.Bound(index)
	if err != nil {
		return Bounds{}, fmt.Errorf("unable to read bounds of page %d: %w", index+1, err)
	}
	fallback := Bounds{Width: float64(rect.Dx()), Height: float64(rect.Dy())}

	idx := d.index.get()
	if idx == nil {
		return fallback, nil
	}
	box, ok := idx.PageBox(index + 1)
	if !ok || math.Abs(box.Width-fallback.Width) >= 1 || math.Abs(box.Height-fallback.Height) >= 1 {
		return fallback, nil
	}
	return box, nil
}

// RenderPage draws the page at 72*scale DPI. go-fitz copies the pixmap into Go memory
// and drops the MuPDF pixmap before returning.
func (d *fitzDocument) RenderPage(ctx context.Context, index int, scale float64) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bounds, err := d.Bounds(index)
	if err != nil {
		return nil, err
	}

	img, err := d.doc.ImageDPI(index, 72*scale)
	if err != nil {
		return nil, fmt.Errorf("unable to render page %d: %w", index+1, err)
	}

	page, err := finishPage(img, bounds, scale, d.pageLinks(index, bounds))
	if err != nil {
		return nil, fmt.Errorf("unable to encode page %d: %w", index+1, err)
	}
	return page, nil
}

// pageLinks takes rects from the annotations and keeps those MuPDF also resolves to a URI
func (d *fitzDocument) pageLinks(index int, bounds Bounds) []Link {
	links := d.index.pageLinks(index, bounds)
	fitzLinks, err := d.doc.Links(index)
	if err != nil {
		Logger.Warn("Unable to read page links", "page", index+1, "error", err)
		return links
	}
	known := make(map[string]bool, len(fitzLinks))
	for _, l := range fitzLinks {
		known[l.URI] = true
	}
	kept := links[:0]
	for _, l := range links {
		if known[l.URI] {
			kept = append(kept, l)
		}
	}
	return kept
}

func (d *fitzDocument) Close() error {
	return d.doc.Close()
}
