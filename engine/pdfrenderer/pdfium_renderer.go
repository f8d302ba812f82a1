package pdfrenderer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"
)

// PDFiumRenderer implements page rendering using go-pdfium with WebAssembly (pure Go, no CGo)
type PDFiumRenderer struct {
	pool pdfium.Pool
}

// NewPDFiumRenderer starts a pool with one WebAssembly instance per concurrent document
func NewPDFiumRenderer(concurrency int) (*PDFiumRenderer, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	pool, err := webassembly.Init(webassembly.Config{
		MinIdle:  1,
		MaxIdle:  concurrency,
		MaxTotal: concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PDFium WebAssembly: %w", err)
	}
	return &PDFiumRenderer{pool: pool}, nil
}

func (r *PDFiumRenderer) Name() string { return "pdfium" }

// Open checks out an instance for the lifetime of the document
func (r *PDFiumRenderer) Open(data []byte) (Document, error) {
	instance, err := r.pool.GetInstance(time.Second * 30)
	if err != nil {
		return nil, fmt.Errorf("failed to get PDFium instance: %w", err)
	}

	doc, err := instance.OpenDocument(&requests.OpenDocument{File: &data})
	if err != nil {
		instance.Close()
		return nil, fmt.Errorf("unable to open PDF document: %w", err)
	}

	pageCount, err := instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{Document: doc.Document})
	if err != nil {
		instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: doc.Document})
		instance.Close()
		return nil, fmt.Errorf("unable to get page count: %w", err)
	}

	return &pdfiumDocument{
		instance: instance,
		doc:      doc.Document,
		numPages: pageCount.PageCount,
		links:    &lazyIndex{data: data},
	}, nil
}

// Close cleans up resources used by the PDFium renderer
func (r *PDFiumRenderer) Close() error {
	if r.pool != nil {
		err := r.pool.Close()
		r.pool = nil
		return err
	}
	return nil
}

type pdfiumDocument struct {
	// a wasm instance is not safe for concurrent use
	mu       sync.Mutex
	instance pdfium.Pdfium
	doc      references.FPDF_DOCUMENT
	numPages int
	links    *lazyIndex
}

func (d *pdfiumDocument) NumPages() int { return d.numPages }

func (d *pdfiumDocument) Bounds(index int) (Bounds, error) {
	if err := checkIndex(index, d.numPages); err != nil {
		return Bounds{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	size, err := d.instance.FPDF_GetPageSizeByIndex(&requests.FPDF_GetPageSizeByIndex{
		Document: d.doc,
		Index:    index,
	})
	if err != nil {
		return Bounds{}, fmt.Errorf("unable to read bounds of page %d: %w", index+1, err)
	}
	return Bounds{Width: size.Width, Height: size.Height}, nil
}

// RenderPage renders into a wasm bitmap which is released before returning on every path
func (d *pdfiumDocument) RenderPage(ctx context.Context, index int, scale float64) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bounds, err := d.Bounds(index)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	render, err := d.instance.RenderPageInPixels(&requests.RenderPageInPixels{
		Page: requests.Page{
			ByIndex: &requests.PageByIndex{
				Document: d.doc,
				Index:    index,
			},
		},
		Width:  scaledPixels(bounds.Width, scale),
		Height: scaledPixels(bounds.Height, scale),
	})
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("unable to render page %d: %w", index+1, err)
	}
	defer render.Cleanup()

	page, err := finishPage(render.Result.Image, bounds, scale, d.links.pageLinks(index, bounds))
	if err != nil {
		return nil, fmt.Errorf("unable to encode page %d: %w", index+1, err)
	}
	return page, nil
}

func (d *pdfiumDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: d.doc})
	if cerr := d.instance.Close(); err == nil {
		err = cerr
	}
	return err
}
