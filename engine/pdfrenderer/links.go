package pdfrenderer

import (
	"bytes"
	"fmt"
	"math"
	"sync"

	"github.com/ledongthuc/pdf"
)

// annotationIndex reads /Link annotations and page boxes straight from the PDF object tree,
// used where a backend does not expose them with enough precision
type annotationIndex struct {
	reader *pdf.Reader
}

func newAnnotationIndex(data []byte) (idx *annotationIndex, err error) {
	// the parser panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			idx, err = nil, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}
	return &annotationIndex{reader: reader}, nil
}

// lazyIndex parses the raw file on first use, once per document
type lazyIndex struct {
	data []byte
	once sync.Once
	idx  *annotationIndex
}

func (l *lazyIndex) get() *annotationIndex {
	l.once.Do(func() {
		idx, err := newAnnotationIndex(l.data)
		if err != nil {
			Logger.Warn("Unable to index the PDF object tree", "error", err)
			return
		}
		l.idx = idx
	})
	return l.idx
}

// pageLinks is Links with failures logged, nil when the file could not be indexed
func (l *lazyIndex) pageLinks(index int, bounds Bounds) []Link {
	idx := l.get()
	if idx == nil {
		return nil
	}
	links, err := idx.Links(index+1, bounds.Height)
	if err != nil {
		Logger.Warn("Unable to read page links", "page", index+1, "error", err)
	}
	return links
}

// inherited looks a page attribute up the page tree
func inherited(page pdf.Value, key string) pdf.Value {
	for v, depth := page, 0; !v.IsNull() && depth < 32; v, depth = v.Key("Parent"), depth+1 {
		if attr := v.Key(key); !attr.IsNull() {
			return attr
		}
	}
	return pdf.Value{}
}

func boxSize(box pdf.Value) (float64, float64, bool) {
	if box.Len() != 4 {
		return 0, 0, false
	}
	w := math.Abs(box.Index(2).Float64() - box.Index(0).Float64())
	h := math.Abs(box.Index(3).Float64() - box.Index(1).Float64())
	return w, h, w > 0 && h > 0
}

// PageBox is the visible page size in points of the 1-based page number: the CropBox, else
// the MediaBox, with width and height swapped for pages rotated a quarter turn
func (a *annotationIndex) PageBox(pageNumber int) (b Bounds, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b, ok = Bounds{}, false
		}
	}()
	if pageNumber < 1 || pageNumber > a.reader.NumPage() {
		return Bounds{}, false
	}
	page := a.reader.Page(pageNumber).V
	if page.IsNull() {
		return Bounds{}, false
	}
	w, h, ok := boxSize(inherited(page, "CropBox"))
	if !ok {
		w, h, ok = boxSize(inherited(page, "MediaBox"))
	}
	if !ok {
		return Bounds{}, false
	}
	if rotate := int(inherited(page, "Rotate").Int64()); ((rotate%360)+360)%180 == 90 {
		w, h = h, w
	}
	return Bounds{Width: w, Height: h}, true
}

// Links returns the URI links of the 1-based page number with the rect flipped
// to a top-left origin. pageHeight is used when the page has no MediaBox of its own.
func (a *annotationIndex) Links(pageNumber int, pageHeight float64) (links []Link, err error) {
	defer func() {
		if r := recover(); r != nil {
			links, err = nil, fmt.Errorf("read annotations of page %d: %v", pageNumber, r)
		}
	}()
	if pageNumber < 1 || pageNumber > a.reader.NumPage() {
		return nil, ErrPageOutOfRange
	}
	page := a.reader.Page(pageNumber)
	if page.V.IsNull() {
		return nil, nil
	}

	originX, top := 0.0, pageHeight
	if box := inherited(page.V, "MediaBox"); box.Len() == 4 {
		originX = math.Min(box.Index(0).Float64(), box.Index(2).Float64())
		top = math.Max(box.Index(1).Float64(), box.Index(3).Float64())
	}

	annots := page.V.Key("Annots")
	for i := 0; i < annots.Len(); i++ {
		annot := annots.Index(i)
		if annot.Key("Subtype").Name() != "Link" {
			continue
		}
		uri := annot.Key("A").Key("URI").RawString()
		if uri == "" {
			continue
		}
		rect := annot.Key("Rect")
		if rect.Len() != 4 {
			continue
		}
		x0, y0 := rect.Index(0).Float64(), rect.Index(1).Float64()
		x1, y1 := rect.Index(2).Float64(), rect.Index(3).Float64()
		links = append(links, Link{
			URI: uri,
			Rect: Rect{
				X0: math.Min(x0, x1) - originX,
				Y0: top - math.Max(y0, y1),
				X1: math.Max(x0, x1) - originX,
				Y1: top - math.Min(y0, y1),
			},
		})
	}
	return links, nil
}
