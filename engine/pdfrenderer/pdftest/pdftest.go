// Package pdftest writes small, valid PDF files for tests
package pdftest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Link is a URI annotation in PDF user space (bottom-left origin)
type Link struct {
	X0, Y0, X1, Y1 float64
	URI            string
}

// Page is one blank page, Rotate is written as the page's /Rotate when set
type Page struct {
	Width, Height float64
	Rotate        int
	Links         []Link
}

// Letter is a US letter portrait page
var Letter = Page{Width: 612, Height: 792}

// Build returns a PDF with the given pages, including a correct xref table
func Build(pages ...Page) []byte {
	var objects []string

	next := 3
	var kids []string
	var pageBodies []string
	var annotBodies [][]string
	for _, p := range pages {
		pageNum := next
		next++
		contentNum := next
		next++
		var annotRefs, annots []string
		for _, l := range p.Links {
			annotRefs = append(annotRefs, fmt.Sprintf("%d 0 R", next))
			annots = append(annots, fmt.Sprintf(
				"<< /Type /Annot /Subtype /Link /Rect [%s %s %s %s] /Border [0 0 0] /A << /S /URI /URI (%s) >> >>",
				num(l.X0), num(l.Y0), num(l.X1), num(l.Y1), l.URI))
			next++
		}
		body := fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %s %s] /Resources << >> /Contents %d 0 R",
			num(p.Width), num(p.Height), contentNum)
		if p.Rotate != 0 {
			body += fmt.Sprintf(" /Rotate %d", p.Rotate)
		}
		if len(annotRefs) > 0 {
			body += " /Annots [" + strings.Join(annotRefs, " ") + "]"
		}
		body += " >>"
		kids = append(kids, fmt.Sprintf("%d 0 R", pageNum))
		pageBodies = append(pageBodies, body)
		annotBodies = append(annotBodies, annots)
	}

	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)),
	)
	for i := range pages {
		content := "q 0.9 g 10 10 50 50 re f Q"
		objects = append(objects, pageBodies[i],
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
		objects = append(objects, annotBodies[i]...)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
