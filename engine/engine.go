package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"time"

	"github.com/drummonds/docpages/blobstore"
	"github.com/drummonds/docpages/database"
	"github.com/drummonds/docpages/engine/pdfrenderer"
	"github.com/oklog/ulid/v2"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// ErrCancelled is recorded when a run is stopped between pages
var ErrCancelled = errors.New("processing cancelled")

// Engine rasterizes every page of one document version and records the result
type Engine struct {
	DB         database.Repository
	Blobs      blobstore.Store
	Rasterizer pdfrenderer.Rasterizer
	Messages   Messages
	// Reporter receives status transitions, StoreReporter on DB when nil
	Reporter StatusReporter
}

// NewEngine wires an engine writing status into db
func NewEngine(db database.Repository, blobs blobstore.Store, rasterizer pdfrenderer.Rasterizer, messages Messages) *Engine {
	if messages == nil {
		messages = NewMessages("")
	}
	return &Engine{DB: db, Blobs: blobs, Rasterizer: rasterizer, Messages: messages}
}

// WithReporter returns a copy of the engine that reports through r
func (e *Engine) WithReporter(r StatusReporter) *Engine {
	clone := *e
	clone.Reporter = r
	return &clone
}

func (e *Engine) reporter() StatusReporter {
	if e.Reporter != nil {
		return e.Reporter
	}
	return StoreReporter{DB: e.DB}
}

func (e *Engine) messages() Messages {
	if e.Messages != nil {
		return e.Messages
	}
	return NewMessages("")
}

// progressFor is the progress reported before rendering page index i of n. The first 10%
// covers setup and the last 10% finalization.
func progressFor(i, n int) int {
	return int(math.Round(float64(i)/float64(n)*90)) + 10
}

// PageKey is the blob name of a rendered page inside its document scope
func PageKey(versionID ulid.ULID, pageNumber int, format pdfrenderer.Format) string {
	return path.Join(versionID.String(), fmt.Sprintf("page-%d.%s", pageNumber, format))
}

// Run processes the version start to finish. Every failure is recorded as FAILED/0 on the
// version's status before being returned, pages created so far are kept for a later resume.
func (e *Engine) Run(ctx context.Context, versionID ulid.ULID) (err error) {
	logger := Logger.With("versionID", versionID, "rasterizer", e.Rasterizer.Name())
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			runsFinished.WithLabelValues("panicked").Inc()
			panic(r)
		}
		if err == nil {
			runsFinished.WithLabelValues("completed").Inc()
			logger.Info("Rasterization completed", "duration", time.Since(start))
			return
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", ErrCancelled, err)
			runsFinished.WithLabelValues("cancelled").Inc()
		} else {
			runsFinished.WithLabelValues("failed").Inc()
		}
		logger.Error("Rasterization failed", "error", err)
		e.fail(ctx, versionID, err)
	}()

	version, err := e.DB.GetVersion(ctx, versionID)
	if err != nil {
		return fmt.Errorf("load version: %w", err)
	}
	source, err := e.Blobs.Get(ctx, version.File)
	if err != nil {
		return fmt.Errorf("read source %s: %w", version.File, err)
	}

	doc, err := e.Rasterizer.Open(source)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer doc.Close()

	numPages := doc.NumPages()
	logger.Info("Rasterizing document", "pages", numPages, "teamID", version.TeamID)

	for i := 0; i < numPages; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pageNumber := i + 1
		report(ctx, e.reporter(), versionID, database.StatusPatch{
			Progress: database.Ptr(progressFor(i, numPages)),
			Message:  database.Ptr(e.messages().ProcessingPage(pageNumber, numPages)),
		})

		if err := e.processPage(ctx, version, doc, i); err != nil {
			return err
		}
	}

	err = e.DB.UpdateVersion(ctx, versionID, database.VersionPatch{
		NumPages:  database.Ptr(numPages),
		HasPages:  database.Ptr(true),
		IsPrimary: database.Ptr(true),
	})
	if err != nil {
		return fmt.Errorf("finalize version: %w", err)
	}

	report(ctx, e.reporter(), versionID, database.StatusPatch{
		State:    database.Ptr(database.StateCompleted),
		Progress: database.Ptr(100),
		Message:  database.Ptr(e.messages().Processed(numPages)),
	})
	return nil
}

// processPage renders, stores and records page index i unless a row for it already exists
func (e *Engine) processPage(ctx context.Context, version *database.DocumentVersion, doc pdfrenderer.Document, i int) error {
	pageNumber := i + 1
	bounds, err := doc.Bounds(i)
	if err != nil {
		return fmt.Errorf("page %d: %w", pageNumber, err)
	}
	scale := pdfrenderer.ScaleFor(bounds)

	if pageNumber == 1 {
		err := e.DB.UpdateVersion(ctx, version.ID, database.VersionPatch{IsVertical: database.Ptr(pdfrenderer.IsVertical(bounds))})
		if err != nil {
			return fmt.Errorf("store orientation: %w", err)
		}
	}

	existing, err := e.DB.GetPage(ctx, version.ID, pageNumber)
	if err == nil {
		pagesSkipped.Inc()
		// pages rendered under an older scale policy are kept as they are
		if math.Abs(existing.Metadata.ScaleFactor-scale) > 1e-6 {
			Logger.Warn("Existing page was rendered at a different scale, keeping it",
				"versionID", version.ID, "page", pageNumber, "stored", existing.Metadata.ScaleFactor, "current", scale)
		}
		return nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("page %d: lookup: %w", pageNumber, err)
	}

	renderStart := time.Now()
	page, err := doc.RenderPage(ctx, i, scale)
	if err != nil {
		return fmt.Errorf("page %d: render: %w", pageNumber, err)
	}

	storageType, key, err := e.Blobs.Put(ctx, page.Image, page.Format.ContentType(), blobstore.Scope{
		TeamID:     version.TeamID,
		DocumentID: version.DocumentID.String(),
		Name:       PageKey(version.ID, pageNumber, page.Format),
	})
	if err != nil {
		return fmt.Errorf("page %d: upload: %w", pageNumber, err)
	}

	links := make([]database.PageLink, 0, len(page.Links))
	for _, link := range page.Links {
		links = append(links, database.PageLink{Href: link.URI, Coords: link.Rect.Coords()})
	}

	created, err := e.DB.CreatePage(ctx, &database.DocumentPage{
		ID:          ulid.Make(),
		VersionID:   version.ID,
		PageNumber:  pageNumber,
		File:        key,
		StorageType: storageType,
		Links:       links,
		Metadata: database.PageMetadata{
			OriginalWidth:  page.Bounds.Width,
			OriginalHeight: page.Bounds.Height,
			Width:          page.Bounds.Width * page.Scale,
			Height:         page.Bounds.Height * page.Scale,
			ScaleFactor:    page.Scale,
		},
	})
	if err != nil {
		return fmt.Errorf("page %d: record: %w", pageNumber, err)
	}
	if !created {
		Logger.Info("Page row appeared concurrently, keeping the existing one", "versionID", version.ID, "page", pageNumber)
	}

	capturePageMetrics(e.Rasterizer.Name(), string(page.Format), time.Since(renderStart))
	Logger.Debug("Rendered page", "versionID", version.ID, "page", pageNumber, "format", page.Format, "bytes", len(page.Image), "width", page.Width, "height", page.Height)
	return nil
}

// fail records the error on the version, progress drops to 0
func (e *Engine) fail(ctx context.Context, versionID ulid.ULID, err error) {
	message := err.Error()
	if errors.Is(err, ErrCancelled) {
		message = e.messages().Cancelled()
	}
	report(ctx, e.reporter(), versionID, database.StatusPatch{
		State:    database.Ptr(database.StateFailed),
		Progress: database.Ptr(0),
		Message:  database.Ptr(message),
		Error:    database.Ptr(err.Error()),
	})
}

// RenderThumbnail renders one page on demand without touching any stored state. scale is
// capped at the page's normal render scale, zero or less means the normal scale.
func (e *Engine) RenderThumbnail(ctx context.Context, versionID ulid.ULID, pageNumber int, scale float64) (*pdfrenderer.Page, error) {
	version, err := e.DB.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	source, err := e.Blobs.Get(ctx, version.File)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	doc, err := e.Rasterizer.Open(source)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer doc.Close()

	bounds, err := doc.Bounds(pageNumber - 1)
	if err != nil {
		return nil, err
	}
	if limit := pdfrenderer.ScaleFor(bounds); scale <= 0 || scale > limit {
		scale = limit
	}
	return doc.RenderPage(ctx, pageNumber-1, scale)
}
