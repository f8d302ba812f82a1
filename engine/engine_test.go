package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/drummonds/docpages/blobstore"
	"github.com/drummonds/docpages/config"
	"github.com/drummonds/docpages/database"
	"github.com/drummonds/docpages/engine/pdfrenderer"
	"github.com/oklog/ulid/v2"
)

// fakeRasterizer renders every page as a tiny payload, optionally failing one page
type fakeRasterizer struct {
	pages    []pdfrenderer.Bounds
	openErr  error
	failPage int // 1-based, 0 never fails
	panics   bool
	renders  atomic.Int32
	closed   atomic.Int32
}

func (f *fakeRasterizer) Name() string { return "fake" }

func (f *fakeRasterizer) Close() error { return nil }

func (f *fakeRasterizer) Open(data []byte) (pdfrenderer.Document, error) {
	if f.panics {
		panic("native renderer crashed")
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeDocument{r: f}, nil
}

type fakeDocument struct {
	r *fakeRasterizer
}

func (d *fakeDocument) NumPages() int { return len(d.r.pages) }

func (d *fakeDocument) Bounds(index int) (pdfrenderer.Bounds, error) {
	if index < 0 || index >= len(d.r.pages) {
		return pdfrenderer.Bounds{}, pdfrenderer.ErrPageOutOfRange
	}
	return d.r.pages[index], nil
}

func (d *fakeDocument) RenderPage(ctx context.Context, index int, scale float64) (*pdfrenderer.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bounds, err := d.Bounds(index)
	if err != nil {
		return nil, err
	}
	d.r.renders.Add(1)
	if d.r.failPage == index+1 {
		return nil, fmt.Errorf("corrupt content stream")
	}
	return &pdfrenderer.Page{
		Image:  []byte(fmt.Sprintf("page-%d", index+1)),
		Format: pdfrenderer.FormatPNG,
		Bounds: bounds,
		Links:  []pdfrenderer.Link{{URI: "https://example.com", Rect: pdfrenderer.Rect{X0: 1, Y0: 2, X1: 3, Y1: 4}}},
		Width:  int(bounds.Width * scale),
		Height: int(bounds.Height * scale),
		Scale:  scale,
	}, nil
}

func (d *fakeDocument) Close() error {
	d.r.closed.Add(1)
	return nil
}

// countingStore counts writes to the wrapped store
type countingStore struct {
	blobstore.Store
	puts atomic.Int32
}

func (s *countingStore) Put(ctx context.Context, data []byte, contentType string, scope blobstore.Scope) (database.StorageType, string, error) {
	s.puts.Add(1)
	return s.Store.Put(ctx, data, contentType, scope)
}

// recordingReporter keeps every patch it forwards
type recordingReporter struct {
	inner   StatusReporter
	mu      sync.Mutex
	patches []database.StatusPatch
	onPatch func(patch database.StatusPatch)
}

func (r *recordingReporter) Report(ctx context.Context, versionID ulid.ULID, patch database.StatusPatch) error {
	r.mu.Lock()
	r.patches = append(r.patches, patch)
	r.mu.Unlock()
	if r.onPatch != nil {
		r.onPatch(patch)
	}
	return r.inner.Report(ctx, versionID, patch)
}

func (r *recordingReporter) progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var values []int
	for _, p := range r.patches {
		if p.Progress != nil {
			values = append(values, *p.Progress)
		}
	}
	return values
}

type testEnv struct {
	db         *database.BunDB
	blobs      *countingStore
	rasterizer *fakeRasterizer
	reporter   *recordingReporter
	engine     *Engine
}

func newTestEnv(t *testing.T, pages int) *testEnv {
	t.Helper()
	db, err := database.NewRepository(config.ServerConfig{DatabaseType: "sqlite", DatabaseDbname: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	local, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create blob store: %v", err)
	}
	blobs := &countingStore{Store: local}

	rasterizer := &fakeRasterizer{}
	for i := 0; i < pages; i++ {
		rasterizer.pages = append(rasterizer.pages, pdfrenderer.Bounds{Width: 612, Height: 792})
	}

	reporter := &recordingReporter{inner: StoreReporter{DB: db}}
	eng := NewEngine(db, blobs, rasterizer, NewMessages("en")).WithReporter(reporter)
	return &testEnv{db: db, blobs: blobs, rasterizer: rasterizer, reporter: reporter, engine: eng}
}

// seedVersion stores a source blob and its document rows, the status is scheduled QUEUED
func (env *testEnv) seedVersion(t *testing.T) *database.DocumentVersion {
	t.Helper()
	ctx := context.Background()
	doc := &database.Document{ID: ulid.Make(), TeamID: "team-1", Name: "deck.pdf", Type: "pdf", ContentType: "application/pdf"}
	_, key, err := env.blobs.Store.Put(ctx, []byte("%PDF-1.4 fake"), "application/pdf", blobstore.Scope{
		TeamID: doc.TeamID, DocumentID: doc.ID.String(), Name: "original.pdf",
	})
	if err != nil {
		t.Fatalf("Failed to store source: %v", err)
	}
	version := &database.DocumentVersion{
		ID:            ulid.Make(),
		DocumentID:    doc.ID,
		TeamID:        doc.TeamID,
		File:          key,
		StorageType:   database.StorageLocal,
		ContentType:   "application/pdf",
		Type:          "pdf",
		VersionNumber: 1,
	}
	if err := env.db.CreateDocument(ctx, doc, version); err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	if _, err := env.db.ScheduleStatus(ctx, version.ID, config.ExecutionLocal, "queued"); err != nil {
		t.Fatalf("Failed to schedule status: %v", err)
	}
	return version
}

func TestProgressFor(t *testing.T) {
	for n := 1; n <= 400; n++ {
		previous := -1
		for i := 0; i < n; i++ {
			p := progressFor(i, n)
			if p < 10 || p > 100 {
				t.Fatalf("progressFor(%d, %d) = %d, want within [10, 100]", i, n, p)
			}
			if n <= 90 && p <= previous {
				t.Fatalf("progressFor(%d, %d) = %d did not increase from %d", i, n, p, previous)
			}
			if p < previous {
				t.Fatalf("progressFor(%d, %d) = %d decreased from %d", i, n, p, previous)
			}
			previous = p
		}
	}
	if got := progressFor(1, 2); got != 55 {
		t.Errorf("progressFor(1, 2) = %d, want 55", got)
	}
}

func TestRunThreePageDocument(t *testing.T) {
	env := newTestEnv(t, 3)
	version := env.seedVersion(t)
	ctx := context.Background()

	if err := env.engine.Run(ctx, version.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []int{10, 40, 70, 100}
	got := env.reporter.progress()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Progress sequence = %v, want %v", got, want)
	}
	if msg := env.reporter.patches[1].Message; msg == nil || *msg != "processing page 2/3" {
		t.Errorf("Unexpected message for page 2: %v", msg)
	}

	status, err := env.db.GetStatus(ctx, version.ID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != database.StateCompleted || status.Progress != 100 {
		t.Errorf("Expected COMPLETED/100, got %s/%d", status.State, status.Progress)
	}

	pages, err := env.db.ListPages(ctx, version.ID)
	if err != nil {
		t.Fatalf("ListPages failed: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("Expected 3 pages, got %d", len(pages))
	}
	for i, page := range pages {
		if page.PageNumber != i+1 {
			t.Errorf("Page %d has number %d", i, page.PageNumber)
		}
		if page.Metadata.ScaleFactor != 2.95 || page.Metadata.OriginalWidth != 612 {
			t.Errorf("Unexpected metadata %+v", page.Metadata)
		}
		if len(page.Links) != 1 || page.Links[0].Coords != "1,2,3,4" {
			t.Errorf("Unexpected links %+v", page.Links)
		}
		data, err := env.blobs.Get(ctx, page.File)
		if err != nil || string(data) != fmt.Sprintf("page-%d", i+1) {
			t.Errorf("Blob for page %d = %q, %v", i+1, data, err)
		}
	}

	updated, err := env.db.GetVersion(ctx, version.ID)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if updated.NumPages != 3 || !updated.HasPages || !updated.IsPrimary || !updated.IsVertical {
		t.Errorf("Version not finalized: %+v", updated)
	}
	if env.rasterizer.closed.Load() != 1 {
		t.Errorf("Document closed %d times, want 1", env.rasterizer.closed.Load())
	}
}

func TestRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 3)
	version := env.seedVersion(t)
	ctx := context.Background()

	if err := env.engine.Run(ctx, version.ID); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	puts, renders := env.blobs.puts.Load(), env.rasterizer.renders.Load()

	if err := env.engine.Run(ctx, version.ID); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if env.blobs.puts.Load() != puts {
		t.Errorf("Second run wrote %d extra blobs", env.blobs.puts.Load()-puts)
	}
	if env.rasterizer.renders.Load() != renders {
		t.Errorf("Second run rendered %d extra pages", env.rasterizer.renders.Load()-renders)
	}
	pages, _ := env.db.ListPages(ctx, version.ID)
	if len(pages) != 3 {
		t.Errorf("Expected 3 pages after two runs, got %d", len(pages))
	}
}

func TestRunResumesAfterFailure(t *testing.T) {
	env := newTestEnv(t, 4)
	version := env.seedVersion(t)
	ctx := context.Background()

	env.rasterizer.failPage = 3
	err := env.engine.Run(ctx, version.ID)
	if err == nil {
		t.Fatal("Expected the run to fail on page 3")
	}

	status, _ := env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateFailed || status.Progress != 0 {
		t.Errorf("Expected FAILED/0, got %s/%d", status.State, status.Progress)
	}
	if status.Error == nil || *status.Error == "" {
		t.Error("Expected an error message on the failed status")
	}
	pages, _ := env.db.ListPages(ctx, version.ID)
	if len(pages) != 2 {
		t.Fatalf("Expected pages 1-2 to be kept, got %d", len(pages))
	}
	failedVersion, _ := env.db.GetVersion(ctx, version.ID)
	if failedVersion.HasPages {
		t.Error("Failed version must not be marked as having pages")
	}

	// a retry is a fresh schedule followed by a new run
	env.rasterizer.failPage = 0
	rendersBefore := env.rasterizer.renders.Load()
	if _, err := env.db.ScheduleStatus(ctx, version.ID, config.ExecutionLocal, "retry"); err != nil {
		t.Fatalf("Failed to reschedule: %v", err)
	}
	if err := env.engine.Run(ctx, version.ID); err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if rendered := env.rasterizer.renders.Load() - rendersBefore; rendered != 2 {
		t.Errorf("Resumed run rendered %d pages, want 2", rendered)
	}
	pages, _ = env.db.ListPages(ctx, version.ID)
	if len(pages) != 4 {
		t.Errorf("Expected 4 pages after resume, got %d", len(pages))
	}
	status, _ = env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateCompleted {
		t.Errorf("Expected COMPLETED after resume, got %s", status.State)
	}
}

func TestRunUnreadableSource(t *testing.T) {
	env := newTestEnv(t, 3)
	version := env.seedVersion(t)
	ctx := context.Background()
	env.rasterizer.openErr = errors.New("no objects found")

	if err := env.engine.Run(ctx, version.ID); err == nil {
		t.Fatal("Expected an error for an unreadable document")
	}

	if len(env.reporter.patches) != 1 {
		t.Fatalf("Expected a single status write, got %d", len(env.reporter.patches))
	}
	status, _ := env.db.GetStatus(ctx, version.ID)
	if status.State != database.StateFailed || status.Progress != 0 {
		t.Errorf("Expected FAILED/0, got %s/%d", status.State, status.Progress)
	}
	if status.Error == nil || *status.Error == "" {
		t.Error("Expected the parse failure on the status")
	}
	pages, _ := env.db.ListPages(ctx, version.ID)
	if len(pages) != 0 {
		t.Errorf("Expected no pages, got %d", len(pages))
	}
}

func TestRunCancelledBetweenPages(t *testing.T) {
	env := newTestEnv(t, 5)
	version := env.seedVersion(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// cancel arrives once page 3 has been announced, pages 1-2 are already stored
	env.reporter.onPatch = func(patch database.StatusPatch) {
		if patch.Message != nil && *patch.Message == "processing page 3/5" {
			cancel()
		}
	}
	err := env.engine.Run(ctx, version.ID)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}

	status, _ := database.GetStatusOrDefault(context.Background(), env.db, version.ID)
	if status.State != database.StateFailed {
		t.Errorf("Expected FAILED after cancel, got %s", status.State)
	}
	if status.Message == nil || *status.Message != "processing cancelled" {
		t.Errorf("Unexpected cancel message %v", status.Message)
	}
	pages, _ := env.db.ListPages(context.Background(), version.ID)
	if len(pages) != 2 {
		t.Errorf("Expected 2 pages before cancellation took effect, got %d", len(pages))
	}
	if env.rasterizer.renders.Load() != 2 {
		t.Errorf("Expected 2 renders, got %d", env.rasterizer.renders.Load())
	}
}

func TestRunKeepsPagesFromOlderScale(t *testing.T) {
	env := newTestEnv(t, 2)
	version := env.seedVersion(t)
	ctx := context.Background()

	_, err := env.db.CreatePage(ctx, &database.DocumentPage{
		ID:          ulid.Make(),
		VersionID:   version.ID,
		PageNumber:  1,
		File:        "team-1/old/page-1.png",
		StorageType: database.StorageLocal,
		Metadata:    database.PageMetadata{OriginalWidth: 612, OriginalHeight: 792, ScaleFactor: 1.5},
	})
	if err != nil {
		t.Fatalf("Failed to create old page: %v", err)
	}

	if err := env.engine.Run(ctx, version.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	page, err := env.db.GetPage(ctx, version.ID, 1)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if page.Metadata.ScaleFactor != 1.5 || page.File != "team-1/old/page-1.png" {
		t.Errorf("Old page was replaced: %+v", page)
	}
	if env.rasterizer.renders.Load() != 1 {
		t.Errorf("Expected only page 2 to render, got %d renders", env.rasterizer.renders.Load())
	}
}

func TestRenderThumbnail(t *testing.T) {
	env := newTestEnv(t, 2)
	version := env.seedVersion(t)
	ctx := context.Background()

	page, err := env.engine.RenderThumbnail(ctx, version.ID, 2, 0.5)
	if err != nil {
		t.Fatalf("RenderThumbnail failed: %v", err)
	}
	if page.Scale != 0.5 {
		t.Errorf("Expected scale 0.5, got %v", page.Scale)
	}
	page, err = env.engine.RenderThumbnail(ctx, version.ID, 1, 50)
	if err != nil {
		t.Fatalf("RenderThumbnail failed: %v", err)
	}
	if page.Scale != 2.95 {
		t.Errorf("Expected scale capped at 2.95, got %v", page.Scale)
	}
	if _, err := env.engine.RenderThumbnail(ctx, version.ID, 3, 1); !errors.Is(err, pdfrenderer.ErrPageOutOfRange) {
		t.Errorf("Expected ErrPageOutOfRange, got %v", err)
	}
	pages, _ := env.db.ListPages(ctx, version.ID)
	if len(pages) != 0 {
		t.Errorf("Thumbnails must not create pages, got %d", len(pages))
	}
}
