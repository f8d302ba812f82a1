package database

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/drummonds/docpages/config"
	"github.com/oklog/ulid/v2"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrTerminalState rejects updates against a COMPLETED or FAILED status that do not reschedule it
	ErrTerminalState = errors.New("processing status is terminal")
)

// ProcessingState is the lifecycle of one document version inside the pipeline
type ProcessingState string

const (
	StateQueued     ProcessingState = "QUEUED"
	StateProcessing ProcessingState = "PROCESSING"
	StateCompleted  ProcessingState = "COMPLETED"
	StateFailed     ProcessingState = "FAILED"
)

// Terminal reports whether no further transitions are expected
func (s ProcessingState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the four known states
func (s ProcessingState) Valid() bool {
	switch s {
	case StateQueued, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// StorageType tags which blob backend holds a key
type StorageType string

const (
	StorageLocal StorageType = "LOCAL_PATH"
	StorageGCS   StorageType = "GCS_PATH"
)

// Document owns one or more versions
type Document struct {
	ID           ulid.ULID `json:"id"`
	TeamID       string    `json:"teamId"`
	Name         string    `json:"name"`
	Type         string    `json:"type"` // pdf, docs, slides, sheet, cad, video, zip...
	ContentType  string    `json:"contentType"`
	DownloadOnly bool      `json:"downloadOnly"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DocumentVersion is one snapshot of the source content to be rasterized
type DocumentVersion struct {
	ID            ulid.ULID   `json:"id"`
	DocumentID    ulid.ULID   `json:"documentId"`
	TeamID        string      `json:"teamId"`
	File          string      `json:"file"` // blob key of the source
	StorageType   StorageType `json:"storageType"`
	ContentType   string      `json:"contentType"`
	Type          string      `json:"type"`
	NumPages      int         `json:"numPages"` // authoritative once processing completes
	IsVertical    bool        `json:"isVertical"`
	HasPages      bool        `json:"hasPages"`
	IsPrimary     bool        `json:"isPrimary"`
	VersionNumber int         `json:"versionNumber"`
	FileSize      int64       `json:"fileSize"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// PageLink is a hyperlink region embedded in a page
type PageLink struct {
	Href   string `json:"href"`
	Coords string `json:"coords"` // "x0,y0,x1,y1"
}

// PageMetadata records how a page was rendered
type PageMetadata struct {
	OriginalWidth  float64 `json:"originalWidth"`
	OriginalHeight float64 `json:"originalHeight"`
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
	ScaleFactor    float64 `json:"scaleFactor"`
}

// DocumentPage is one rendered page of a version, at most one per (version, page number)
type DocumentPage struct {
	ID          ulid.ULID    `json:"id"`
	VersionID   ulid.ULID    `json:"versionId"`
	PageNumber  int          `json:"pageNumber"` // 1-based
	File        string       `json:"file"`
	StorageType StorageType  `json:"storageType"`
	Links       []PageLink   `json:"pageLinks"`
	Metadata    PageMetadata `json:"metadata"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ProcessingStatus is the durable state machine record of one version
type ProcessingStatus struct {
	VersionID ulid.ULID            `json:"documentVersionId"`
	State     ProcessingState      `json:"status"`
	Progress  int                  `json:"progress"`
	Message   *string              `json:"message"`
	Error     *string              `json:"error"`
	Mode      config.ExecutionMode `json:"mode"`
	Attempt   int                  `json:"attempt"` // schedules so far, starting at 1
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// StatusPatch carries the subset of fields a writer wants to change, nil fields stay as they are
type StatusPatch struct {
	State    *ProcessingState
	Progress *int
	Message  *string
	Error    *string
}

// VersionPatch is the subset of version fields the engine mutates
type VersionPatch struct {
	NumPages    *int
	IsVertical  *bool
	HasPages    *bool
	IsPrimary   *bool
	File        *string
	StorageType *StorageType
	ContentType *string
	Type        *string
}

// Repository defines database operations
type Repository interface {
	Close() error
	// Documents and versions
	CreateDocument(ctx context.Context, doc *Document, version *DocumentVersion) error
	GetDocument(ctx context.Context, id ulid.ULID) (*Document, error)
	GetVersion(ctx context.Context, id ulid.ULID) (*DocumentVersion, error)
	UpdateVersion(ctx context.Context, id ulid.ULID, patch VersionPatch) error
	// Pages
	GetPage(ctx context.Context, versionID ulid.ULID, pageNumber int) (*DocumentPage, error)
	CreatePage(ctx context.Context, page *DocumentPage) (bool, error)
	ListPages(ctx context.Context, versionID ulid.ULID) ([]DocumentPage, error)
	// Processing status
	GetStatus(ctx context.Context, versionID ulid.ULID) (*ProcessingStatus, error)
	ScheduleStatus(ctx context.Context, versionID ulid.ULID, mode config.ExecutionMode, message string) (*ProcessingStatus, error)
	UpsertStatus(ctx context.Context, versionID ulid.ULID, patch StatusPatch) (*ProcessingStatus, error)
	ListStaleStatuses(ctx context.Context, mode config.ExecutionMode, state ProcessingState, olderThan time.Duration) ([]ProcessingStatus, error)
}

// GetStatusOrDefault reads a status, treating a missing record as a version that predates status tracking
func GetStatusOrDefault(ctx context.Context, db Repository, versionID ulid.ULID) (*ProcessingStatus, error) {
	status, err := db.GetStatus(ctx, versionID)
	if errors.Is(err, ErrNotFound) {
		return &ProcessingStatus{VersionID: versionID, State: StateCompleted, Progress: 100}, nil
	}
	if err != nil {
		Logger.Error("Unable to read processing status", "versionID", versionID, "error", err)
		return nil, err
	}
	return status, nil
}

// CalculateUUID generates a new ULID for the given time
func CalculateUUID(time time.Time) (ulid.ULID, error) {
	newULID, err := ulid.New(ulid.Timestamp(time), ulid.DefaultEntropy())
	if err != nil {
		return newULID, err
	}
	return newULID, nil
}

// notFound maps sql.ErrNoRows onto ErrNotFound
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Ptr returns a pointer to v, handy for building patches
func Ptr[T any](v T) *T {
	return &v
}
