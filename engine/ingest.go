package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/drummonds/docpages/blobstore"
	"github.com/drummonds/docpages/database"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrEmptyUpload rejects uploads without content
var ErrEmptyUpload = errors.New("upload is empty")

// IngestRequest is one uploaded source document
type IngestRequest struct {
	TeamID      string
	Name        string
	ContentType string
	Data        []byte
}

// IngestResult is what the ingest caller gets back once the version is scheduled
type IngestResult struct {
	Document  *database.Document        `json:"document"`
	Version   *database.DocumentVersion `json:"version"`
	Execution *ExecutionHandle          `json:"execution"`
}

// Ingestor stores a source, records the document and hands the version to the executor
type Ingestor struct {
	DB       database.Repository
	Blobs    blobstore.Store
	Executor Executor
}

// contentTypeKind maps well known MIME types onto document types, "" when unknown
func contentTypeKind(contentType string) string {
	switch contentType {
	case "application/pdf":
		return "pdf"
	case "application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.oasis.opendocument.text",
		"application/rtf":
		return "docs"
	case "application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"application/vnd.oasis.opendocument.presentation",
		"application/vnd.apple.keynote",
		"application/x-iwork-keynote-sffkey":
		return "slides"
	case "application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.oasis.opendocument.spreadsheet",
		"text/csv",
		"text/tab-separated-values":
		return "sheet"
	case "image/vnd.dwg", "image/vnd.dxf", "application/acad":
		return "cad"
	case "application/zip", "application/x-zip-compressed":
		return "zip"
	case "application/vnd.google-earth.kml+xml", "application/vnd.google-earth.kmz":
		return "map"
	case "message/rfc822", "application/vnd.ms-outlook":
		return "email"
	}
	return ""
}

func extensionKind(ext string) string {
	switch ext {
	case ".pdf":
		return "pdf"
	case ".doc", ".docx", ".odt", ".rtf":
		return "docs"
	case ".ppt", ".pptx", ".odp", ".key":
		return "slides"
	case ".xls", ".xlsx", ".ods", ".csv", ".tsv":
		return "sheet"
	case ".dwg", ".dxf":
		return "cad"
	case ".zip":
		return "zip"
	case ".kml", ".kmz":
		return "map"
	case ".eml", ".msg":
		return "email"
	case ".mp4", ".mov", ".webm", ".avi", ".mkv":
		return "video"
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return "image"
	}
	return ""
}

// DetectType names the document type from its content type, falling back to the file extension
func DetectType(name, contentType string) string {
	if kind := contentTypeKind(contentType); kind != "" {
		return kind
	}
	ext := strings.ToLower(filepath.Ext(name))
	if kind := extensionKind(ext); kind != "" {
		return kind
	}
	switch {
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	}
	return strings.TrimPrefix(ext, ".")
}

// IsDownloadOnly is true for types that are served as files and never rendered
func IsDownloadOnly(docType, contentType string) bool {
	return docType == "zip" || docType == "map" || docType == "email" || contentType == "text/tab-separated-values"
}

// declaredPageCount asks pdfcpu for the page count. Parse errors are not fatal here, the
// rasterizer decides whether the document can be opened.
func declaredPageCount(data []byte) int {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	count, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		Logger.Warn("PDF preflight could not count pages", "error", err)
		return 0
	}
	return count
}

// Ingest stores the upload as version 1 of a new document and schedules it. The error from a
// failed delegated enqueue is returned here, render errors never are.
func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.TeamID == "" {
		return nil, fmt.Errorf("team id is required")
	}
	if len(req.Data) == 0 {
		return nil, ErrEmptyUpload
	}
	name := path.Base(filepath.ToSlash(req.Name))
	if name == "." || name == "/" || name == "" {
		name = "document"
	}

	now := time.Now()
	documentID, err := database.CalculateUUID(now)
	if err != nil {
		return nil, err
	}
	versionID, err := database.CalculateUUID(now)
	if err != nil {
		return nil, err
	}

	docType := DetectType(name, req.ContentType)
	downloadOnly := IsDownloadOnly(docType, req.ContentType)
	Logger.Info("Ingesting document", "teamID", req.TeamID, "name", name, "type", docType, "bytes", len(req.Data), "downloadOnly", downloadOnly)

	numPages := 0
	if docType == "pdf" {
		numPages = declaredPageCount(req.Data)
	}

	storageType, key, err := i.Blobs.Put(ctx, req.Data, req.ContentType, blobstore.Scope{
		TeamID:     req.TeamID,
		DocumentID: documentID.String(),
		Name:       path.Join(versionID.String(), "original"+strings.ToLower(path.Ext(name))),
	})
	if err != nil {
		return nil, fmt.Errorf("store source: %w", err)
	}

	document := &database.Document{
		ID:           documentID,
		TeamID:       req.TeamID,
		Name:         name,
		Type:         docType,
		ContentType:  req.ContentType,
		DownloadOnly: downloadOnly,
		CreatedAt:    now,
	}
	version := &database.DocumentVersion{
		ID:            versionID,
		DocumentID:    documentID,
		TeamID:        req.TeamID,
		File:          key,
		StorageType:   storageType,
		ContentType:   req.ContentType,
		Type:          docType,
		NumPages:      numPages,
		IsPrimary:     true,
		VersionNumber: 1,
		FileSize:      int64(len(req.Data)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := i.DB.CreateDocument(ctx, document, version); err != nil {
		i.discard(ctx, key)
		return nil, fmt.Errorf("create document: %w", err)
	}

	execution, err := i.Executor.Submit(ctx, Submission{
		TeamID:       req.TeamID,
		DocumentID:   documentID,
		VersionID:    versionID,
		Type:         docType,
		ContentType:  req.ContentType,
		DownloadOnly: downloadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("schedule version %s: %w", versionID, err)
	}
	return &IngestResult{Document: document, Version: version, Execution: execution}, nil
}

// discard removes a source blob no record points at
func (i *Ingestor) discard(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := i.Blobs.Delete(ctx, key); err != nil {
		Logger.Warn("Unable to remove orphaned source", "key", key, "error", err)
	}
}

// Resubmit schedules an existing version again, pages already rendered are kept
func (i *Ingestor) Resubmit(ctx context.Context, version *database.DocumentVersion) (*ExecutionHandle, error) {
	document, err := i.DB.GetDocument(ctx, version.DocumentID)
	if err != nil {
		return nil, err
	}
	return i.Executor.Submit(ctx, Submission{
		TeamID:       version.TeamID,
		DocumentID:   version.DocumentID,
		VersionID:    version.ID,
		Type:         version.Type,
		ContentType:  version.ContentType,
		DownloadOnly: document.DownloadOnly,
	})
}
