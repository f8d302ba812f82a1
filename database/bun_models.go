package database

import (
	"time"

	"github.com/drummonds/docpages/config"
	"github.com/oklog/ulid/v2"
	"github.com/uptrace/bun"
)

// BunDocument represents the documents table for Bun ORM
type BunDocument struct {
	bun.BaseModel `bun:"table:documents,alias:d"`

	ID           string    `bun:"id,pk"` // ULID as string
	TeamID       string    `bun:"team_id,notnull"`
	Name         string    `bun:"name,notnull"`
	Type         string    `bun:"type,notnull"`
	ContentType  string    `bun:"content_type,notnull,default:''"`
	DownloadOnly bool      `bun:"download_only,notnull,default:false"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// ToDocument converts BunDocument to Document
func (bd *BunDocument) ToDocument() (*Document, error) {
	parsedULID, err := ulid.Parse(bd.ID)
	if err != nil {
		return nil, err
	}
	return &Document{
		ID:           parsedULID,
		TeamID:       bd.TeamID,
		Name:         bd.Name,
		Type:         bd.Type,
		ContentType:  bd.ContentType,
		DownloadOnly: bd.DownloadOnly,
		CreatedAt:    bd.CreatedAt,
	}, nil
}

// FromDocument converts Document to BunDocument
func FromDocument(doc *Document) *BunDocument {
	return &BunDocument{
		ID:           doc.ID.String(),
		TeamID:       doc.TeamID,
		Name:         doc.Name,
		Type:         doc.Type,
		ContentType:  doc.ContentType,
		DownloadOnly: doc.DownloadOnly,
		CreatedAt:    doc.CreatedAt,
	}
}

// BunDocumentVersion represents the document_versions table for Bun ORM
type BunDocumentVersion struct {
	bun.BaseModel `bun:"table:document_versions,alias:dv"`

	ID            string    `bun:"id,pk"`
	DocumentID    string    `bun:"document_id,notnull"`
	TeamID        string    `bun:"team_id,notnull"`
	File          string    `bun:"file,notnull"`
	StorageType   string    `bun:"storage_type,notnull"`
	ContentType   string    `bun:"content_type,notnull,default:''"`
	Type          string    `bun:"type,notnull"`
	NumPages      int       `bun:"num_pages,notnull,default:0"`
	IsVertical    bool      `bun:"is_vertical,notnull,default:false"`
	HasPages      bool      `bun:"has_pages,notnull,default:false"`
	IsPrimary     bool      `bun:"is_primary,notnull,default:false"`
	VersionNumber int       `bun:"version_number,notnull,default:1"`
	FileSize      int64     `bun:"file_size,notnull,default:0"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// ToVersion converts BunDocumentVersion to DocumentVersion
func (bv *BunDocumentVersion) ToVersion() (*DocumentVersion, error) {
	id, err := ulid.Parse(bv.ID)
	if err != nil {
		return nil, err
	}
	docID, err := ulid.Parse(bv.DocumentID)
	if err != nil {
		return nil, err
	}
	return &DocumentVersion{
		ID:            id,
		DocumentID:    docID,
		TeamID:        bv.TeamID,
		File:          bv.File,
		StorageType:   StorageType(bv.StorageType),
		ContentType:   bv.ContentType,
		Type:          bv.Type,
		NumPages:      bv.NumPages,
		IsVertical:    bv.IsVertical,
		HasPages:      bv.HasPages,
		IsPrimary:     bv.IsPrimary,
		VersionNumber: bv.VersionNumber,
		FileSize:      bv.FileSize,
		CreatedAt:     bv.CreatedAt,
		UpdatedAt:     bv.UpdatedAt,
	}, nil
}

// FromVersion converts DocumentVersion to BunDocumentVersion
func FromVersion(v *DocumentVersion) *BunDocumentVersion {
	return &BunDocumentVersion{
		ID:            v.ID.String(),
		DocumentID:    v.DocumentID.String(),
		TeamID:        v.TeamID,
		File:          v.File,
		StorageType:   string(v.StorageType),
		ContentType:   v.ContentType,
		Type:          v.Type,
		NumPages:      v.NumPages,
		IsVertical:    v.IsVertical,
		HasPages:      v.HasPages,
		IsPrimary:     v.IsPrimary,
		VersionNumber: v.VersionNumber,
		FileSize:      v.FileSize,
		CreatedAt:     v.CreatedAt,
		UpdatedAt:     v.UpdatedAt,
	}
}

// BunDocumentPage represents the document_pages table for Bun ORM.
// Links and Metadata are stored as JSON.
type BunDocumentPage struct {
	bun.BaseModel `bun:"table:document_pages,alias:dp"`

	ID          string       `bun:"id,pk"`
	VersionID   string       `bun:"version_id,notnull"`
	PageNumber  int          `bun:"page_number,notnull"`
	File        string       `bun:"file,notnull"`
	StorageType string       `bun:"storage_type,notnull"`
	PageLinks   []PageLink   `bun:"page_links,type:jsonb"`
	Metadata    PageMetadata `bun:"metadata,type:jsonb"`
	CreatedAt   time.Time    `bun:"created_at,notnull,default:current_timestamp"`
}

// ToPage converts BunDocumentPage to DocumentPage
func (bp *BunDocumentPage) ToPage() (*DocumentPage, error) {
	id, err := ulid.Parse(bp.ID)
	if err != nil {
		return nil, err
	}
	versionID, err := ulid.Parse(bp.VersionID)
	if err != nil {
		return nil, err
	}
	links := bp.PageLinks
	if links == nil {
		links = []PageLink{}
	}
	return &DocumentPage{
		ID:          id,
		VersionID:   versionID,
		PageNumber:  bp.PageNumber,
		File:        bp.File,
		StorageType: StorageType(bp.StorageType),
		Links:       links,
		Metadata:    bp.Metadata,
		CreatedAt:   bp.CreatedAt,
	}, nil
}

// FromPage converts DocumentPage to BunDocumentPage
func FromPage(p *DocumentPage) *BunDocumentPage {
	links := p.Links
	if links == nil {
		links = []PageLink{}
	}
	return &BunDocumentPage{
		ID:          p.ID.String(),
		VersionID:   p.VersionID.String(),
		PageNumber:  p.PageNumber,
		File:        p.File,
		StorageType: string(p.StorageType),
		PageLinks:   links,
		Metadata:    p.Metadata,
		CreatedAt:   p.CreatedAt,
	}
}

// BunProcessingStatus represents the document_processing_statuses table for Bun ORM
type BunProcessingStatus struct {
	bun.BaseModel `bun:"table:document_processing_statuses,alias:ps"`

	VersionID string    `bun:"document_version_id,pk"`
	Status    string    `bun:"status,notnull,default:'QUEUED'"`
	Progress  int       `bun:"progress,notnull,default:0"`
	Message   *string   `bun:"message"`
	Error     *string   `bun:"error"`
	Mode      string    `bun:"mode,notnull,default:'local'"`
	Attempt   int       `bun:"attempt,notnull,default:0"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// ToStatus converts BunProcessingStatus to ProcessingStatus
func (bs *BunProcessingStatus) ToStatus() (*ProcessingStatus, error) {
	versionID, err := ulid.Parse(bs.VersionID)
	if err != nil {
		return nil, err
	}
	return &ProcessingStatus{
		VersionID: versionID,
		State:     ProcessingState(bs.Status),
		Progress:  bs.Progress,
		Message:   bs.Message,
		Error:     bs.Error,
		Mode:      config.ExecutionMode(bs.Mode),
		Attempt:   bs.Attempt,
		CreatedAt: bs.CreatedAt,
		UpdatedAt: bs.UpdatedAt,
	}, nil
}
