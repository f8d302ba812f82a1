package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/drummonds/docpages/blobstore"
	"github.com/drummonds/docpages/database"
	"github.com/drummonds/docpages/queue"
	"github.com/oklog/ulid/v2"
)

// JobHandlers runs delegated jobs inside the worker process. Every handler advances the
// version's status itself, the worker only reports on the queue channel.
type JobHandlers struct {
	DB        database.Repository
	Blobs     blobstore.Store
	Engine    *Engine
	Queue     *queue.Client
	Converter *ConverterClient
	Messages  Messages
}

// Handlers is the worker's handler table keyed by job kind
func (h *JobHandlers) Handlers() map[string]queue.HandlerFunc {
	return map[string]queue.HandlerFunc{
		KindPDFToImage:     h.wrap(h.pdfToImage),
		KindConvertFiles:   h.wrap(h.convert(KindConvertFiles)),
		KindConvertKeynote: h.wrap(h.convert(KindConvertKeynote)),
		KindConvertCAD:     h.wrap(h.convert(KindConvertCAD)),
		KindOptimizeVideo:  h.wrap(h.optimizeVideo),
	}
}

func (h *JobHandlers) messages() Messages {
	if h.Messages != nil {
		return h.Messages
	}
	return NewMessages("")
}

func (h *JobHandlers) reporter() StatusReporter {
	if h.Queue == nil {
		return StoreReporter{DB: h.DB}
	}
	return TeeReporter{DB: h.DB, Queue: h.Queue}
}

type versionHandler func(ctx context.Context, payload JobPayload, versionID ulid.ULID) error

// wrap decodes the payload and records a failed handler on the status store
func (h *JobHandlers) wrap(handler versionHandler) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) error {
		var payload JobPayload
		if err := json.Unmarshal(job.Task.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		versionID, err := ulid.Parse(payload.VersionID)
		if err != nil {
			return fmt.Errorf("payload version id: %w", err)
		}

		if err := handler(ctx, payload, versionID); err != nil {
			// the engine already recorded its own failures, a terminal record is left alone
			report(ctx, StoreReporter{DB: h.DB}, versionID, database.StatusPatch{
				State:    database.Ptr(database.StateFailed),
				Progress: database.Ptr(0),
				Error:    database.Ptr(err.Error()),
			})
			return err
		}
		return nil
	}
}

func (h *JobHandlers) pdfToImage(ctx context.Context, _ JobPayload, versionID ulid.ULID) error {
	return h.Engine.WithReporter(h.reporter()).Run(ctx, versionID)
}

// convert turns the version's source into a PDF and repoints the version at it, the chained
// pdf-to-image stage renders it
func (h *JobHandlers) convert(kind string) versionHandler {
	return func(ctx context.Context, payload JobPayload, versionID ulid.ULID) error {
		version, err := h.DB.GetVersion(ctx, versionID)
		if err != nil {
			return fmt.Errorf("load version: %w", err)
		}
		report(ctx, h.reporter(), versionID, database.StatusPatch{
			State:    database.Ptr(database.StateProcessing),
			Progress: database.Ptr(5),
			Message:  database.Ptr(h.messages().QueuedRotation()[0]),
		})

		source, err := h.Blobs.Get(ctx, version.File)
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		pdfData, err := h.Converter.ConvertToPDF(ctx, kind, path.Base(version.File), source)
		if err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}

		storageType, key, err := h.Blobs.Put(ctx, pdfData, "application/pdf", blobstore.Scope{
			TeamID:     version.TeamID,
			DocumentID: version.DocumentID.String(),
			Name:       path.Join(versionID.String(), "converted.pdf"),
		})
		if err != nil {
			return fmt.Errorf("store converted pdf: %w", err)
		}
		err = h.DB.UpdateVersion(ctx, versionID, database.VersionPatch{
			File:        database.Ptr(key),
			StorageType: database.Ptr(storageType),
			ContentType: database.Ptr("application/pdf"),
			Type:        database.Ptr("pdf"),
		})
		if err != nil {
			return fmt.Errorf("repoint version: %w", err)
		}
		Logger.Info("Converted source to PDF", "versionID", versionID, "kind", kind, "bytes", len(pdfData), "teamID", payload.TeamID)
		return nil
	}
}

// optimizeVideo has no transcoder behind it, the original upload is served as it is
func (h *JobHandlers) optimizeVideo(ctx context.Context, _ JobPayload, versionID ulid.ULID) error {
	Logger.Info("No video optimizer available, keeping the original upload", "versionID", versionID)
	report(ctx, h.reporter(), versionID, database.StatusPatch{
		State:    database.Ptr(database.StateCompleted),
		Progress: database.Ptr(100),
		Message:  database.Ptr(h.messages().Processed(0)),
	})
	return nil
}
