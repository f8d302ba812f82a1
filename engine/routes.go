package engine

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/drummonds/docpages/blobstore"
	"github.com/drummonds/docpages/config"
	"github.com/drummonds/docpages/database"
	"github.com/drummonds/docpages/engine/pdfrenderer"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
)

// maxUploadBytes caps one multipart upload
const maxUploadBytes = 512 << 20

// ServerHandler will inject the variables needed into routes
type ServerHandler struct {
	DB           database.Repository
	Echo         *echo.Echo
	ServerConfig config.ServerConfig
	Blobs        blobstore.Store
	Ingestor     *Ingestor
	Observer     *Observer
	Engine       *Engine
	// Local is nil in delegated mode
	Local *LocalExecutor
}

// RegisterRoutes adds the API routes to the handler's echo instance
func (serverHandler *ServerHandler) RegisterRoutes() {
	e := serverHandler.Echo
	internal := serverHandler.RequireInternalKey

	// Ingest
	e.POST("/api/documents", serverHandler.IngestDocument)

	// Processing status surface
	e.GET("/api/processing-status", serverHandler.GetProcessingStatus)
	e.POST("/api/processing-status", serverHandler.UpdateProcessingStatus, internal)

	// Progress observer
	e.GET("/api/progress-token", serverHandler.GetProgressToken)
	e.GET("/api/versions/:id/progress/events", serverHandler.StreamProgress)

	// Pages
	e.GET("/api/versions/:id/pages", serverHandler.ListPages)
	e.GET("/api/versions/:id/pages/:page/thumbnail", serverHandler.GetThumbnail)
	e.POST("/api/versions/:id/cancel", serverHandler.CancelVersion, internal)
	e.POST("/api/versions/:id/retry", serverHandler.RetryVersion, internal)

	// Blob passthrough (serve actual files - not JSON)
	e.GET("/api/file/local/*", serverHandler.ServeFile)
}

// RequireInternalKey guards internal writes with the bearer key when one is configured
func (serverHandler *ServerHandler) RequireInternalKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := serverHandler.ServerConfig.InternalAPIKey
		if key == "" {
			return next(c)
		}
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]interface{}{
				"error": "Unauthorized",
			})
		}
		return next(c)
	}
}

func parseVersionID(raw string) (ulid.ULID, error) {
	if raw == "" {
		return ulid.ULID{}, fmt.Errorf("document version id is required")
	}
	return ulid.Parse(raw)
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{
		"error": message,
	})
}

// IngestDocument handles documents uploaded from the frontend
// @Summary Upload a document
// @Description Store a new document, create its first version and schedule processing
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param teamId formData string true "Owning team"
// @Param name formData string false "Display name, defaults to the file name"
// @Param file formData file true "Document file to upload"
// @Success 201 {object} IngestResult "Created document, version and execution handle"
// @Failure 400 {object} map[string]interface{} "Bad request"
// @Failure 502 {object} map[string]interface{} "Delegated queue rejected the job"
// @Router /documents [post]
func (serverHandler *ServerHandler) IngestDocument(c echo.Context) error {
	request := c.Request()
	request.Body = http.MaxBytesReader(c.Response(), request.Body, maxUploadBytes)

	teamID := request.FormValue("teamId")
	if teamID == "" {
		return badRequest(c, "teamId is required")
	}
	file, fileHeader, err := request.FormFile("file")
	if err != nil {
		Logger.Warn("Upload without a file", "error", err)
		return badRequest(c, "file is required")
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		Logger.Error("Unable to read uploaded file", "name", fileHeader.Filename, "error", err)
		return badRequest(c, "unable to read upload")
	}

	name := request.FormValue("name")
	if name == "" {
		name = fileHeader.Filename
	}
	contentType := fileHeader.Header.Get(echo.HeaderContentType)
	if contentType == "" || contentType == echo.MIMEOctetStream {
		if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
			contentType = strings.SplitN(byExt, ";", 2)[0]
		}
	}

	result, err := serverHandler.Ingestor.Ingest(request.Context(), IngestRequest{
		TeamID:      teamID,
		Name:        name,
		ContentType: contentType,
		Data:        body,
	})
	if errors.Is(err, ErrEmptyUpload) {
		return badRequest(c, err.Error())
	}
	if err != nil {
		Logger.Error("Ingest failed", "name", name, "teamID", teamID, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusCreated, result)
}

// GetProcessingStatus returns the status of a version
// @Summary Get processing status
// @Description Versions without a record are reported as completed
// @Tags Processing
// @Produce json
// @Param documentVersionId query string true "Document version ULID"
// @Success 200 {object} map[string]interface{} "status, progress, message, error"
// @Failure 400 {object} map[string]interface{} "Missing documentVersionId"
// @Router /processing-status [get]
func (serverHandler *ServerHandler) GetProcessingStatus(c echo.Context) error {
	versionID, err := parseVersionID(c.QueryParam("documentVersionId"))
	if err != nil {
		return badRequest(c, "Missing documentVersionId")
	}
	status, err := database.GetStatusOrDefault(c.Request().Context(), serverHandler.DB, versionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to get processing status",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   status.State,
		"progress": status.Progress,
		"message":  status.Message,
		"error":    status.Error,
	})
}

type statusUpdateRequest struct {
	Status   *database.ProcessingState `json:"status"`
	Progress *int                      `json:"progress"`
	Message  *string                   `json:"message"`
	Error    *string                   `json:"error"`
}

// UpdateProcessingStatus upserts a partial status
// @Summary Update processing status
// @Description Fields left out of the body are unchanged, an error implies FAILED
// @Tags Processing
// @Accept json
// @Produce json
// @Param documentVersionId query string true "Document version ULID"
// @Success 200 {object} map[string]interface{} "success and the resulting record"
// @Failure 400 {object} map[string]interface{} "Bad request"
// @Failure 401 {object} map[string]interface{} "Unauthorized"
// @Failure 409 {object} map[string]interface{} "Status is terminal"
// @Router /processing-status [post]
func (serverHandler *ServerHandler) UpdateProcessingStatus(c echo.Context) error {
	versionID, err := parseVersionID(c.QueryParam("documentVersionId"))
	if err != nil {
		return badRequest(c, "Missing documentVersionId")
	}
	var body statusUpdateRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return badRequest(c, "Invalid status body")
	}
	if body.Status != nil && !body.Status.Valid() {
		return badRequest(c, fmt.Sprintf("Unknown status %q", *body.Status))
	}

	status, err := serverHandler.DB.UpsertStatus(c.Request().Context(), versionID, database.StatusPatch{
		State:    body.Status,
		Progress: body.Progress,
		Message:  body.Message,
		Error:    body.Error,
	})
	if errors.Is(err, database.ErrTerminalState) {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err != nil {
		Logger.Error("Error updating processing status", "versionID", versionID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to update processing status",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":          true,
		"processingStatus": status,
	})
}

// GetProgressToken returns the observer snapshot plus a live token for delegated versions
// @Summary Get progress snapshot and token
// @Tags Processing
// @Produce json
// @Param documentVersionId query string true "Document version ULID"
// @Success 200 {object} ProgressResponse "Snapshot"
// @Failure 400 {object} map[string]interface{} "Document version ID is required"
// @Router /progress-token [get]
func (serverHandler *ServerHandler) GetProgressToken(c echo.Context) error {
	versionID, err := parseVersionID(c.QueryParam("documentVersionId"))
	if err != nil {
		return badRequest(c, "Document version ID is required")
	}
	snapshot, err := serverHandler.Observer.Snapshot(c.Request().Context(), versionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to get processing status",
		})
	}
	return c.JSON(http.StatusOK, snapshot)
}

// StreamProgress streams observer signals as server sent events until the version is terminal
// @Summary Stream progress events
// @Tags Processing
// @Produce text/event-stream
// @Param id path string true "Document version ULID"
// @Router /versions/{id}/progress/events [get]
func (serverHandler *ServerHandler) StreamProgress(c echo.Context) error {
	versionID, err := parseVersionID(c.Param("id"))
	if err != nil {
		return badRequest(c, "Invalid version ID format")
	}
	ctx := c.Request().Context()
	signals, err := serverHandler.Observer.Watch(ctx, versionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to watch processing status",
		})
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for sig := range signals {
		data, err := json.Marshal(sig)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
			return nil
		}
		w.Flush()
	}
	return nil
}

// ListPages returns the rendered page rows of a version
// @Summary List rendered pages
// @Tags Pages
// @Produce json
// @Param id path string true "Document version ULID"
// @Success 200 {array} database.DocumentPage "Pages in page order"
// @Failure 404 {object} map[string]interface{} "Version not found"
// @Router /versions/{id}/pages [get]
func (serverHandler *ServerHandler) ListPages(c echo.Context) error {
	versionID, err := parseVersionID(c.Param("id"))
	if err != nil {
		return badRequest(c, "Invalid version ID format")
	}
	ctx := c.Request().Context()
	if _, err := serverHandler.DB.GetVersion(ctx, versionID); err != nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "Version not found",
		})
	}
	pages, err := serverHandler.DB.ListPages(ctx, versionID)
	if err != nil {
		Logger.Error("Failed to list pages", "versionID", versionID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to retrieve pages",
		})
	}
	if pages == nil {
		pages = []database.DocumentPage{}
	}
	return c.JSON(http.StatusOK, pages)
}

// GetThumbnail renders one page on demand
// @Summary Render a page preview
// @Tags Pages
// @Produce image/png,image/jpeg
// @Param id path string true "Document version ULID"
// @Param page path int true "1-based page number"
// @Param scale query number false "Render scale, capped at the stored page scale"
// @Failure 404 {object} map[string]interface{} "Version or page not found"
// @Router /versions/{id}/pages/{page}/thumbnail [get]
func (serverHandler *ServerHandler) GetThumbnail(c echo.Context) error {
	versionID, err := parseVersionID(c.Param("id"))
	if err != nil {
		return badRequest(c, "Invalid version ID format")
	}
	pageNumber, err := strconv.Atoi(c.Param("page"))
	if err != nil || pageNumber < 1 {
		return badRequest(c, "Invalid page number")
	}
	scale := 0.0
	if raw := c.QueryParam("scale"); raw != "" {
		if scale, err = strconv.ParseFloat(raw, 64); err != nil {
			return badRequest(c, "Invalid scale")
		}
	}

	page, err := serverHandler.Engine.RenderThumbnail(c.Request().Context(), versionID, pageNumber, scale)
	if errors.Is(err, database.ErrNotFound) || errors.Is(err, pdfrenderer.ErrPageOutOfRange) || errors.Is(err, blobstore.ErrNotExist) {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "Page not found",
		})
	}
	if err != nil {
		Logger.Error("Thumbnail render failed", "versionID", versionID, "page", pageNumber, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to render page",
		})
	}
	return c.Blob(http.StatusOK, page.Format.ContentType(), page.Image)
}

// CancelVersion stops a local run before its next page
// @Summary Cancel local processing
// @Tags Processing
// @Param id path string true "Document version ULID"
// @Success 202 {object} map[string]interface{} "Cancellation requested"
// @Failure 404 {object} map[string]interface{} "Nothing running"
// @Router /versions/{id}/cancel [post]
func (serverHandler *ServerHandler) CancelVersion(c echo.Context) error {
	versionID, err := parseVersionID(c.Param("id"))
	if err != nil {
		return badRequest(c, "Invalid version ID format")
	}
	if serverHandler.Local == nil {
		return c.JSON(http.StatusNotImplemented, map[string]interface{}{
			"error": "Cancellation is only available for local execution",
		})
	}
	if err := serverHandler.Local.Cancel(versionID); err != nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"cancelled": versionID.String(),
	})
}

// RetryVersion schedules a version again, already rendered pages are skipped
// @Summary Retry processing
// @Tags Processing
// @Param id path string true "Document version ULID"
// @Success 202 {object} ExecutionHandle "Scheduled"
// @Failure 404 {object} map[string]interface{} "Version not found"
// @Failure 409 {object} map[string]interface{} "Already running"
// @Router /versions/{id}/retry [post]
func (serverHandler *ServerHandler) RetryVersion(c echo.Context) error {
	versionID, err := parseVersionID(c.Param("id"))
	if err != nil {
		return badRequest(c, "Invalid version ID format")
	}
	ctx := c.Request().Context()
	version, err := serverHandler.DB.GetVersion(ctx, versionID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "Version not found",
		})
	}
	handle, err := serverHandler.Ingestor.Resubmit(ctx, version)
	if errors.Is(err, ErrAlreadyRunning) {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err != nil {
		Logger.Error("Retry failed", "versionID", versionID, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusAccepted, handle)
}

// ServeFile streams a stored blob, keys that escape the store are rejected by the store
// @Summary Serve a stored file
// @Tags Files
// @Param key path string true "Storage key"
// @Router /file/local/{key} [get]
func (serverHandler *ServerHandler) ServeFile(c echo.Context) error {
	key := c.Param("*")
	data, err := serverHandler.Blobs.Get(c.Request().Context(), key)
	if errors.Is(err, blobstore.ErrInvalidKey) {
		return badRequest(c, "Invalid file key")
	}
	if errors.Is(err, blobstore.ErrNotExist) {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "File not found",
		})
	}
	if err != nil {
		Logger.Error("Unable to read blob", "key", key, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "Failed to read file",
		})
	}
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return c.Blob(http.StatusOK, contentType, data)
}
