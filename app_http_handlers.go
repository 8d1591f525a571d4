package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"deid-viewer/backend"
	"deid-viewer/imaging"
	"deid-viewer/internal/constants"
	"deid-viewer/workflow"
)

var errUnsupportedUpload = errors.New("unsupported upload type")

// errorStatus maps workflow and backend errors onto HTTP status codes.
func errorStatus(err error) int {
	var netErr *backend.NetworkError
	var serverErr *backend.ServerError
	switch {
	case errors.Is(err, workflow.ErrValidation), errors.Is(err, backend.ErrInvalidRequest), errors.Is(err, errUnsupportedUpload):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrMissingSession), errors.Is(err, workflow.ErrBusy), errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &netErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &serverErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func sessionResponse(s *viewSession) SessionResponse {
	return SessionResponse{
		SessionID:  s.ID,
		Session:    s.Controller.Session(),
		HasPreview: s.Surface() != nil,
		CreatedAt:  s.CreatedAt,
	}
}

// lookupSession resolves :id or answers 404.
func (app *App) lookupSession(c *gin.Context) (*viewSession, bool) {
	sess, ok := app.Sessions.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return nil, false
	}
	return sess, true
}

// indexPageHandler serves the upload page
func (app *App) indexPageHandler(c *gin.Context) {
	renderPage(c, http.StatusOK, "index.html", gin.H{
		"Policy":           currentPolicy(),
		"ImagingAvailable": app.Imaging.Available(),
	})
}

// resultsPageHandler renders the detection of an ingest into the results page.
// The page gets its own session, reseeded with the ingest id.
func (app *App) resultsPageHandler(c *gin.Context) {
	ingestID := c.Param("ingest_id")
	sess := app.Sessions.create(app, ingestID)
	page := ResultsPage{
		SessionID: sess.ID,
		IngestID:  ingestID,
		Policy:    currentPolicy(),
	}

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		view, err := sess.Controller.Results(ctx)
		if err != nil {
			return err
		}
		page.View = view
		return nil
	})
	g.Go(func() error {
		records, err := GetAuditRecords(app.Database, ingestID, 20)
		if err != nil {
			return fmt.Errorf("error fetching audit records: %w", err)
		}
		page.Audit = records
		return nil
	})

	status := http.StatusOK
	if err := g.Wait(); err != nil {
		sessionLogger(sess.ID).Errorf("Error rendering results page: %v", err)
		page.Error = err.Error()
		status = errorStatus(err)
	}
	renderPage(c, status, "results.html", page)
}

func (app *App) createSessionHandler(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request payload: %v", err)})
			return
		}
	}

	sess := app.Sessions.create(app, strings.TrimSpace(req.IngestID))
	c.JSON(http.StatusCreated, sessionResponse(sess))
}

func (app *App) listSessionsHandler(c *gin.Context) {
	sessions := app.Sessions.list()
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse(s))
	}
	c.JSON(http.StatusOK, out)
}

func (app *App) getSessionHandler(c *gin.Context) {
	sess, ok := app.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}

// uploadMIME sniffs an uploaded file. DICOM and raster images are accepted,
// as are octet streams named *.dcm.
func uploadMIME(data []byte, fileName string) (string, error) {
	mtype := mimetype.Detect(data)
	switch {
	case mtype.Is("application/dicom"), strings.HasPrefix(mtype.String(), "image/"):
		return mtype.String(), nil
	case mtype.Is("application/octet-stream") && strings.EqualFold(path.Ext(fileName), ".dcm"):
		return "application/dicom", nil
	}
	return "", fmt.Errorf("%w: %s", errUnsupportedUpload, mtype.String())
}

// ingestHandler handles POST /api/sessions/:id/ingest (multipart "dicom" + "text")
func (app *App) ingestHandler(c *gin.Context) {
	sess, ok := app.lookupSession(c)
	if !ok {
		return
	}
	logger := sessionLogger(sess.ID)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, constants.MaxUploadSize)

	upload := workflow.Upload{Text: c.PostForm("text")}
	var mime string
	fileHeader, err := c.FormFile("dicom")
	switch {
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid upload: %v", err)})
		return
	default:
		f, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid upload: %v", err)})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid upload: %v", err)})
			return
		}
		if len(data) > 0 {
			if mime, err = uploadMIME(data, fileHeader.Filename); err != nil {
				logger.Warnf("Rejected upload %q: %v", fileHeader.Filename, err)
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		upload.File = data
		upload.FileName = fileHeader.Filename
	}

	step, err := sess.Controller.StartUpload(upload)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	if len(upload.File) > 0 {
		surface, err := app.Imaging.Surface(upload.File)
		if err != nil && !errors.Is(err, imaging.ErrUnsupported) {
			logger.Warnf("Preview failed: %v", err)
		}
		sess.setSurface(surface)
		logger.WithField("mime", mime).Debugf("Upload accepted, preview available: %t", surface != nil)
	}

	job := newJob(sess.ID, step)
	enqueue(job)
	c.JSON(http.StatusAccepted, JobAcceptedResponse{
		JobID:     job.ID,
		SessionID: sess.ID,
		Session:   sess.Controller.Session(),
	})
}

// protectHandler handles POST /api/sessions/:id/protect
func (app *App) protectHandler(c *gin.Context) {
	sess, ok := app.lookupSession(c)
	if !ok {
		return
	}

	var req ProtectSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request payload: %v", err)})
			return
		}
	}
	policy := currentPolicy()
	if req.Policy != nil {
		policy = *req.Policy
	}

	step, err := sess.Controller.StartProtect(policy)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	job := newJob(sess.ID, step)
	enqueue(job)
	c.JSON(http.StatusAccepted, JobAcceptedResponse{
		JobID:     job.ID,
		SessionID: sess.ID,
		Session:   sess.Controller.Session(),
	})
}

// retryHandler re-enters the step that failed last
func (app *App) retryHandler(c *gin.Context) {
	sess, ok := app.lookupSession(c)
	if !ok {
		return
	}

	step, err := sess.Controller.StartRetry()
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	job := newJob(sess.ID, step)
	enqueue(job)
	c.JSON(http.StatusAccepted, JobAcceptedResponse{
		JobID:     job.ID,
		SessionID: sess.ID,
		Session:   sess.Controller.Session(),
	})
}

func (app *App) resultsHandler(c *gin.Context) {
	sess, ok := app.lookupSession(c)
	if !ok {
		return
	}

	view, err := sess.Controller.Results(c.Request.Context())
	if err != nil {
		sessionLogger(sess.ID).Errorf("Error fetching results: %v", err)
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results": view,
		"surface": sess.Surface(),
	})
}

func (app *App) protectionHandler(c *gin.Context) {
	sess, ok := app.lookupSession(c)
	if !ok {
		return
	}

	view := sess.Controller.Protection()
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No protection result yet"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (app *App) previewHandler(c *gin.Context) {
	sess, ok := app.lookupSession(c)
	if !ok {
		return
	}

	surface := sess.Surface()
	if surface == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No preview available"})
		return
	}
	c.Data(http.StatusOK, "image/png", surface.PNG)
}

// eventsHandler streams state changes of a session as server-sent events
func (app *App) eventsHandler(c *gin.Context) {
	sess, ok := app.lookupSession(c)
	if !ok {
		return
	}
	logger := sessionLogger(sess.ID)

	events := make(chan workflow.Event, 16)
	cancel := sess.Controller.Subscribe(func(ev workflow.Event) {
		select {
		case events <- ev:
		default:
			logger.Warn("Event stream is not keeping up, dropping event")
		}
	})
	defer cancel()

	c.SSEvent("session", sess.Controller.Session())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent("state", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func jobResponse(job Job) JobResponse {
	resp := JobResponse{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Action:    job.Action,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Status == jobCompleted {
		resp.Result = job.Result
	} else if job.Status == jobFailed {
		resp.Error = job.Result
	}
	return resp
}

func (app *App) getJobStatusHandler(c *gin.Context) {
	job, exists := jobStore.getJob(c.Param("job_id"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, jobResponse(job))
}

func (app *App) getAllJobsHandler(c *gin.Context) {
	jobs := jobStore.GetAllJobs()

	jobList := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		jobList = append(jobList, jobResponse(job))
	}
	c.JSON(http.StatusOK, jobList)
}

// Section for local-db actions

func (app *App) getAuditHandler(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	records, err := GetAuditRecords(app.Database, c.Query("ingest_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve audit records"})
		log.Errorf("Failed to retrieve audit records: %v", err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// recordAudit stores the outcome of a finished job.
func (app *App) recordAudit(job *Job, sess workflow.Session, stepErr error) {
	if app.Database == nil {
		return
	}

	record := &AuditRecord{
		SessionID: job.SessionID,
		IngestID:  sess.IngestID,
		Action:    job.Action,
		Status:    jobCompleted,
	}
	if stepErr != nil {
		record.Status = jobFailed
		record.Detail = stepErr.Error()
	} else if job.Action == workflow.ActionProtect.String() {
		record.ArtifactID = sess.ArtifactID
		if vs, ok := app.Sessions.get(job.SessionID); ok {
			if view := vs.Controller.Protection(); view != nil {
				record.KeyID = auditValue(view.Field("key_id"))
				record.SignatureHash = auditValue(view.Field("signature_hash"))
			}
		}
	}

	if err := InsertAuditRecord(app.Database, record); err != nil {
		sessionLogger(job.SessionID).Errorf("Failed to write audit record: %v", err)
	}
}

func auditValue(v string) string {
	if v == workflow.NotAvailable {
		return ""
	}
	return v
}

// Section for settings

func getSettingsHandler(c *gin.Context) {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	c.JSON(http.StatusOK, settings)
}

func updateSettingsHandler(c *gin.Context) {
	var req Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request payload: %v", err)})
		return
	}
	if err := validate.Struct(req.Policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid policy: %v", err)})
		return
	}

	if err := updateSettings(req); err != nil {
		log.Errorf("Failed to save settings: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save settings"})
		return
	}
	c.JSON(http.StatusOK, req)
}
