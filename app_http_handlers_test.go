package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deid-viewer/backend"
	"deid-viewer/imaging"
	"deid-viewer/workflow"
)

const clinicalNote = "患者张明，35岁，就诊日期2023-10-15。CT检查显示肺部有阴影。"

// newTestApp builds an App on the demo backend with a throwaway database,
// isolated to a temp working directory.
func newTestApp(t *testing.T) (*App, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tmp := t.TempDir()
	cwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmp))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	db, err := openDB(filepath.Join(tmp, "audit.db"))
	require.NoError(t, err)
	require.NoError(t, loadPageTemplates())

	settingsMutex.Lock()
	settings = defaultSettings()
	settingsMutex.Unlock()

	drainJobQueue()
	t.Cleanup(drainJobQueue)

	app := &App{
		Backend:  backend.NewDemo(),
		Database: db,
		Imaging:  imaging.NewRaster(200, 200),
		Sessions: newSessionStore(),
	}
	return app, app.setupRouter()
}

func drainJobQueue() {
	for {
		select {
		case <-jobQueue:
		default:
			return
		}
	}
}

// runQueuedJob processes the next queued job the way a worker would.
func runQueuedJob(t *testing.T, app *App) {
	t.Helper()
	select {
	case job := <-jobQueue:
		processJob(app, job)
	case <-time.After(time.Second):
		t.Fatal("no job was queued")
	}
}

func doJSON(t *testing.T, router *gin.Engine, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, url, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doUpload(t *testing.T, router *gin.Engine, sessionID, text, fileName string, file []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if file != nil {
		part, err := writer.CreateFormFile("dicom", fileName)
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, writer.WriteField("text", text))
	require.NoError(t, writer.Close())

	req, _ := http.NewRequest(http.MethodPost, "/api/sessions/"+sessionID+"/ingest", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router *gin.Engine) SessionResponse {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestUploadProtectFlow(t *testing.T) {
	app, router := newTestApp(t)

	sess := createSession(t, router)
	assert.Equal(t, workflow.Idle, sess.Session.State)

	w := doUpload(t, router, sess.SessionID, clinicalNote, "", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[JobAcceptedResponse](t, w)
	assert.Equal(t, workflow.Uploading, accepted.Session.State)

	runQueuedJob(t, app)

	w = doJSON(t, router, http.MethodGet, "/api/jobs/"+accepted.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[JobResponse](t, w)
	assert.Equal(t, jobCompleted, job.Status)
	assert.True(t, strings.HasPrefix(job.Result, "ingest_"))

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID, nil)
	snapshot := decode[SessionResponse](t, w)
	assert.Equal(t, workflow.Uploaded, snapshot.Session.State)
	assert.Equal(t, job.Result, snapshot.Session.IngestID)

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID+"/results", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var results struct {
		Results workflow.DetectionView `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	assert.Contains(t, results.Results.Marked, `title="姓名 (置信度: 87.4%)"`)
	assert.Len(t, results.Results.Entities, 3)

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID+"/protection", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/sessions/"+sess.SessionID+"/protect", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	runQueuedJob(t, app)

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID+"/protection", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[workflow.ProtectionView](t, w)
	assert.Equal(t, "患者[NAME]，[AGE]，就诊日期[DATE]。CT检查显示肺部有阴影。", view.Text)
	assert.Contains(t, view.Marked, `class="phi-highlight phi-name"`)
	assert.NotEqual(t, workflow.NotAvailable, view.Field("key_id"))

	w = doJSON(t, router, http.MethodGet, "/api/audit?ingest_id="+job.Result, nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode[[]AuditRecord](t, w)
	require.Len(t, records, 2)
	actions := []string{records[0].Action, records[1].Action}
	assert.ElementsMatch(t, []string{"upload", "protect"}, actions)
	for _, r := range records {
		if r.Action == "protect" {
			assert.Equal(t, view.ArtifactID, r.ArtifactID)
			assert.Len(t, r.SignatureHash, 64)
		}
	}
}

func TestResultsEscapeDiagnosisTextOnly(t *testing.T) {
	app, router := newTestApp(t)
	sess := createSession(t, router)

	w := doUpload(t, router, sess.SessionID, "血压<140，患者张明，35岁", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	runQueuedJob(t, app)

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID+"/results", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var results struct {
		Results workflow.DetectionView `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	assert.True(t, strings.HasPrefix(results.Results.Marked, "血压&lt;140，患者<span"), results.Results.Marked)

	w = doJSON(t, router, http.MethodPost, "/api/sessions/"+sess.SessionID+"/protect", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	runQueuedJob(t, app)

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID+"/protection", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[workflow.ProtectionView](t, w)
	assert.True(t, strings.HasPrefix(view.Marked, "血压<140，患者<span"), view.Marked)
}

func TestIngestValidation(t *testing.T) {
	_, router := newTestApp(t)
	sess := createSession(t, router)

	w := doUpload(t, router, sess.SessionID, "   ", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, jobQueue)

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID, nil)
	assert.Equal(t, workflow.Idle, decode[SessionResponse](t, w).Session.State)
}

func TestIngestRejectsUnsupportedFile(t *testing.T) {
	_, router := newTestApp(t)
	sess := createSession(t, router)

	w := doUpload(t, router, sess.SessionID, "", "notes.txt", []byte("plain text, not an image"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported upload type")
	assert.Empty(t, jobQueue)
}

func TestIngestImageCreatesPreview(t *testing.T) {
	app, router := newTestApp(t)
	sess := createSession(t, router)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 400, 300))))

	w := doUpload(t, router, sess.SessionID, "", "scan.png", buf.Bytes())
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	runQueuedJob(t, app)

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID+"/preview.png", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID+"/results", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var results struct {
		Results workflow.DetectionView `json:"results"`
		Surface imaging.Surface        `json:"surface"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	assert.Equal(t, 200, results.Surface.Width)
	require.Len(t, results.Results.Overlays, 1)
	// the demo lesion at x=150 lands at half scale on the 200px preview
	assert.InDelta(t, 75.0, results.Results.Overlays[0].Left, 1e-9)
}

func TestPreviewMissing(t *testing.T) {
	_, router := newTestApp(t)
	sess := createSession(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID+"/preview.png", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProtectWithoutIngest(t *testing.T) {
	_, router := newTestApp(t)
	sess := createSession(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/sessions/"+sess.SessionID+"/protect", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), workflow.ErrMissingSession.Error())
	assert.Empty(t, jobQueue)
}

func TestProtectWhileUploading(t *testing.T) {
	app, router := newTestApp(t)
	sess := createSession(t, router)

	w := doUpload(t, router, sess.SessionID, clinicalNote, "", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/sessions/"+sess.SessionID+"/protect", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	runQueuedJob(t, app)
}

func TestProtectInvalidPolicy(t *testing.T) {
	_, router := newTestApp(t)
	w := doJSON(t, router, http.MethodPost, "/api/sessions", CreateSessionRequest{IngestID: "ingest_x"})
	require.Equal(t, http.StatusCreated, w.Code)
	sess := decode[SessionResponse](t, w)
	assert.Equal(t, workflow.Uploaded, sess.Session.State)

	w = doJSON(t, router, http.MethodPost, "/api/sessions/"+sess.SessionID+"/protect",
		ProtectSessionRequest{Policy: &backend.Policy{EncryptionLevel: "extreme"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFailedProtectCanBeRetried(t *testing.T) {
	app, router := newTestApp(t)

	// a reseeded session whose ingest the demo backend does not know
	w := doJSON(t, router, http.MethodPost, "/api/sessions", CreateSessionRequest{IngestID: "ingest_unknown"})
	sess := decode[SessionResponse](t, w)

	w = doJSON(t, router, http.MethodPost, "/api/sessions/"+sess.SessionID+"/protect", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decode[JobAcceptedResponse](t, w).JobID
	runQueuedJob(t, app)

	w = doJSON(t, router, http.MethodGet, "/api/jobs/"+jobID, nil)
	job := decode[JobResponse](t, w)
	assert.Equal(t, jobFailed, job.Status)
	assert.Contains(t, job.Error, "unknown ingest_id")

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+sess.SessionID, nil)
	snapshot := decode[SessionResponse](t, w)
	assert.Equal(t, workflow.Uploaded, snapshot.Session.State)
	assert.Equal(t, workflow.ActionProtect, snapshot.Session.FailedStep)

	w = doJSON(t, router, http.MethodPost, "/api/sessions/"+sess.SessionID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	runQueuedJob(t, app)

	w = doJSON(t, router, http.MethodGet, "/api/audit", nil)
	records := decode[[]AuditRecord](t, w)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, jobFailed, r.Status)
	}
}

func TestRetryWithoutFailure(t *testing.T) {
	_, router := newTestApp(t)
	sess := createSession(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/sessions/"+sess.SessionID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSessionNotFound(t *testing.T) {
	_, router := newTestApp(t)

	for _, path := range []string{"", "/results", "/protection", "/preview.png"} {
		w := doJSON(t, router, http.MethodGet, "/api/sessions/missing"+path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := doJSON(t, router, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIndexPage(t *testing.T) {
	_, router := newTestApp(t)

	w := doJSON(t, router, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "上传并检测敏感信息")
	assert.Contains(t, w.Body.String(), "HIGH")

	w = doJSON(t, router, http.MethodGet, "/static/style.css", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ".phi-highlight")
}

func TestResultsPage(t *testing.T) {
	app, router := newTestApp(t)

	ing, err := app.Backend.Ingest(context.Background(), backend.IngestRequest{
		File: []byte("DICM"), FileName: "scan.dcm", Text: clinicalNote,
	})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/results/"+ing.IngestID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := w.Body.String()
	assert.Contains(t, body, `<span class="phi-highlight phi-姓名"`)
	assert.Contains(t, body, `data-region-id="roi_`)
	assert.Contains(t, body, "left: 150px; top: 120px; width: 100px; height: 80px;")
	assert.Contains(t, body, fmt.Sprintf(`value="%s"`, ing.IngestID))
	assert.Equal(t, 1, app.Sessions.count())
}

func TestResultsPageUnknownIngest(t *testing.T) {
	_, router := newTestApp(t)

	w := doJSON(t, router, http.MethodGet, "/results/ingest_nope", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "unknown ingest_id")
}

func TestSettingsHandlers(t *testing.T) {
	_, router := newTestApp(t)

	w := doJSON(t, router, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, backend.DefaultPolicy(), decode[Settings](t, w).Policy)

	w = doJSON(t, router, http.MethodPost, "/api/settings", Settings{Policy: backend.Policy{EncryptionLevel: "none"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	medium := Settings{Policy: backend.Policy{EncryptionLevel: backend.EncryptionMedium, PreserveROI: false, FPEEnabled: true}}
	w = doJSON(t, router, http.MethodPost, "/api/settings", medium)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, medium.Policy, currentPolicy())

	data, err := os.ReadFile(filepath.Join(configDir, settingsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"encryption_level": "medium"`)
}

func TestImagingEndpoint(t *testing.T) {
	_, router := newTestApp(t)

	w := doJSON(t, router, http.MethodGet, "/api/imaging", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"available": true}`, w.Body.String())
}

func TestEventsStream(t *testing.T) {
	app, router := newTestApp(t)
	server := httptest.NewServer(router)
	defer server.Close()

	sess := app.Sessions.create(app, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/sessions/"+sess.ID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimPrefix(line, "data:")
			case line == "" && name != "":
				return name, data
			}
		}
		return name, data
	}

	name, _ := readEvent()
	require.Equal(t, "session", name)

	_, err = sess.Controller.Upload(ctx, workflow.Upload{Text: clinicalNote})
	require.NoError(t, err)

	name, data := readEvent()
	require.Equal(t, "state", name)
	var ev workflow.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, workflow.Uploading, ev.To)

	_, data = readEvent()
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, workflow.Uploaded, ev.To)
	assert.NotEmpty(t, ev.Session.IngestID)
}

func TestUploadMIME(t *testing.T) {
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, image.NewGray(image.Rect(0, 0, 2, 2))))
	dicom := append(make([]byte, 128), []byte("DICM")...)

	tests := []struct {
		name     string
		data     []byte
		fileName string
		want     string
		wantErr  bool
	}{
		{"png", pngBuf.Bytes(), "a.png", "image/png", false},
		{"dicom preamble", dicom, "a", "application/dicom", false},
		{"dcm octet stream", []byte{0x00, 0x01, 0x02, 0xff}, "scan.DCM", "application/dicom", false},
		{"octet stream", []byte{0x00, 0x01, 0x02, 0xff}, "scan.bin", "", true},
		{"text", []byte("hello"), "scan.dcm", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := uploadMIME(tc.data, tc.fileName)
			if tc.wantErr {
				assert.ErrorIs(t, err, errUnsupportedUpload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", workflow.ErrValidation), http.StatusBadRequest},
		{backend.ErrInvalidRequest, http.StatusBadRequest},
		{workflow.ErrMissingSession, http.StatusConflict},
		{workflow.ErrBusy, http.StatusConflict},
		{workflow.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("detect failed: %w", &backend.NetworkError{Op: "detect", Err: context.DeadlineExceeded}), http.StatusGatewayTimeout},
		{&backend.ServerError{Op: "detect", StatusCode: 500, Message: "boom"}, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, errorStatus(tc.err), tc.err.Error())
	}
}
