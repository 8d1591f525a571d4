// Package backend talks to the detection/protection service that sits behind
// the viewer: an HTTP client for the real service and an in-process demo
// implementation for local use.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var log = logrus.New()

// Config holds the backend client configuration
type Config struct {
	BaseURL  string
	APIToken string

	// RequestsPerMinute limits outgoing calls (0 = unlimited)
	RequestsPerMinute float64

	// RetryMax is the number of retries on transport errors and 5xx responses
	RetryMax int

	// Timeout bounds a single HTTP attempt (0 = no per-attempt timeout)
	Timeout time.Duration
}

// Client implements Backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
	validate   *validator.Validate
}

// NewClient creates a backend client for the given configuration
func NewClient(config Config) *Client {
	logger := log.WithFields(logrus.Fields{
		"url": config.BaseURL,
	})

	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient = newHTTPClient(config.APIToken, config.Timeout)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = logger

	var limiter *rate.Limiter
	if config.RequestsPerMinute > 0 {
		rps := rate.Limit(config.RequestsPerMinute / 60.0)
		limiter = rate.NewLimiter(rps, 1)
	}

	logger.Info("Backend client initialized")
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: client,
		limiter:    limiter,
		validate:   validator.New(),
	}
}

// Ingest uploads the image and/or text and returns the new ingest identifier.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	const op = "ingest"
	if req.Empty() {
		return nil, fmt.Errorf("%s: %w: a file or text is required", op, ErrInvalidRequest)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if len(req.File) > 0 {
		name := req.FileName
		if name == "" {
			name = "upload.dcm"
		}
		part, err := writer.CreateFormFile("dicom", name)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to create form file: %w", op, err)
		}
		if _, err := part.Write(req.File); err != nil {
			return nil, fmt.Errorf("%s: failed to write form file: %w", op, err)
		}
	}
	if err := writer.WriteField("text", req.Text); err != nil {
		return nil, fmt.Errorf("%s: failed to write text field: %w", op, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%s: failed to close multipart writer: %w", op, err)
	}

	var resp IngestResponse
	if err := c.do(ctx, op, "/api/ingest", writer.FormDataContentType(), body.Bytes(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" || (resp.Status != "ok" && resp.Status != "success") {
		msg := resp.Error
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %q", resp.Status)
		}
		return nil, &ServerError{Op: op, Message: msg}
	}
	return &resp, nil
}

// Detect fetches the entities and regions found for an ingest.
func (c *Client) Detect(ctx context.Context, req DetectRequest) (*Detection, error) {
	const op = "detect"
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidRequest, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal request: %w", op, err)
	}

	var det Detection
	if err := c.do(ctx, op, "/api/detect", "application/json", payload, &det); err != nil {
		return nil, err
	}
	if det.Error != "" {
		return nil, &ServerError{Op: op, Message: det.Error}
	}
	if det.IngestID == "" {
		det.IngestID = req.IngestID
	}
	if det.Text == "" {
		det.Text = req.Text
	}
	return &det, nil
}

// Protect asks the backend to produce a protected artifact for an ingest.
func (c *Client) Protect(ctx context.Context, req ProtectRequest) (*ProtectResponse, error) {
	const op = "protect"
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidRequest, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal request: %w", op, err)
	}

	var resp ProtectResponse
	if err := c.do(ctx, op, "/api/protect", "application/json", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ServerError{Op: op, Message: resp.Error}
	}
	return &resp, nil
}

// do sends one request and decodes a JSON answer into out. Transport failures
// become NetworkError, non-2xx answers ServerError.
func (c *Client) do(ctx context.Context, op, path, contentType string, body []byte, out interface{}) error {
	logger := log.WithFields(logrus.Fields{
		"op":   op,
		"path": path,
	})

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	logger.Debug("Sending backend request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.WithError(err).Error("Backend request failed")
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		logger.WithField("status_code", resp.StatusCode).Warnf("Backend returned an error: %s", msg)
		return &ServerError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &ServerError{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	return nil
}

// SetLogLevel sets the logging level for the backend package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
