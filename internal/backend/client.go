// Package backend is the client of the FlowToManual REST backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flowtomanual/agent/internal/config"
	"flowtomanual/agent/internal/models"
	"flowtomanual/agent/pkg/frames"

	"go.uber.org/zap"
)

type Client struct {
	baseURL     string
	localURL    string
	remoteURL   string
	http        *http.Client
	tokens      TokenSource
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
}

func NewClient(cfg config.BackendConfig, logger *zap.Logger) *Client {
	c := &Client{
		localURL:    strings.TrimRight(cfg.LocalURL, "/"),
		remoteURL:   strings.TrimRight(cfg.RemoteURL, "/"),
		http:        &http.Client{Timeout: cfg.Timeout},
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logger.Named("backend"),
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	c.baseURL = c.remoteURL
	if c.baseURL == "" {
		c.baseURL = c.localURL
	}
	switch {
	case cfg.Token != "":
		c.tokens = StaticToken(cfg.Token)
	case cfg.Email != "":
		c.tokens = NewLoginTokenSource(c, cfg.Email, cfg.Password)
	}
	return c
}

// SetTokenSource replaces the bearer token supplier.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// BaseURLFor picks the local backend for apps served from localhost and the
// deployed backend otherwise.
func (c *Client) BaseURLFor(origin string) string {
	u, err := url.Parse(origin)
	if err == nil {
		host := u.Hostname()
		if (host == "localhost" || host == "127.0.0.1" || host == "::1") && c.localURL != "" {
			return c.localURL
		}
	}
	if c.remoteURL != "" {
		return c.remoteURL
	}
	return c.localURL
}

// ForOrigin returns a client bound to the backend serving origin.
func (c *Client) ForOrigin(origin string) *Client {
	cp := *c
	cp.baseURL = c.BaseURLFor(origin)
	return &cp
}

// WithToken returns a client that authenticates with a fixed token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.tokens = StaticToken(token)
	return &cp
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	auth   bool
	// body is rebuilt for every attempt.
	body func() (io.Reader, string, error)
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func jsonBody(v any) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

type formFile struct {
	field    string
	filename string
	data     []byte
}

func multipartBody(fields map[string]string, file formFile) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile(file.field, file.filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(file.data); err != nil {
			return nil, "", err
		}
		for k, v := range fields {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}
}

func (c *Client) do(ctx context.Context, req request) (*response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.once(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := IsTransient(err)
		if isUnauthorized(err) && req.auth && c.tokens != nil {
			c.tokens.Invalidate()
			retry = true
		}
		if !retry || attempt == c.maxAttempts {
			break
		}
		c.logger.Warn("backend request failed, retrying",
			zap.String("op", req.op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * c.retryDelay):
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, req request) (*response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%s: no backend URL configured", req.op)
	}
	var body io.Reader
	contentType := ""
	if req.body != nil {
		b, ct, err := req.body()
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", req.op, err)
		}
		body, contentType = b, ct
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.op, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.auth && c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to get token: %w", req.op, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.op, err)
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", req.op, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &APIError{Op: req.op, Status: httpResp.StatusCode, Body: string(data)}
	}
	return &response{status: httpResp.StatusCode, header: httpResp.Header, body: data}, nil
}

func recordingFilename(contentType string) string {
	if contentType == frames.ContentTypeMJPEG {
		return "recording.mjpeg"
	}
	return "recording.webm"
}

// UploadRecording stores the video and returns the server-assigned id.
func (c *Client) UploadRecording(ctx context.Context, rec models.Recording, title, description string) (string, error) {
	resp, err := c.do(ctx, request{
		op:     "upload recording",
		method: http.MethodPost,
		path:   "/api/recordings/upload",
		auth:   true,
		body: multipartBody(
			map[string]string{"title": title, "description": description},
			formFile{field: "file", filename: recordingFilename(rec.ContentType), data: rec.Data},
		),
	})
	if err != nil {
		return "", err
	}
	return ParseRecordingID(resp.body)
}

type CreateSessionRequest struct {
	Name        string   `json:"name"`
	Events      any      `json:"events"`
	RecordingID string   `json:"recording_id,omitempty"`
	Thumbnails  []string `json:"thumbnails,omitempty"`
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	resp, err := c.do(ctx, request{
		op:     "create session",
		method: http.MethodPost,
		path:   "/api/sessions/",
		auth:   true,
		body:   jsonBody(req),
	})
	if err != nil {
		return "", err
	}
	return ParseSessionID(resp.body)
}

// AttachRecording links an uploaded recording to an existing session.
func (c *Client) AttachRecording(ctx context.Context, sessionID, recordingID string) error {
	_, err := c.do(ctx, request{
		op:     "attach recording",
		method: http.MethodPut,
		path:   "/api/sessions/" + url.PathEscape(sessionID) + "/recording",
		auth:   true,
		body:   jsonBody(map[string]string{"recording_id": recordingID}),
	})
	return err
}

// UploadScreenshot stores one step image and returns its server path.
func (c *Client) UploadScreenshot(ctx context.Context, sessionID string, data []byte, contentType string) (string, error) {
	ext := "png"
	if contentType == frames.ContentTypeJPEG {
		ext = "jpg"
	}
	resp, err := c.do(ctx, request{
		op:     "upload screenshot",
		method: http.MethodPost,
		path:   "/api/sessions/" + url.PathEscape(sessionID) + "/upload-screenshot",
		auth:   true,
		body:   multipartBody(nil, formFile{field: "file", filename: "screenshot." + ext, data: data}),
	})
	if err != nil {
		return "", err
	}
	return ParseScreenshotPath(resp.body)
}

func (c *Client) PostSteps(ctx context.Context, sessionID string, steps []models.StepPayload) error {
	_, err := c.do(ctx, request{
		op:     "post steps",
		method: http.MethodPost,
		path:   "/api/sessions/" + url.PathEscape(sessionID) + "/steps",
		auth:   true,
		body:   jsonBody(map[string]any{"steps": steps}),
	})
	return err
}

// PostEvents appends a batch of raw events to a session.
func (c *Client) PostEvents(ctx context.Context, sessionID string, events []models.DomEvent) error {
	_, err := c.do(ctx, request{
		op:     "post events",
		method: http.MethodPost,
		path:   "/api/sessions/" + url.PathEscape(sessionID) + "/events",
		auth:   true,
		body:   jsonBody(map[string]any{"events": events}),
	})
	return err
}

func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	resp, err := c.do(ctx, request{
		op:     "login",
		method: http.MethodPost,
		path:   "/api/auth/login",
		body:   jsonBody(map[string]string{"email": email, "password": password}),
	})
	if err != nil {
		return "", err
	}
	return ParseToken(resp.body)
}

type ManualOptions struct {
	Format             string // pdf, docx, xlsx
	IncludeScreenshots bool
}

// Document is a binary file returned by the backend.
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ManualResult holds either the id of a manual generated asynchronously or
// the generated document itself.
type ManualResult struct {
	ManualID string
	Document *Document
}

func (c *Client) GenerateManual(ctx context.Context, id string, opts ManualOptions) (*ManualResult, error) {
	format := opts.Format
	if format == "" {
		format = "pdf"
	}
	resp, err := c.do(ctx, request{
		op:     "generate manual",
		method: http.MethodPost,
		path:   "/api/manuals/generate/" + url.PathEscape(id),
		query: url.Values{
			"format":              {format},
			"include_screenshots": {strconv.FormatBool(opts.IncludeScreenshots)},
		},
		auth: true,
	})
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.header.Get("Content-Type"))
	if mediaType == "application/json" || (mediaType == "" && resp.header.Get("Content-Disposition") == "") {
		manualID, err := ParseManualID(resp.body)
		if err != nil {
			return nil, err
		}
		return &ManualResult{ManualID: manualID}, nil
	}
	return &ManualResult{Document: document(resp, "manual."+format)}, nil
}

func (c *Client) DownloadManual(ctx context.Context, id string) (*Document, error) {
	return c.download(ctx, "download manual", "/api/manuals/download/"+url.PathEscape(id), "manual-"+id)
}

func (c *Client) DownloadRecording(ctx context.Context, id string) (*Document, error) {
	return c.download(ctx, "download recording", "/api/recordings/download/"+url.PathEscape(id), "recording-"+id)
}

// download passes the token as a query parameter, the way the backend serves
// links opened directly by the browser.
func (c *Client) download(ctx context.Context, op, path, fallbackName string) (*Document, error) {
	query := url.Values{}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to get token: %w", op, err)
		}
		query.Set("token", token)
	}
	resp, err := c.do(ctx, request{op: op, method: http.MethodGet, path: path, query: query})
	if err != nil {
		return nil, err
	}
	return document(resp, fallbackName), nil
}

func document(resp *response, fallbackName string) *Document {
	name := fallbackName
	if _, params, err := mime.ParseMediaType(resp.header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return &Document{
		Filename:    name,
		ContentType: resp.header.Get("Content-Type"),
		Data:        resp.body,
	}
}
