package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"flowtomanual/agent/internal/config"
	"flowtomanual/agent/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(config.BackendConfig{
		LocalURL:    srv.URL,
		Token:       "secret",
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}, zaptest.NewLogger(t))
}

func TestParseRecordingIDShapes(t *testing.T) {
	cases := map[string]string{
		`{"recording":{"id":"r1"}}`:      "r1",
		`{"recording":{"_id":"mongo1"}}`: "mongo1",
		`{"id":42}`:                      "42",
		`{"recording":{},"id":"top"}`:    "top",
	}
	for body, want := range cases {
		got, err := ParseRecordingID([]byte(body))
		require.NoError(t, err, body)
		assert.Equal(t, want, got, body)
	}

	_, err := ParseRecordingID([]byte(`{"ok":true}`))
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "recording.id", missing.Field)

	_, err = ParseRecordingID([]byte(`<html>`))
	assert.ErrorAs(t, err, &missing)
}

func TestParseTokenShapes(t *testing.T) {
	for _, body := range []string{
		`{"access_token":"t"}`,
		`{"token":"t"}`,
		`{"accessToken":"t"}`,
		`{"access":{"token":"t"}}`,
		`{"jwt":"t"}`,
	} {
		got, err := ParseToken([]byte(body))
		require.NoError(t, err, body)
		assert.Equal(t, "t", got)
	}
}

func TestUploadRecordingMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/recordings/upload", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Demo", r.FormValue("title"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "video-bytes", string(data))
		assert.Equal(t, "recording.webm", hdr.Filename)
		w.Write([]byte(`{"recording":{"_id":"abc"}}`))
	}))
	defer srv.Close()

	id, err := newTestClient(t, srv).UploadRecording(context.Background(),
		models.Recording{Data: []byte("video-bytes"), ContentType: "video/webm"}, "Demo", "desc")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"s-1"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(t, srv).CreateSession(context.Background(), CreateSessionRequest{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"bad steps"}`))
	}))
	defer srv.Close()

	err := newTestClient(t, srv).PostSteps(context.Background(), "s-1", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Body, "bad steps")
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostStepsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/s%201/steps", r.URL.EscapedPath())
		var body struct {
			Steps []map[string]any `json:"steps"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Steps, 1)
		assert.Equal(t, "/shots/1.png", body.Steps[0]["screenshot_path"])
		assert.NotContains(t, body.Steps[0], "screenshot")
	}))
	defer srv.Close()

	err := newTestClient(t, srv).PostSteps(context.Background(), "s 1", []models.StepPayload{
		{Timestamp: 1, EventType: "click", Description: "click on #a", ScreenshotPath: "/shots/1.png"},
	})
	require.NoError(t, err)
}

func TestGenerateManualJSONOrBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "docx", r.URL.Query().Get("format"))
		assert.Equal(t, "true", r.URL.Query().Get("include_screenshots"))
		if r.URL.Path == "/api/manuals/generate/async" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"manual_id":"m-9"}`))
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
		w.Header().Set("Content-Disposition", `attachment; filename="QA manual.docx"`)
		w.Write([]byte("DOCX"))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	opts := ManualOptions{Format: "docx", IncludeScreenshots: true}

	res, err := c.GenerateManual(context.Background(), "async", opts)
	require.NoError(t, err)
	assert.Equal(t, "m-9", res.ManualID)
	assert.Nil(t, res.Document)

	res, err = c.GenerateManual(context.Background(), "42", opts)
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	assert.Equal(t, "QA manual.docx", res.Document.Filename)
	assert.Equal(t, []byte("DOCX"), res.Document.Data)
}

func TestDownloadPassesTokenInQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte("PDF"))
	}))
	defer srv.Close()

	doc, err := newTestClient(t, srv).DownloadManual(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, "manual-m-1", doc.Filename)
	assert.Equal(t, []byte("PDF"), doc.Data)
}

func TestBaseURLFor(t *testing.T) {
	c := NewClient(config.BackendConfig{LocalURL: "http://127.0.0.1:8000/", RemoteURL: "https://api.ftm.app"}, zaptest.NewLogger(t))

	assert.Equal(t, "http://127.0.0.1:8000", c.BaseURLFor("http://localhost:8080"))
	assert.Equal(t, "https://api.ftm.app", c.BaseURLFor("https://app.ftm.app"))
	assert.Equal(t, "https://api.ftm.app", c.BaseURLFor(""))
	assert.Equal(t, "http://127.0.0.1:8000", c.ForOrigin("http://127.0.0.1:5173").BaseURL())
}

func TestLoginTokenSourceCachesUntilExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}).SignedString([]byte("backend-key"))
	require.NoError(t, err)

	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			logins.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"access": map[string]string{"token": signed}})
		default:
			assert.Equal(t, "Bearer "+signed, r.Header.Get("Authorization"))
			w.Write([]byte(`{"id":"s"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(config.BackendConfig{LocalURL: srv.URL, Email: "qa@ftm.app", Password: "pw", MaxAttempts: 1}, zaptest.NewLogger(t))
	ts := c.tokens.(*LoginTokenSource)
	ts.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := c.CreateSession(context.Background(), CreateSessionRequest{Name: "n"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), logins.Load())

	ts.now = func() time.Time { return now.Add(20 * time.Minute) }
	_, err = c.CreateSession(context.Background(), CreateSessionRequest{Name: "n"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), logins.Load())
}
