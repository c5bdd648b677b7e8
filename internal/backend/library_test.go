package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseItemsShapes(t *testing.T) {
	items, err := ParseItems([]byte(`[
		{"id": 3, "title": "Checkout", "file_path": "/uploads/3.webm"},
		{"_id": "abc", "name": "Refund", "description": "finance"},
		{"recording_id": "r9"},
		{"title": "no id"}
	]`), "recording")
	require.NoError(t, err)
	assert.Equal(t, []Item{
		{ID: "3", Title: "Checkout", FilePath: "/uploads/3.webm"},
		{ID: "abc", Title: "Refund", Description: "finance"},
		{ID: "r9", Title: "Recording r9"},
	}, items)

	items, err = ParseItems([]byte(`{"manuals":[{"manual_id":"m1","date":"2025-06-01"}]}`), "manual")
	require.NoError(t, err)
	assert.Equal(t, []Item{{ID: "m1", Title: "Manual m1", CreatedAt: "2025-06-01"}}, items)

	_, err = ParseItems([]byte(`{"ok":true}`), "manual")
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "manuals", missing.Field)
}

func TestSOPLibrary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/sops/":
			w.Write([]byte(`{"sops":["login.pdf"," ","refund.docx"]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/sops/":
			f, hdr, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				return
			}
			defer f.Close()
			assert.Equal(t, "Login", r.FormValue("title"))
			data, _ := io.ReadAll(f)
			assert.Equal(t, "login.pdf", hdr.Filename)
			assert.Equal(t, []byte("%PDF"), data)
			w.WriteHeader(http.StatusCreated)
		case r.URL.EscapedPath() == "/api/sops/user%20login.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			w.Write([]byte("%PDF"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	names, err := c.ListSOPs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"login.pdf", "refund.docx"}, names)

	require.NoError(t, c.UploadSOP(ctx, "/home/me/login.pdf", []byte("%PDF"), "Login", ""))

	doc, err := c.DownloadSOP(ctx, "user login.pdf")
	require.NoError(t, err)
	assert.Equal(t, "user login.pdf", doc.Filename)
	assert.Equal(t, "application/pdf", doc.ContentType)

	_, err = c.DownloadSOP(ctx, "missing.pdf")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestProfileAndRole(t *testing.T) {
	var updated string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/me":
			w.Write([]byte(`{"user":{"email":"ba@ftm.app","role":"Business Analyst"}}`))
		case "/api/auth/update-role":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			updated = body["role"]
			w.Write([]byte(`{"ok":true}`))
		case "/api/recordings":
			w.Write([]byte(`{"recordings":[{"id":"r1","title":"Checkout"}]}`))
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	p, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Profile{Email: "ba@ftm.app", Role: "Business Analyst"}, p)

	require.NoError(t, c.UpdateRole(ctx, "QA"))
	assert.Equal(t, "QA", updated)

	recs, err := c.ListRecordings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Item{{ID: "r1", Title: "Checkout"}}, recs)
}
