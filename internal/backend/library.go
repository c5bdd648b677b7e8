package backend

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// Item is one entry of a backend listing: a recording or a manual.
type Item struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Profile is the signed-in backend user.
type Profile struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
}

var (
	recordingListPaths = []string{"recordings", "items", "data"}
	manualListPaths    = []string{"manuals", "items", "data"}
	itemIDPaths        = []string{"id", "_id", "recording_id", "manual_id"}
	itemTitlePaths     = []string{"title", "name"}
	itemCreatedPaths   = []string{"created_at", "date"}
	roleProfilePaths   = []string{"role", "user.role"}
)

func pick(r gjson.Result, paths []string) string {
	for _, p := range paths {
		v := r.Get(p)
		switch v.Type {
		case gjson.String:
			if s := strings.TrimSpace(v.Str); s != "" {
				return s
			}
		case gjson.Number:
			return v.Raw
		}
	}
	return ""
}

// listOf returns the array body itself or the first array found under paths.
func listOf(body []byte, field string, paths []string) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, &MissingFieldError{Field: field, Body: string(body)}
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array(), nil
	}
	for _, p := range paths {
		if r := root.Get(p); r.IsArray() {
			return r.Array(), nil
		}
	}
	return nil, &MissingFieldError{Field: field, Body: string(body)}
}

// ParseItems reads a recording or manual listing. Entries without an id are
// skipped; a missing title falls back to the kind and id.
func ParseItems(body []byte, kind string) ([]Item, error) {
	paths := recordingListPaths
	if kind == "manual" {
		paths = manualListPaths
	}
	rows, err := listOf(body, kind+"s", paths)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		id := pick(row, itemIDPaths)
		if id == "" {
			continue
		}
		title := pick(row, itemTitlePaths)
		if title == "" {
			title = strings.ToUpper(kind[:1]) + kind[1:] + " " + id
		}
		items = append(items, Item{
			ID:          id,
			Title:       title,
			Description: row.Get("description").String(),
			FilePath:    row.Get("file_path").String(),
			CreatedAt:   pick(row, itemCreatedPaths),
		})
	}
	return items, nil
}

// ParseSOPNames accepts {sops: [...]} or a bare array of file names.
func ParseSOPNames(body []byte) ([]string, error) {
	rows, err := listOf(body, "sops", []string{"sops"})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if name := strings.TrimSpace(row.String()); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func ParseProfile(body []byte) (*Profile, error) {
	if !gjson.ValidBytes(body) {
		return nil, &MissingFieldError{Field: "role", Body: string(body)}
	}
	root := gjson.ParseBytes(body)
	return &Profile{
		Email: pick(root, []string{"email", "user.email"}),
		Name:  pick(root, []string{"name", "user.name"}),
		Role:  pick(root, roleProfilePaths),
	}, nil
}

func (c *Client) ListRecordings(ctx context.Context) ([]Item, error) {
	resp, err := c.do(ctx, request{op: "list recordings", method: http.MethodGet, path: "/api/recordings", auth: true})
	if err != nil {
		return nil, err
	}
	return ParseItems(resp.body, "recording")
}

func (c *Client) ListManuals(ctx context.Context) ([]Item, error) {
	resp, err := c.do(ctx, request{op: "list manuals", method: http.MethodGet, path: "/api/manuals/", auth: true})
	if err != nil {
		return nil, err
	}
	return ParseItems(resp.body, "manual")
}

func (c *Client) ListSOPs(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, request{op: "list sops", method: http.MethodGet, path: "/api/sops/", auth: true})
	if err != nil {
		return nil, err
	}
	return ParseSOPNames(resp.body)
}

// UploadSOP stores a standard operating procedure document.
func (c *Client) UploadSOP(ctx context.Context, filename string, data []byte, title, description string) error {
	_, err := c.do(ctx, request{
		op:     "upload sop",
		method: http.MethodPost,
		path:   "/api/sops/",
		auth:   true,
		body: multipartBody(
			map[string]string{"title": title, "description": description},
			formFile{field: "file", filename: filepath.Base(filename), data: data},
		),
	})
	return err
}

func (c *Client) DownloadSOP(ctx context.Context, name string) (*Document, error) {
	resp, err := c.do(ctx, request{
		op:     "download sop",
		method: http.MethodGet,
		path:   "/api/sops/" + url.PathEscape(name),
		auth:   true,
	})
	if err != nil {
		return nil, err
	}
	return document(resp, name), nil
}

// Me returns the profile of the user the client signs in as.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	resp, err := c.do(ctx, request{op: "get profile", method: http.MethodGet, path: "/api/auth/me", auth: true})
	if err != nil {
		return nil, err
	}
	return ParseProfile(resp.body)
}

func (c *Client) UpdateRole(ctx context.Context, role string) error {
	_, err := c.do(ctx, request{
		op:     "update role",
		method: http.MethodPost,
		path:   "/api/auth/update-role",
		auth:   true,
		body:   jsonBody(map[string]string{"role": role}),
	})
	return err
}
