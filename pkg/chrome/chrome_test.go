package chrome

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flowtomanual/agent/internal/config"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryAssignsIDsAndTracksFront(t *testing.T) {
	r := newRegistry()

	a, added := r.add("T-A", 1, "https://a.test", "A")
	require.True(t, added)
	b, _ := r.add("T-B", 1, "https://b.test", "B")
	c, _ := r.add("T-C", 2, "https://c.test", "C")
	assert.Equal(t, []int{1, 2, 3}, []int{a.ID, b.ID, c.ID})

	_, added = r.add("T-A", 1, "", "")
	assert.False(t, added)

	front, ok := r.activeIn(0)
	require.True(t, ok)
	assert.Equal(t, a.ID, front.ID, "first tab of the first window starts in front")

	windowID, moved, ok := r.activate(b.ID)
	require.True(t, ok)
	assert.Equal(t, 1, windowID)
	assert.False(t, moved)

	windowID, moved, _ = r.activate(c.ID)
	assert.Equal(t, 2, windowID)
	assert.True(t, moved)

	front, _ = r.activeIn(0)
	assert.Equal(t, c.ID, front.ID)
	front, _ = r.activeIn(1)
	assert.Equal(t, b.ID, front.ID)
	assert.True(t, front.Active)

	r.update("T-B", "https://b.test/next", "B2")
	got, _ := r.get(b.ID)
	assert.Equal(t, "https://b.test/next", got.URL)

	removed, ok := r.remove("T-B")
	require.True(t, ok)
	assert.Equal(t, b.ID, removed.ID)
	_, ok = r.activeIn(1)
	assert.False(t, ok)
	assert.Len(t, r.list(), 2)
}

func TestRegistryBindAfterRemoveCancels(t *testing.T) {
	r := newRegistry()
	tab, _ := r.add(target.ID("T-1"), 1, "", "")
	r.remove("T-1")

	ctx, cancel := context.WithCancel(context.Background())
	r.bind(ctx, tab.ID, cancel)
	assert.Error(t, ctx.Err())
}

func TestLauncherArgs(t *testing.T) {
	l := NewLauncher(config.ChromeConfig{DebugPort: 9333, StartURL: "http://localhost:8080", HeadlessMode: true}, zaptest.NewLogger(t))
	args := l.args("/tmp/profile")

	assert.Contains(t, args, "--remote-debugging-port=9333")
	assert.Contains(t, args, "--user-data-dir=/tmp/profile")
	assert.Contains(t, args, "--headless=new")
	assert.Equal(t, "http://localhost:8080", args[len(args)-1])
}

func TestLauncherPageTargetsAndReadiness(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json/version":
			w.Write([]byte(`{"Browser":"Chrome/120"}`))
		case "/json":
			w.Write([]byte(`[
				{"id":"SW","type":"service_worker","url":"chrome-extension://x"},
				{"id":"P1","type":"page","url":"https://shop.test","title":"Shop"}
			]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := NewLauncher(config.ChromeConfig{RemoteURL: srv.URL}, zaptest.NewLogger(t))
	assert.Equal(t, srv.URL, l.debugURL())
	require.NoError(t, l.waitForReady(context.Background(), srv.URL, time.Second))

	pages, err := l.pageTargets(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "P1", pages[0].ID)

	err = l.waitForReady(context.Background(), "http://127.0.0.1:1", 300*time.Millisecond)
	assert.Error(t, err)
}

func TestFindChromePrefersConfiguredPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chrome")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	got, err := FindChrome(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = FindChrome(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
