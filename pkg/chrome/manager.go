package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"flowtomanual/agent/internal/config"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Launcher starts the user's Chrome with remote debugging enabled, or reuses
// one already listening, and connects chromedp to it.
type Launcher struct {
	cfg    config.ChromeConfig
	logger *zap.Logger
	client *http.Client

	mu          sync.Mutex
	cmd         *exec.Cmd
	userDataDir string
	ownsDataDir bool
	cancels     []context.CancelFunc
}

func NewLauncher(cfg config.ChromeConfig, logger *zap.Logger) *Launcher {
	if cfg.DebugPort == 0 {
		cfg.DebugPort = 9222
	}
	return &Launcher{
		cfg:    cfg,
		logger: logger.Named("chrome"),
		client: &http.Client{Timeout: time.Second},
	}
}

func (l *Launcher) debugURL() string {
	if l.cfg.RemoteURL != "" {
		return l.cfg.RemoteURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", l.cfg.DebugPort)
}

// Connect returns a chromedp context bound to the first page tab of the
// browser. The context stays valid until Close.
func (l *Launcher) Connect(ctx context.Context) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	debugURL := l.debugURL()
	if l.cfg.RemoteURL == "" && !l.isResponsive(debugURL) {
		if err := l.start(ctx); err != nil {
			return nil, err
		}
	} else {
		l.logger.Info("reusing running chrome", zap.String("debug_url", debugURL))
	}

	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), debugURL)
	l.cancels = append(l.cancels, cancelAlloc)

	opts := []chromedp.ContextOption{
		chromedp.WithLogf(func(string, ...interface{}) {}),
	}
	targets, err := l.pageTargets(ctx, debugURL)
	if err != nil {
		l.logger.Warn("could not list tabs, opening a new one", zap.Error(err))
	} else if len(targets) > 0 {
		opts = append(opts, chromedp.WithTargetID(target.ID(targets[0].ID)))
	}
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, opts...)
	l.cancels = append(l.cancels, cancelBrowser)

	var title string
	if err := chromedp.Run(browserCtx, chromedp.Title(&title)); err != nil {
		return nil, fmt.Errorf("failed to connect to chrome tab: %w", err)
	}
	l.logger.Info("connected to chrome", zap.String("debug_url", debugURL), zap.String("title", title))
	return browserCtx, nil
}

func (l *Launcher) args(userDataDir string) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.DebugPort),
		"--user-data-dir=" + userDataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--enable-features=OverlayScrollbar",
	}
	if l.cfg.HeadlessMode {
		args = append(args, "--headless=new")
	}
	if l.cfg.StartURL != "" {
		args = append(args, l.cfg.StartURL)
	}
	return args
}

func (l *Launcher) start(ctx context.Context) error {
	path, err := FindChrome(l.cfg.ExecPath)
	if err != nil {
		return err
	}

	l.userDataDir = l.cfg.UserDataDir
	l.ownsDataDir = false
	if l.userDataDir == "" {
		dir, err := os.MkdirTemp("", "ftm-chrome-")
		if err != nil {
			return fmt.Errorf("failed to create chrome profile dir: %w", err)
		}
		l.userDataDir = dir
		l.ownsDataDir = true
	}

	args := l.args(l.userDataDir)
	cmd := exec.Command(path, args...)
	l.logger.Info("starting chrome", zap.String("path", path), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start chrome: %w", err)
	}
	l.cmd = cmd

	if err := l.waitForReady(ctx, l.debugURL(), 15*time.Second); err != nil {
		l.forceKill()
		_ = cmd.Wait()
		return fmt.Errorf("chrome failed to start properly: %w", err)
	}
	l.logger.Info("chrome started", zap.Int("pid", cmd.Process.Pid), zap.Int("port", l.cfg.DebugPort))
	return nil
}

// waitForReady polls the debugging endpoint until it answers.
func (l *Launcher) waitForReady(ctx context.Context, debugURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.isResponsive(debugURL) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("debugging endpoint not ready within %v", timeout)
}

func (l *Launcher) isResponsive(debugURL string) bool {
	resp, err := l.client.Get(debugURL + "/json/version")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type targetInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (l *Launcher) pageTargets(ctx context.Context, debugURL string) ([]targetInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, debugURL+"/json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var all []targetInfo
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("failed to parse chrome tabs: %w", err)
	}
	pages := all[:0]
	for _, t := range all {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// Close drops the chromedp connection and stops Chrome if this launcher
// started it.
func (l *Launcher) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.cancels) - 1; i >= 0; i-- {
		l.cancels[i]()
	}
	l.cancels = nil
	l.closeBrowser()
}

// closeBrowser asks Chrome to exit and kills it after a grace period.
func (l *Launcher) closeBrowser() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	cmd := l.cmd
	pid := cmd.Process.Pid
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		l.logger.Warn("failed to interrupt chrome", zap.Int("pid", pid), zap.Error(err))
		l.forceKill()
		return
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			l.logger.Debug("chrome exited", zap.Int("pid", pid), zap.Error(err))
		}
	case <-time.After(3 * time.Second):
		l.logger.Warn("chrome did not exit in time, killing", zap.Int("pid", pid))
		l.forceKill()
	}
	l.cleanup()
}

func (l *Launcher) forceKill() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	if err := l.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger.Warn("failed to kill chrome", zap.Error(err))
	}
	l.cleanup()
}

func (l *Launcher) cleanup() {
	l.cmd = nil
	if l.ownsDataDir && l.userDataDir != "" {
		if err := os.RemoveAll(l.userDataDir); err != nil {
			l.logger.Warn("failed to remove chrome profile dir", zap.Error(err))
		}
	}
	l.ownsDataDir = false
}
