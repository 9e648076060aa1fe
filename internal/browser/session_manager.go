// Package browser drives a headless Chrome through go-rod. Each task gets
// its own incognito page, so cookies and navigation never leak between
// tasks.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ouroboros/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("browser is shut down")

// Config configures the browser.
type Config struct {
	// DebuggerURL connects to a running Chrome instead of launching one.
	DebuggerURL string
	// Bin overrides the executable; empty lets rod find or download one.
	Bin               string
	Flags             []string
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	// MaxPages caps open pages; the least recently used one is closed.
	MaxPages int
}

// DefaultConfig returns headless defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		ViewportWidth:     1280,
		ViewportHeight:    900,
		NavigationTimeout: 30 * time.Second,
		MaxPages:          4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ViewportWidth == 0 {
		c.ViewportWidth = d.ViewportWidth
	}
	if c.ViewportHeight == 0 {
		c.ViewportHeight = d.ViewportHeight
	}
	if c.NavigationTimeout == 0 {
		c.NavigationTimeout = d.NavigationTimeout
	}
	if c.MaxPages == 0 {
		c.MaxPages = d.MaxPages
	}
	return c
}

// Session describes one tracked page.
type Session struct {
	ID         string
	Key        string
	URL        string
	CreatedAt  time.Time
	LastActive time.Time
}

type sessionRecord struct {
	meta    Session
	page    *rod.Page
	context *rod.Browser
}

// SessionManager owns the Chrome process and the per-task pages.
type SessionManager struct {
	cfg      Config
	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	sessions map[string]*sessionRecord
	closed   bool
}

// NewSessionManager creates a manager. Chrome starts on first use.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to Chrome, launching it if needed. A stale connection is
// replaced.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *SessionManager) startLocked(ctx context.Context) error {
	if m.closed {
		return ErrClosed
	}
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("Stale browser connection, reconnecting")
		m.closeLocked()
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(m.cfg.Headless).Set(flags.Flag("no-sandbox"))
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		for _, raw := range m.cfg.Flags {
			name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		m.launcher = l
		controlURL = url
	}

	// The connection outlives ctx; pages get their own contexts per call.
	b := rod.New().ControlURL(controlURL).Context(context.WithoutCancel(ctx))
	if err := b.Connect(); err != nil {
		if m.launcher != nil {
			m.launcher.Kill()
			m.launcher = nil
		}
		return fmt.Errorf("connect to chrome: %w", err)
	}
	m.browser = b
	logging.Browser("Browser connected (headless=%v)", m.cfg.Headless)
	return nil
}

// Page returns the page for key, creating an incognito page when none
// exists.
func (m *SessionManager) Page(ctx context.Context, key string) (*rod.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.sessions[key]; ok {
		rec.meta.LastActive = time.Now()
		return rec.page, nil
	}
	if err := m.startLocked(ctx); err != nil {
		return nil, err
	}
	m.evictLocked()

	incognito, err := m.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.ViewportWidth,
		Height:            m.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		logging.BrowserWarn("Failed to set viewport: %v", err)
	}

	now := time.Now()
	m.sessions[key] = &sessionRecord{
		meta:    Session{ID: uuid.NewString(), Key: key, CreatedAt: now, LastActive: now},
		page:    page,
		context: incognito,
	}
	logging.BrowserDebug("Opened page for %s", key)
	return page, nil
}

// evictLocked closes the least recently used pages until one more fits.
func (m *SessionManager) evictLocked() {
	for len(m.sessions) >= m.cfg.MaxPages {
		var oldest *sessionRecord
		for _, rec := range m.sessions {
			if oldest == nil || rec.meta.LastActive.Before(oldest.meta.LastActive) {
				oldest = rec
			}
		}
		logging.BrowserDebug("Evicting page for %s", oldest.meta.Key)
		m.releaseLocked(oldest.meta.Key)
	}
}

// Release closes the page for key, if any.
func (m *SessionManager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(key)
}

func (m *SessionManager) releaseLocked(key string) {
	rec, ok := m.sessions[key]
	if !ok {
		return
	}
	delete(m.sessions, key)
	_ = rec.page.Close()
	_ = rec.context.Close()
}

// List returns metadata for open pages.
func (m *SessionManager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.meta)
	}
	return out
}

// Navigate loads url in the page for key and waits for the load event.
func (m *SessionManager) Navigate(ctx context.Context, key, url string, timeout time.Duration) (*rod.Page, error) {
	page, err := m.Page(ctx, key)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.cfg.NavigationTimeout
	}
	p := page.Context(ctx).Timeout(timeout)
	if err := p.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for load: %w", err)
	}

	m.mu.Lock()
	if rec, ok := m.sessions[key]; ok {
		rec.meta.URL = url
		rec.meta.LastActive = time.Now()
	}
	m.mu.Unlock()
	logging.BrowserDebug("Navigated %s to %s", key, url)
	return page, nil
}

// Shutdown closes every page and the browser. Later calls fail with
// ErrClosed.
func (m *SessionManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeLocked()
}

func (m *SessionManager) closeLocked() error {
	for key := range m.sessions {
		m.releaseLocked(key)
	}
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher = nil
	}
	return err
}
