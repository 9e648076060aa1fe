package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// ErrNoPage is returned by page actions before anything was opened for key.
var ErrNoPage = errors.New("no page open; call browse_page first")

const defaultActionTimeout = 10 * time.Second

// Open navigates the page for key and, when waitFor is set, waits for that
// selector to appear.
func (m *SessionManager) Open(ctx context.Context, key, url, waitFor string, timeout time.Duration) error {
	page, err := m.Navigate(ctx, key, url, timeout)
	if err != nil {
		return err
	}
	if waitFor == "" {
		return nil
	}
	if _, err := m.element(ctx, page, waitFor, timeout); err != nil {
		return fmt.Errorf("wait for %q: %w", waitFor, err)
	}
	return nil
}

// current returns the existing page for key without creating one.
func (m *SessionManager) current(key string) (*rod.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.sessions[key]
	if !ok {
		return nil, ErrNoPage
	}
	rec.meta.LastActive = time.Now()
	return rec.page, nil
}

func (m *SessionManager) element(ctx context.Context, page *rod.Page, selector string, timeout time.Duration) (*rod.Element, error) {
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	el, err := page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %q not found: %w", selector, err)
	}
	// Drop the lookup timeout so later calls on el only follow ctx.
	return el.CancelTimeout(), nil
}

// Text returns the visible text of the page body.
func (m *SessionManager) Text(ctx context.Context, key string) (string, error) {
	page, err := m.current(key)
	if err != nil {
		return "", err
	}
	body, err := m.element(ctx, page, "body", 0)
	if err != nil {
		return "", err
	}
	return body.Text()
}

// HTML returns the page's serialized DOM.
func (m *SessionManager) HTML(ctx context.Context, key string) (string, error) {
	page, err := m.current(key)
	if err != nil {
		return "", err
	}
	return page.Context(ctx).HTML()
}

// URL returns the page's current location.
func (m *SessionManager) URL(ctx context.Context, key string) (string, error) {
	page, err := m.current(key)
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Screenshot captures the page as PNG.
func (m *SessionManager) Screenshot(ctx context.Context, key string, fullPage bool) ([]byte, error) {
	page, err := m.current(key)
	if err != nil {
		return nil, err
	}
	return page.Context(ctx).Screenshot(fullPage, nil)
}

// Click clicks the first element matching selector.
func (m *SessionManager) Click(ctx context.Context, key, selector string, timeout time.Duration) error {
	page, err := m.current(key)
	if err != nil {
		return err
	}
	el, err := m.element(ctx, page, selector, timeout)
	if err != nil {
		return err
	}
	return el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

// Fill replaces the value of an input element.
func (m *SessionManager) Fill(ctx context.Context, key, selector, value string, timeout time.Duration) error {
	page, err := m.current(key)
	if err != nil {
		return err
	}
	el, err := m.element(ctx, page, selector, timeout)
	if err != nil {
		return err
	}
	el = el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

// Select picks the option whose text matches value in a select element.
func (m *SessionManager) Select(ctx context.Context, key, selector, value string, timeout time.Duration) error {
	page, err := m.current(key)
	if err != nil {
		return err
	}
	el, err := m.element(ctx, page, selector, timeout)
	if err != nil {
		return err
	}
	return el.Context(ctx).Select([]string{value}, true, rod.SelectorTypeText)
}

// Evaluate runs a JavaScript expression and returns its value as text.
func (m *SessionManager) Evaluate(ctx context.Context, key, expr string) (string, error) {
	page, err := m.current(key)
	if err != nil {
		return "", err
	}
	res, err := page.Context(ctx).Eval("() => (" + expr + ")")
	if err != nil {
		return "", err
	}
	return res.Value.String(), nil
}

// Scroll scrolls the window by dy pixels.
func (m *SessionManager) Scroll(ctx context.Context, key string, dy int) error {
	page, err := m.current(key)
	if err != nil {
		return err
	}
	_, err = page.Context(ctx).Eval("(dy) => window.scrollBy(0, dy)", dy)
	return err
}
