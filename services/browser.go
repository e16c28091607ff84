package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

// BrowserTransport rendert JS-lastige Quellen über einen entfernten Chrome (DevTools-Protokoll).
type BrowserTransport struct {
	ControlURL string
	Logger     *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserTransport erstellt einen BrowserTransport. Die Verbindung wird beim ersten Render aufgebaut.
func NewBrowserTransport(controlURL string, logger *zap.Logger) *BrowserTransport {
	return &BrowserTransport{ControlURL: controlURL, Logger: logger}
}

func (b *BrowserTransport) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}
	br := rod.New().ControlURL(b.ControlURL)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	b.Logger.Info("Verbindung zum Browser hergestellt", zap.String("control_url", b.ControlURL))
	b.browser = br
	return br, nil
}

// Render öffnet die Seite in einem Stealth-Tab und gibt das gerenderte HTML zurück.
func (b *BrowserTransport) Render(ctx context.Context, pageURL string) ([]byte, error) {
	br, err := b.connect()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(br)
	if err != nil {
		b.reset()
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	defer func() { _ = page.Close() }()

	p := page.Context(ctx)
	if err := p.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		b.Logger.Warn("Seite nicht vollständig geladen", zap.String("url", pageURL), zap.Error(err))
	}
	html, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("browser: get html: %w", err)
	}
	return []byte(html), nil
}

// reset verwirft eine kaputte Verbindung, damit der nächste Render neu verbindet.
func (b *BrowserTransport) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		_ = b.browser.Close()
		b.browser = nil
	}
}

// Close schließt die Browser-Verbindung.
func (b *BrowserTransport) Close() error {
	b.reset()
	return nil
}
