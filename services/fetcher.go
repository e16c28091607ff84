package services

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"scheme-hand/config"
	"scheme-hand/models"
)

// CustomTransport fügt jeder Anfrage einen User-Agent-Header hinzu.
type CustomTransport struct {
	Transport http.RoundTripper
	UserAgent string
}

func (t *CustomTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.UserAgent)
	}
	return t.Transport.RoundTrip(req)
}

// FetchResult ist ein roher Snapshot einer Quelle.
type FetchResult struct {
	Body         []byte
	StatusCode   int
	ContentHash  string
	ETag         string
	LastModified string
	// NotModified ist true bei 304; Body ist dann leer.
	NotModified bool
	FetchedAt   time.Time
}

// Renderer lädt JS-gerenderte Seiten über einen Headless-Browser.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
}

// Fetcher holt rohe Snapshots von Quellen mit Timeout, Retry, Circuit Breaker und Rate Limit pro Host.
// Der Fetcher schreibt nie in den Store.
type Fetcher struct {
	Config   *config.Config
	Logger   *zap.Logger
	Client   *http.Client
	Renderer Renderer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*FetchResult]
	limiters map[string]*rate.Limiter
}

// NewFetcher erstellt einen neuen Fetcher. renderer darf nil sein.
func NewFetcher(cfg *config.Config, logger *zap.Logger, renderer Renderer) *Fetcher {
	return &Fetcher{
		Config: cfg,
		Logger: logger,
		Client: &http.Client{
			Timeout: cfg.FetchTimeout,
			Transport: &CustomTransport{
				Transport: http.DefaultTransport,
				UserAgent: cfg.FetchUserAgent,
			},
		},
		Renderer: renderer,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*FetchResult]),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch ruft eine Quelle ab. Transiente Fehler werden mit exponentiellem Backoff wiederholt;
// nach Erschöpfung wird der letzte *FetchError zurückgegeben.
func (f *Fetcher) Fetch(ctx context.Context, src models.Source) (*FetchResult, error) {
	log := f.Logger.With(zap.String("source", src.ID), zap.String("url", src.URL))

	u, err := url.Parse(src.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &FetchError{SourceURL: src.URL, Permanent: true, Err: fmt.Errorf("invalid source url")}
	}
	host := strings.ToLower(u.Host)
	breaker, limiter := f.hostGuards(host)

	var result *FetchResult
	attempt := 0
	op := func() error {
		attempt++
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(&FetchError{SourceURL: src.URL, Err: err})
		}
		res, err := breaker.Execute(func() (*FetchResult, error) {
			return f.fetchOnce(ctx, src)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// Kein Netzwerkverkehr, solange der Breaker offen ist; der nächste Lauf versucht es erneut.
				return backoff.Permanent(&FetchError{SourceURL: src.URL, Err: err})
			}
			if IsPermanentFetchError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.Config.FetchBackoffInitial
	b.MaxInterval = f.Config.FetchBackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.Config.FetchMaxRetries)), ctx)

	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn("Abruf fehlgeschlagen, neuer Versuch", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = &FetchError{SourceURL: src.URL, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// fetchOnce führt genau einen Abruf mit hartem Timeout aus.
func (f *Fetcher) fetchOnce(ctx context.Context, src models.Source) (*FetchResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.Config.FetchTimeout)
	defer cancel()

	if src.Render {
		return f.render(attemptCtx, src)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, &FetchError{SourceURL: src.URL, Permanent: true, Err: err}
	}
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}
	if src.LastModified != "" {
		req.Header.Set("If-Modified-Since", src.LastModified)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &FetchError{SourceURL: src.URL, Err: err}
	}
	defer resp.Body.Close()

	now := time.Now().UTC()
	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &FetchResult{
			StatusCode:   resp.StatusCode,
			ETag:         src.ETag,
			LastModified: src.LastModified,
			ContentHash:  src.LastContentHash,
			NotModified:  true,
			FetchedAt:    now,
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{SourceURL: src.URL, StatusCode: resp.StatusCode, Err: fmt.Errorf("http %s", resp.Status)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &FetchError{SourceURL: src.URL, StatusCode: resp.StatusCode, Permanent: true, Err: fmt.Errorf("http %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.Config.FetchMaxBytes+1))
	if err != nil {
		return nil, &FetchError{SourceURL: src.URL, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > f.Config.FetchMaxBytes {
		return nil, &FetchError{SourceURL: src.URL, StatusCode: resp.StatusCode, Permanent: true,
			Err: fmt.Errorf("body exceeds %d bytes", f.Config.FetchMaxBytes)}
	}

	return &FetchResult{
		Body:         body,
		StatusCode:   resp.StatusCode,
		ContentHash:  ContentHash(body),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    now,
	}, nil
}

// render lädt die Seite über den Headless-Browser.
func (f *Fetcher) render(ctx context.Context, src models.Source) (*FetchResult, error) {
	if f.Renderer == nil {
		return nil, &FetchError{SourceURL: src.URL, Permanent: true, Err: errors.New("source requires rendering but no browser is configured")}
	}
	body, err := f.Renderer.Render(ctx, src.URL)
	if err != nil {
		return nil, &FetchError{SourceURL: src.URL, Err: err}
	}
	if int64(len(body)) > f.Config.FetchMaxBytes {
		return nil, &FetchError{SourceURL: src.URL, Permanent: true, Err: fmt.Errorf("rendered page exceeds %d bytes", f.Config.FetchMaxBytes)}
	}
	return &FetchResult{
		Body:        body,
		StatusCode:  http.StatusOK,
		ContentHash: ContentHash(body),
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// hostGuards liefert Circuit Breaker und Rate Limiter für einen Host und legt sie bei Bedarf an.
func (f *Fetcher) hostGuards(host string) (*gobreaker.CircuitBreaker[*FetchResult], *rate.Limiter) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[host]
	if !ok {
		threshold := f.Config.BreakerFailureThreshold
		cb = gobreaker.NewCircuitBreaker[*FetchResult](gobreaker.Settings{
			Name:        host,
			MaxRequests: 1,
			Timeout:     f.Config.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Ein 404 sagt nichts über die Gesundheit des Hosts aus.
			IsSuccessful: func(err error) bool {
				return err == nil || IsPermanentFetchError(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				f.Logger.Warn("Circuit Breaker Statuswechsel",
					zap.String("host", name), zap.String("from", from.String()), zap.String("to", to.String()))
				if to == gobreaker.StateOpen {
					breakerTrips.WithLabelValues(name).Inc()
				}
			},
		})
		f.breakers[host] = cb
	}

	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.Config.FetchRatePerHost), 1)
		f.limiters[host] = lim
	}
	return cb, lim
}

// ContentHash berechnet den SHA-256-Hash eines Snapshots als Hex-String.
func ContentHash(body []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(body))
}
