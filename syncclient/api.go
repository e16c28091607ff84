package syncclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"scheme-hand/models"
)

// ErrSchemeNotFound: der Server kennt das Programm nicht (mehr).
var ErrSchemeNotFound = errors.New("scheme not found")

// APIError ist eine Nicht-2xx-Antwort der Store-API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("store api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("store api: HTTP %d: %s", e.StatusCode, e.Message)
}

// Temporary meldet, ob ein erneuter Versuch sinnvoll ist.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// DeltaPage ist eine Seite des Änderungs-Feeds.
type DeltaPage struct {
	Schemes []models.Scheme
	Cursor  int64
	HasMore bool
}

type deltaResponse struct {
	Schemes []models.Scheme `json:"schemes"`
	Cursor  string          `json:"cursor"`
	HasMore bool            `json:"has_more"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIClient spricht die Store-API (GET /schemes, GET /schemes/:id).
type APIClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewAPIClient erstellt einen neuen APIClient.
func NewAPIClient(baseURL, apiKey string, timeout time.Duration) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Delta holt alle Änderungen nach since, höchstens limit Datensätze.
func (c *APIClient) Delta(ctx context.Context, since int64, limit int) (*DeltaPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))

	var resp deltaResponse
	if err := c.getJSON(ctx, "/schemes?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	cursor, err := strconv.ParseInt(resp.Cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor %q in delta response: %w", resp.Cursor, err)
	}
	return &DeltaPage{Schemes: resp.Schemes, Cursor: cursor, HasMore: resp.HasMore}, nil
}

// Scheme holt einen einzelnen kanonischen Datensatz.
func (c *APIClient) Scheme(ctx context.Context, id string) (*models.Scheme, error) {
	var sc models.Scheme
	err := c.getJSON(ctx, "/schemes/"+url.PathEscape(id), &sc)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSchemeNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (c *APIClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-API-KEY", c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			apiErr.Message = er.Error
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
