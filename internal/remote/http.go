package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lazypower/questlog/internal/errs"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// HTTPConfig configures an HTTPStore.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RatePerSecond limits outgoing requests; zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// HTTPStore talks to a remote document store over JSON/HTTP.
type HTTPStore struct {
	http    *http.Client
	baseURL string
	token   string
	limiter *rate.Limiter
}

// NewHTTPStore creates a client for the store at cfg.BaseURL.
func NewHTTPStore(cfg HTTPConfig) *HTTPStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &HTTPStore{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		limiter: limiter,
	}
}

func (s *HTTPStore) Get(ctx context.Context, path string) (Document, error) {
	var d Document
	if err := s.do(ctx, "remote.Get", http.MethodGet, "/v1/docs/"+escapePath(path), nil, &d); err != nil {
		return Document{}, err
	}
	return d, nil
}

func (s *HTTPStore) GetMany(ctx context.Context, paths []string) ([]Document, error) {
	if err := checkBatchRead(paths); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	var resp struct {
		Documents []Document `json:"documents"`
	}
	req := map[string][]string{"paths": paths}
	if err := s.do(ctx, "remote.GetMany", http.MethodPost, "/v1/batch-get", req, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

func (s *HTTPStore) Set(ctx context.Context, path string, data json.RawMessage) error {
	return s.do(ctx, "remote.Set", http.MethodPut, "/v1/docs/"+escapePath(path), data, nil)
}

func (s *HTTPStore) Commit(ctx context.Context, b Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return s.do(ctx, "remote.Commit", http.MethodPost, "/v1/commit", b, nil)
}

func (s *HTTPStore) Ping(ctx context.Context) error {
	return s.do(ctx, "remote.Ping", http.MethodGet, "/v1/ping", nil, nil)
}

// do sends one request and classifies any failure. body is JSON-encoded
// unless it is already raw JSON; out, when non-nil, receives the decoded
// response.
func (s *HTTPStore) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errs.E(errs.KindNetwork, op, fmt.Errorf("rate limit wait: %w", err))
	}

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return errs.E(errs.KindValidation, op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return errs.E(errs.KindValidation, op, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return errs.E(errs.KindNetwork, op, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.E(errs.KindNetwork, op, fmt.Errorf("read response %s: %w", path, err))
	}
	if resp.StatusCode >= 400 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return errs.E(StatusKind(resp.StatusCode), op,
			fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.E(errs.KindValidation, op, fmt.Errorf("decode response %s: %w", path, err))
	}
	return nil
}

// StatusKind maps an HTTP status code onto an error kind.
func StatusKind(code int) errs.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.KindAuth
	case code == http.StatusNotFound:
		return errs.KindNotFound
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return errs.KindConflict
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return errs.KindServer
	case code >= 400:
		return errs.KindValidation
	}
	return errs.KindUnknown
}

// StatusCode is the inverse of StatusKind, used by the reference handler.
func StatusCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindAuth:
		return http.StatusUnauthorized
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNetwork:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
