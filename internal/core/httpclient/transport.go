package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/ogc"
)

var ErrBodyTooLarge = errors.New("response body too large")

// StatusError is a response the server answered but that carries no image:
// a non-2xx status or an OGC exception report.
type StatusError struct {
	URL       string
	Status    int
	Exception *ogc.ServiceException
	Snippet   string
}

func (e *StatusError) Error() string {
	if e.Exception != nil {
		return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.Status, e.Exception.Error())
	}
	if e.Snippet != "" {
		return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.Status, e.Snippet)
	}
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Status)
}

func (e *StatusError) StatusCode() int { return e.Status }

type Options struct {
	Client    *http.Client
	Auth      model.Auth
	UserAgent string
	// MaxBody bounds one response; zero means 32 MiB.
	MaxBody int64
	// Upstream labels latency metrics.
	Upstream string
}

type Transport struct {
	client    *http.Client
	auth      model.Auth
	userAgent string
	maxBody   int64
	upstream  string
}

func NewTransport(opts Options) *Transport {
	if opts.Client == nil {
		opts.Client = NewOutbound()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = 32 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "wmstiles/1"
	}
	if opts.Upstream == "" {
		opts.Upstream = "imagery"
	}
	return &Transport{
		client:    opts.Client,
		auth:      opts.Auth,
		userAgent: opts.UserAgent,
		maxBody:   opts.MaxBody,
		upstream:  opts.Upstream,
	}
}

// Fetch GETs url and returns the body of a successful image response.
func (t *Transport) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	if t.auth.Username != "" {
		req.SetBasicAuth(t.auth.Username, t.auth.Password)
	}
	if t.auth.Referer != "" {
		req.Header.Set("Referer", t.auth.Referer)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		observability.ObserveUpstreamLatency(t.upstream, time.Since(start).Seconds())
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	observability.ObserveUpstreamLatency(t.upstream, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(body)) > t.maxBody {
		return nil, fmt.Errorf("GET %s: %w (limit %d bytes)", url, ErrBodyTooLarge, t.maxBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{URL: url, Status: resp.StatusCode}
		if ex, ok := ogc.ParseServiceException(body); ok {
			se.Exception = ex
		} else {
			se.Snippet = snippet(body)
		}
		return nil, se
	}
	if isXML(resp.Header.Get("Content-Type"), body) {
		if ex, ok := ogc.ParseServiceException(body); ok {
			return nil, &StatusError{URL: url, Status: resp.StatusCode, Exception: ex}
		}
	}
	return body, nil
}

func isXML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "xml") || ogc.LooksLikeXML(body)
}

func snippet(b []byte) string {
	const n = 120
	s := strings.TrimSpace(string(b))
	if !strings.HasPrefix(s, "<") && strings.ContainsFunc(s, func(r rune) bool { return r < 0x09 }) {
		return ""
	}
	if len(s) > n {
		s = s[:n] + "..."
	}
	return s
}
