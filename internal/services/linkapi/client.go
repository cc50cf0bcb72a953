// Package linkapi resolves playable links through the link catalogue HTTP API.
package linkapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"linkstream/internal/domain"
)

const pageSize = 100

type Config struct {
	// BaseURL may carry basic auth credentials as user info.
	BaseURL string
	// RefreshRPS caps refresh notifications per second. Zero disables the cap.
	RefreshRPS float64
	Timeout    time.Duration
	Retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// Client implements ports.LinkResolver against the link catalogue API.
type Client struct {
	base     *url.URL
	username string
	password string
	auth     bool

	http    *http.Client
	logger  *slog.Logger
	retry   RetryConfig
	limiter *rate.Limiter
	group   singleflight.Group
}

type linkPage struct {
	Count   int           `json:"count"`
	Results []domain.Link `json:"results"`
}

func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("link api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("link api url: unsupported scheme %q", base.Scheme)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	limit := rate.Inf
	if cfg.RefreshRPS > 0 {
		limit = rate.Limit(cfg.RefreshRPS)
	}

	c := &Client{
		base: base,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:  slog.Default(),
		retry:   retry,
		limiter: rate.NewLimiter(limit, 1),
	}
	if base.User != nil {
		c.username = base.User.Username()
		c.password, _ = base.User.Password()
		c.auth = true
		base.User = nil
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetLinks returns the catalogue entries for externalID and size, fastest
// first. Concurrent calls for the same key share one request.
func (c *Client) GetLinks(ctx context.Context, externalID string, size int64) ([]domain.Link, error) {
	key := externalID + "/" + strconv.FormatInt(size, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		var page linkPage
		err := retryWithBackoff(ctx, c.retry, func() error {
			page = linkPage{}
			return c.do(ctx, http.MethodGet, c.linksURL(externalID, size), &page)
		})
		return page.Results, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLinksUnavailable, err)
	}
	links := v.([]domain.Link)
	return append([]domain.Link(nil), links...), nil
}

// RequestRefresh asks the catalogue to re-validate one link.
func (c *Client) RequestRefresh(ctx context.Context, linkID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ref := &url.URL{Path: "api/links/" + url.PathEscape(linkID) + "/refresh"}
	target := c.base.ResolveReference(ref).String()

	err := retryWithBackoff(ctx, c.retry, func() error {
		return c.do(ctx, http.MethodPost, target, nil)
	})
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return fmt.Errorf("%w: link %s", domain.ErrNotFound, linkID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLinksUnavailable, err)
	}
	c.logger.Debug("linkapi: refresh requested", slog.String("linkId", linkID))
	return nil
}

func (c *Client) linksURL(externalID string, size int64) string {
	q := url.Values{}
	q.Set("imdbId", externalID)
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("size", strconv.FormatInt(size, 10))
	q.Set("sortField", "speedRank")
	q.Set("sortOrder", "desc")
	u := c.base.ResolveReference(&url.URL{Path: "api/links"})
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.auth {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode link api response: %w", err)
	}
	return nil
}
