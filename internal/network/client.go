package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"tsgrab/internal/logger"

	"golang.org/x/time/rate"
)

// ErrNetworkFailure wraps every transport error and non-2xx response.
var ErrNetworkFailure = errors.New("network failure")

// DefaultRequestTimeout bounds a single request when Options.RequestTimeout is zero.
const DefaultRequestTimeout = 30 * time.Second

// Session is the authenticated context of a logged-in user: extra headers
// (referer, origin, auth token) and cookies. It is persisted with the resume record
// so an interrupted download can continue without logging in again.
type Session struct {
	Headers map[string]string `json:"headers,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := Session{
		Headers: make(map[string]string, len(s.Headers)),
		Cookies: make(map[string]string, len(s.Cookies)),
	}
	for k, v := range s.Headers {
		out.Headers[k] = v
	}
	for k, v := range s.Cookies {
		out.Cookies[k] = v
	}
	return out
}

// Options configures a Client.
type Options struct {
	UserAgent      string
	RequestTimeout time.Duration
	// RateLimit caps requests per second across the client. Zero disables it.
	RateLimit float64
	Session   Session
}

// Client issues the GET requests used for playlists, keys and segments.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     logger.Logger
	userAgent  string
	timeout    time.Duration
	limiter    *rate.Limiter

	mu      sync.RWMutex
	session Session
}

// NewClient creates a new client with a tuned transport.
func NewClient(opts Options, log logger.Logger) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	return NewClientWithHTTP(&http.Client{Transport: transport}, opts, log)
}

// NewClientWithHTTP creates a client on top of an existing http.Client.
func NewClientWithHTTP(hc *http.Client, opts Options, log logger.Logger) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c := &Client{
		httpClient: hc,
		logger:     log,
		userAgent:  opts.UserAgent,
		timeout:    timeout,
		session:    opts.Session.Clone(),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// Session returns a copy of the current session.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Clone()
}

// SetSession replaces the session, e.g. with the one restored from a resume record.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s.Clone()
}

// Get fetches locator in the userless context: only the user agent and the given headers are sent.
func (c *Client) Get(ctx context.Context, locator string, header http.Header) ([]byte, error) {
	return c.do(ctx, locator, header, false)
}

// GetWithSession fetches locator with the session's headers and cookies attached.
func (c *Client) GetWithSession(ctx context.Context, locator string, header http.Header) ([]byte, error) {
	return c.do(ctx, locator, header, true)
}

func (c *Client) do(ctx context.Context, locator string, header http.Header, withSession bool) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter for %s: %v", ErrNetworkFailure, locator, err)
		}
	}

	// Per-request timeout.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request for %s: %v", ErrNetworkFailure, locator, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if withSession {
		c.applySession(req)
	}
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	c.logger.Debugf("GET %s (session=%t)", locator, withSession)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrNetworkFailure, locator, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: GET %s: received status code %d", ErrNetworkFailure, locator, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body of %s: %w", ErrNetworkFailure, locator, err)
	}
	return data, nil
}

func (c *Client) applySession(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.session.Headers {
		req.Header.Set(k, v)
	}
	if len(c.session.Cookies) == 0 {
		return
	}
	// Cookies go out in a single header so a session header named Cookie is not duplicated.
	names := make([]string, 0, len(c.session.Cookies))
	for name := range c.session.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, (&http.Cookie{Name: name, Value: c.session.Cookies[name]}).String())
	}
	req.Header.Set("Cookie", strings.Join(parts, "; "))
}
