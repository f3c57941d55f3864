// Package validator validates and normalizes iCal feed URLs before they
// are stored as calendar identifiers.
package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrHTTPSRequired    = errors.New("HTTPS is required")
	ErrPrivateIP        = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrNotICalFeed      = errors.New("URL does not serve an iCalendar feed")
)

const (
	maxRedirects = 3
	feedTimeout  = 10 * time.Second
	probeBytes   = 512
)

// Validator checks candidate feed URLs. Its HTTP client refuses to dial
// private addresses, so a feed URL cannot be used to probe the internal
// network.
type Validator struct {
	client          *http.Client
	allowPrivateIPs bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs permits feeds on private addresses, for local
// development and tests.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}

	v.client = &http.Client{
		Timeout: feedTimeout,
		Transport: &http.Transport{
			DialContext:         v.guardedDial,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			TLSHandshakeTimeout: feedTimeout,
			ForceAttemptHTTP2:   true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
	return v
}

// guardedDial resolves the host first and refuses to connect when any
// resolved address is private. Checking at dial time covers redirects
// and DNS tricks that a one-time URL inspection would miss.
func (v *Validator) guardedDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed: %w", err)
	}
	if !v.allowPrivateIPs {
		for _, ip := range ips {
			if isPrivateIP(ip) {
				return nil, ErrPrivateIP
			}
		}
	}

	d := &net.Dialer{Timeout: feedTimeout}
	return d.DialContext(ctx, network, addr)
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// NormalizeFeedURL validates a feed URL and returns its canonical form.
// webcal:// URLs, the convention calendar apps publish, are rewritten to
// https://. If requireHTTPS is true, plain http URLs are rejected.
func (v *Validator) NormalizeFeedURL(rawURL string, requireHTTPS bool) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", ErrInvalidURL
	}

	if strings.HasPrefix(strings.ToLower(rawURL), "webcal://") {
		rawURL = "https://" + rawURL[len("webcal://"):]
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if requireHTTPS {
			return "", ErrHTTPSRequired
		}
	default:
		return "", fmt.Errorf("%w: scheme must be http, https, or webcal", ErrInvalidURL)
	}

	return parsed.String(), nil
}

// CheckFeed fetches the URL and verifies it serves iCalendar data. The
// opening bytes of the body must carry the BEGIN:VCALENDAR marker.
func (v *Validator) CheckFeed(ctx context.Context, feedURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrInvalidURL, err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotICalFeed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrNotICalFeed, resp.StatusCode)
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, probeBytes))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotICalFeed, err)
	}
	if !strings.Contains(string(head), "BEGIN:VCALENDAR") {
		return fmt.Errorf("%w: missing BEGIN:VCALENDAR", ErrNotICalFeed)
	}

	return nil
}
