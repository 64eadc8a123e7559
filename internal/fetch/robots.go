package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	robotstxt "github.com/temoto/robotstxt"
)

// RobotsPolicy caches robots.txt per host. Items whose URL is disallowed
// are skipped instead of fetched.
type RobotsPolicy struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

func NewRobotsPolicy(timeout time.Duration) *RobotsPolicy {
	return &RobotsPolicy{
		client: &http.Client{Timeout: timeout},
		cache:  make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether userAgent may fetch u. Unreachable or broken
// robots.txt files allow everything.
func (p *RobotsPolicy) Allowed(ctx context.Context, u *url.URL, userAgent string) bool {
	data := p.lookup(ctx, u, userAgent)
	if data == nil {
		return true
	}
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if path == "" {
		path = "/"
	}
	return data.FindGroup(userAgent).Test(path)
}

func (p *RobotsPolicy) lookup(ctx context.Context, u *url.URL, userAgent string) *robotstxt.RobotsData {
	key := u.Scheme + "://" + u.Host

	p.mu.Lock()
	data, ok := p.cache[key]
	p.mu.Unlock()
	if ok {
		return data
	}

	data = p.fetch(ctx, u, userAgent)

	p.mu.Lock()
	p.cache[key] = data
	p.mu.Unlock()
	return data
}

func (p *RobotsPolicy) fetch(ctx context.Context, base *url.URL, userAgent string) *robotstxt.RobotsData {
	robotsURL := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/robots.txt"}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return data
}
