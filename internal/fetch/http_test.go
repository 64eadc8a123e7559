package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const productPage = `<html lang="en"><head>
<title>Widget 42</title>
<meta name="description" content="A very fine widget">
<meta property="product:price:amount" content="19.99">
<meta property="product:price:currency" content="EUR">
<link rel="canonical" href="/p/W-42">
</head><body><h1>Widget 42</h1><p>In stock.</p></body></html>`

func newSourceServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFetcher_Success(t *testing.T) {
	var gotUA, gotLang, gotPath string
	srv := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		gotPath = r.URL.Path
		w.Write([]byte(productPage))
	})

	f := NewHTTPFetcher(HTTPOptions{
		URLTemplate: srv.URL + "/p/{id}",
		Timeout:     time.Second,
		Identities:  NewRotatingIdentities([]Identity{{UserAgent: "harvest-test", AcceptLanguage: "de-DE"}}),
	})

	rec, err := f.Fetch(context.Background(), "W-42")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if gotPath != "/p/W-42" {
		t.Fatalf("expected /p/W-42, got %q", gotPath)
	}
	if gotUA != "harvest-test" || gotLang != "de-DE" {
		t.Fatalf("identity headers not applied: ua=%q lang=%q", gotUA, gotLang)
	}
	if rec.Fields["title"] != "Widget 42" || rec.Fields["price"] != "19.99" {
		t.Fatalf("unexpected fields: %+v", rec.Fields)
	}
	if rec.Fields["sourceURL"] != srv.URL+"/p/W-42" {
		t.Fatalf("expected canonical sourceURL, got %v", rec.Fields["sourceURL"])
	}
	if !strings.Contains(rec.Markdown, "Widget 42") {
		t.Fatalf("expected markdown body, got %q", rec.Markdown)
	}
	if rec.Engine != "http" || rec.Identifier != "W-42" {
		t.Fatalf("unexpected record header: %+v", rec)
	}
}

func TestHTTPFetcher_ClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"not found", http.StatusNotFound, "gone", KindNotFound},
		{"rate limited", http.StatusTooManyRequests, "slow down", KindRateLimited},
		{"blocked", http.StatusForbidden, "<html><title>Forbidden</title></html>", KindBlocked},
		{"server error", http.StatusBadGateway, "oops", KindServer},
		{"challenge on 200", http.StatusOK, `<html><head><title>Just a moment...</title></head></html>`, KindChallenge},
		{"challenge on 503", http.StatusServiceUnavailable, `<html><body><form id="challenge-form"></form></body></html>`, KindChallenge},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				w.Write([]byte(c.body))
			})
			f := NewHTTPFetcher(HTTPOptions{URLTemplate: srv.URL + "/p/{id}", Timeout: time.Second})

			_, err := f.Fetch(context.Background(), "X1")
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := KindOf(err); got != c.want {
				t.Fatalf("KindOf = %q, want %q (err: %v)", got, c.want, err)
			}
		})
	}
}

func TestHTTPFetcher_NotAvailableSelector(t *testing.T) {
	srv := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><div class="discontinued">No longer sold</div></body></html>`))
	})
	f := NewHTTPFetcher(HTTPOptions{
		URLTemplate: srv.URL + "/p/{id}",
		Timeout:     time.Second,
		Extractor:   MetadataExtractor{NotAvailableSelectors: []string{".discontinued"}},
	})

	_, err := f.Fetch(context.Background(), "OLD-1")
	if !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable, got %v", err)
	}
	if !KindOf(err).NotAvailable() {
		t.Fatalf("expected a not-available kind, got %q", KindOf(err))
	}
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	f := NewHTTPFetcher(HTTPOptions{URLTemplate: srv.URL + "/p/{id}", Timeout: 50 * time.Millisecond})
	_, err := f.Fetch(context.Background(), "SLOW")
	if got := KindOf(err); got != KindTimeout {
		t.Fatalf("KindOf = %q, want timeout (err: %v)", got, err)
	}
}

func TestHTTPFetcher_RespectsRobots(t *testing.T) {
	var mu sync.Mutex
	productHits := 0
	srv := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		mu.Lock()
		productHits++
		mu.Unlock()
		w.Write([]byte(productPage))
	})

	robots := NewRobotsPolicy(time.Second)
	blocked := NewHTTPFetcher(HTTPOptions{URLTemplate: srv.URL + "/private/{id}", Timeout: time.Second, Robots: robots})
	_, err := blocked.Fetch(context.Background(), "A")
	if got := KindOf(err); got != KindDisallowed {
		t.Fatalf("KindOf = %q, want disallowed", got)
	}

	open := NewHTTPFetcher(HTTPOptions{URLTemplate: srv.URL + "/p/{id}", Timeout: time.Second, Robots: robots})
	if _, err := open.Fetch(context.Background(), "B"); err != nil {
		t.Fatalf("expected allowed fetch, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if productHits != 1 {
		t.Fatalf("expected exactly one product request, got %d", productHits)
	}
}

func TestRotatingIdentities(t *testing.T) {
	r := NewRotatingIdentities([]Identity{{UserAgent: "a"}, {UserAgent: "b"}})
	got := []string{r.Next().UserAgent, r.Next().UserAgent, r.Next().UserAgent}
	if strings.Join(got, ",") != "a,b,a" {
		t.Fatalf("unexpected rotation: %v", got)
	}
	if NewRotatingIdentities(nil).Next().UserAgent == "" {
		t.Fatalf("expected a default identity")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
		ok     bool
	}{
		{http.StatusOK, "", true},
		{http.StatusNotFound, KindNotFound, false},
		{http.StatusGone, KindNotFound, false},
		{http.StatusRequestTimeout, KindTimeout, false},
		{http.StatusTooEarly, KindRateLimited, false},
		{http.StatusTooManyRequests, KindRateLimited, false},
		{http.StatusUnauthorized, KindBlocked, false},
		{http.StatusTeapot, KindNotFound, false},
		{http.StatusGatewayTimeout, KindServer, false},
	}
	for _, c := range cases {
		kind, ok := ClassifyStatus(c.status)
		if kind != c.want || ok != c.ok {
			t.Errorf("ClassifyStatus(%d) = %q, %v; want %q, %v", c.status, kind, ok, c.want, c.ok)
		}
	}
	if KindTimeout.NotAvailable() || KindRateLimited.NotAvailable() {
		t.Fatalf("408 and 425 must stay retryable")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatalf("nil error must have no kind")
	}
	if KindOf(errors.New("boom")) != KindNetwork {
		t.Fatalf("unclassified errors count as network failures")
	}
	if KindOf(context.DeadlineExceeded) != KindTimeout {
		t.Fatalf("deadline exceeded is a timeout")
	}
	if !KindChallenge.Throttle() || KindNetwork.Throttle() {
		t.Fatalf("unexpected throttle classification")
	}
}

func TestBuildURL_EscapesIdentifier(t *testing.T) {
	u, err := BuildURL("shop.example.com/p/{id}", "A B/C")
	if err != nil {
		t.Fatalf("BuildURL error: %v", err)
	}
	if u.String() != "https://shop.example.com/p/A%20B%2FC" {
		t.Fatalf("unexpected URL %q", u.String())
	}
}
