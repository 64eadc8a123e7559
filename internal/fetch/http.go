package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 8 << 20

// HTTPFetcher is a basic implementation using net/http and goquery.
type HTTPFetcher struct {
	client      *http.Client
	urlTemplate string
	identities  IdentityProvider
	extractor   Extractor
	robots      *RobotsPolicy
	now         func() time.Time
}

// HTTPOptions configures an HTTPFetcher. Zero values select defaults.
type HTTPOptions struct {
	URLTemplate string
	Timeout     time.Duration
	Identities  IdentityProvider
	Extractor   Extractor
	Robots      *RobotsPolicy
}

func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Identities == nil {
		opts.Identities = NewRotatingIdentities(nil)
	}
	if opts.Extractor == nil {
		opts.Extractor = MetadataExtractor{}
	}
	return &HTTPFetcher{
		client:      &http.Client{Timeout: opts.Timeout},
		urlTemplate: opts.URLTemplate,
		identities:  opts.Identities,
		extractor:   opts.Extractor,
		robots:      opts.Robots,
		now:         time.Now,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, identifier string) (*Record, error) {
	u, err := BuildURL(f.urlTemplate, identifier)
	if err != nil {
		return nil, &Error{Kind: KindNotFound, Identifier: identifier, Err: err}
	}

	identity := f.identities.Next()

	if f.robots != nil && !f.robots.Allowed(ctx, u, identity.UserAgent) {
		return nil, &Error{Kind: KindDisallowed, Identifier: identifier, Err: errors.New("disallowed by robots.txt")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{Kind: KindNotFound, Identifier: identifier, Err: err}
	}
	for k, v := range identity.Headers {
		req.Header.Set(k, v)
	}
	if identity.UserAgent != "" {
		req.Header.Set("User-Agent", identity.UserAgent)
	}
	if identity.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", identity.AcceptLanguage)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transportError(identifier, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(identifier, err)
	}

	doc, parseErr := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if parseErr == nil && DetectChallenge(doc) {
		return nil, &Error{Kind: KindChallenge, Identifier: identifier, Status: resp.StatusCode, Err: errors.New("anti-automation challenge page")}
	}
	if kind, ok := ClassifyStatus(resp.StatusCode); !ok {
		return nil, &Error{Kind: kind, Identifier: identifier, Status: resp.StatusCode}
	}
	if parseErr != nil {
		return nil, &Error{Kind: KindServer, Identifier: identifier, Status: resp.StatusCode, Err: parseErr}
	}

	return buildRecord(f.extractor, Page{
		Identifier: identifier,
		URL:        u,
		Status:     resp.StatusCode,
		HTML:       string(body),
		Doc:        doc,
	}, "http", f.now())
}

func buildRecord(ex Extractor, p Page, engine string, at time.Time) (*Record, error) {
	fields, err := ex.Extract(p)
	if err != nil {
		if errors.Is(err, ErrNotAvailable) {
			return nil, &Error{Kind: KindNotFound, Identifier: p.Identifier, Status: p.Status, Err: err}
		}
		return nil, err
	}

	// Best-effort HTML -> Markdown conversion (CommonMark-enabled); fall
	// back to plain text when the converter fails.
	converter := htmlmd.NewConverter(p.URL.Hostname(), true, nil)
	markdown, err := converter.ConvertString(p.HTML)
	if err != nil {
		markdown = p.Doc.Text()
	}

	return &Record{
		Identifier: p.Identifier,
		URL:        p.URL.String(),
		Status:     p.Status,
		Engine:     engine,
		Fields:     fields,
		Markdown:   markdown,
		FetchedAt:  at,
	}, nil
}
