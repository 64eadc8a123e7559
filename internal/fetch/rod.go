package fetch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// RodFetcher uses a real browser (via rod) to render JS-heavy pages
// before extraction. Sources that fingerprint plain HTTP clients usually
// need this engine.
type RodFetcher struct {
	BrowserURL  string
	Timeout     time.Duration
	URLTemplate string
	Identities  IdentityProvider
	Extractor   Extractor
	Robots      *RobotsPolicy
}

func NewRodFetcher(browserURL string, timeout time.Duration, urlTemplate string) *RodFetcher {
	return &RodFetcher{
		BrowserURL:  browserURL,
		Timeout:     timeout,
		URLTemplate: urlTemplate,
		Identities:  NewRotatingIdentities(nil),
		Extractor:   MetadataExtractor{},
	}
}

func (r *RodFetcher) Fetch(ctx context.Context, identifier string) (*Record, error) {
	u, err := BuildURL(r.URLTemplate, identifier)
	if err != nil {
		return nil, &Error{Kind: KindNotFound, Identifier: identifier, Err: err}
	}

	identity := r.Identities.Next()
	if r.Robots != nil && !r.Robots.Allowed(ctx, u, identity.UserAgent) {
		return nil, &Error{Kind: KindDisallowed, Identifier: identifier, Err: errors.New("disallowed by robots.txt")}
	}

	browser := rod.New().Context(ctx).Timeout(r.Timeout)
	if r.BrowserURL != "" {
		browser = browser.ControlURL(r.BrowserURL)
	}
	if err := browser.Connect(); err != nil {
		return nil, transportError(identifier, err)
	}
	defer browser.MustClose()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, transportError(identifier, err)
	}
	defer page.MustClose()

	if identity.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      identity.UserAgent,
			AcceptLanguage: identity.AcceptLanguage,
		}); err != nil {
			return nil, transportError(identifier, err)
		}
	}

	if err := page.Navigate(u.String()); err != nil {
		return nil, transportError(identifier, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, transportError(identifier, err)
	}

	htmlStr, err := page.HTML()
	if err != nil {
		return nil, transportError(identifier, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return nil, &Error{Kind: KindServer, Identifier: identifier, Err: err}
	}
	if DetectChallenge(doc) {
		return nil, &Error{Kind: KindChallenge, Identifier: identifier, Err: errors.New("anti-automation challenge page")}
	}

	// The browser does not surface the document status; a rendered page
	// that passed challenge detection is treated as 200.
	return buildRecord(r.Extractor, Page{
		Identifier: identifier,
		URL:        u,
		Status:     200,
		HTML:       htmlStr,
		Doc:        doc,
	}, "browser", time.Now())
}
