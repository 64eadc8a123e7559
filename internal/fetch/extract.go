package fetch

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is a fetched document handed to an Extractor.
type Page struct {
	Identifier string
	URL        *url.URL
	Status     int
	HTML       string
	Doc        *goquery.Document
}

// Extractor turns a fetched document into structured fields. Returning
// ErrNotAvailable marks the item as skipped.
type Extractor interface {
	Extract(p Page) (map[string]any, error)
}

// MetadataExtractor pulls generic page metadata. Product-specific field
// heuristics plug in as their own Extractor.
type MetadataExtractor struct {
	// NotAvailableSelectors match elements that mean the item is not
	// offered, e.g. ".product--discontinued".
	NotAvailableSelectors []string
}

func (e MetadataExtractor) Extract(p Page) (map[string]any, error) {
	doc := p.Doc
	for _, sel := range e.NotAvailableSelectors {
		if doc.Find(sel).Length() > 0 {
			return nil, ErrNotAvailable
		}
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	desc := doc.Find("meta[name=description]").AttrOr("content", "")
	lang, _ := doc.Find("html").First().Attr("lang")
	ogTitle := doc.Find("meta[property=og:title]").AttrOr("content", "")
	ogImage := doc.Find("meta[property=og:image]").AttrOr("content", "")
	price := doc.Find("meta[property='product:price:amount']").AttrOr("content", "")
	currency := doc.Find("meta[property='product:price:currency']").AttrOr("content", "")

	canonical := doc.Find("link[rel=canonical]").AttrOr("href", "")
	sourceURL := p.URL.String()
	if canonical != "" {
		if cu, err := url.Parse(canonical); err == nil {
			sourceURL = p.URL.ResolveReference(cu).String()
		}
	}

	fields := map[string]any{
		"title":       title,
		"description": desc,
		"language":    lang,
		"ogTitle":     ogTitle,
		"ogImage":     ogImage,
		"sourceURL":   sourceURL,
		"statusCode":  p.Status,
	}
	if price != "" {
		fields["price"] = price
		fields["currency"] = currency
	}
	return fields, nil
}

var challengeSelectors = []string{
	"#challenge-form",
	"#cf-challenge-running",
	".cf-browser-verification",
	".g-recaptcha",
	".h-captcha",
	"#px-captcha",
	"iframe[src*='captcha']",
	"form[action*='captcha']",
}

var challengeTitles = []string{
	"just a moment",
	"attention required",
	"access denied",
	"are you a robot",
	"verify you are human",
	"security check",
}

// DetectChallenge reports whether doc is an anti-automation interstitial
// rather than the requested page.
func DetectChallenge(doc *goquery.Document) bool {
	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, marker := range challengeTitles {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return false
}
