// Package fetch performs one fetch-and-extract for one item identifier
// against the external source and classifies what went wrong when it
// does not produce a record.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Record is the structured result of a successful fetch.
type Record struct {
	Identifier string         `json:"identifier"`
	URL        string         `json:"url"`
	Status     int            `json:"status"`
	Engine     string         `json:"engine"`
	Fields     map[string]any `json:"fields,omitempty"`
	Markdown   string         `json:"markdown,omitempty"`
	FetchedAt  time.Time      `json:"fetchedAt"`
}

// Fetcher defines the interface for item fetchers.
type Fetcher interface {
	Fetch(ctx context.Context, identifier string) (*Record, error)
}

// Kind classifies a failed fetch.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindServer      Kind = "server"
	KindRateLimited Kind = "rate_limited"
	KindBlocked     Kind = "blocked"
	KindChallenge   Kind = "challenge"
	KindNotFound    Kind = "not_found"
	KindDisallowed  Kind = "disallowed"
)

// Throttle reports whether the source is pushing back on the fetch
// strategy rather than rejecting the item.
func (k Kind) Throttle() bool {
	switch k {
	case KindRateLimited, KindBlocked, KindChallenge:
		return true
	}
	return false
}

// NotAvailable reports whether the item itself cannot be fetched, so
// retrying is pointless.
func (k Kind) NotAvailable() bool {
	return k == KindNotFound || k == KindDisallowed
}

// ErrNotAvailable is returned by extractors when the page exists but the
// item is not offered.
var ErrNotAvailable = errors.New("item not available")

// Error is a classified fetch failure.
type Error struct {
	Kind       Kind
	Identifier string
	Status     int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err. Unclassified errors count as
// network failures so they are retried.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrNotAvailable) {
		return KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// ClassifyStatus maps an HTTP status to a failure kind. ok is true for
// statuses that carry a usable document.
func ClassifyStatus(code int) (Kind, bool) {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return KindNotFound, false
	case code == http.StatusTooManyRequests:
		return KindRateLimited, false
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return KindBlocked, false
	case code == http.StatusRequestTimeout:
		return KindTimeout, false
	case code == http.StatusTooEarly:
		return KindRateLimited, false
	case code >= 500:
		return KindServer, false
	case code >= 400:
		return KindNotFound, false
	}
	return "", true
}

// BuildURL substitutes the escaped identifier into template's {id}
// placeholder.
func BuildURL(template, identifier string) (*url.URL, error) {
	raw := strings.ReplaceAll(template, "{id}", url.PathEscape(identifier))
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	return url.Parse(raw)
}

func transportError(identifier string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := KindNetwork
	if KindOf(err) == KindTimeout {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Identifier: identifier, Err: err}
}
