package fetch

import (
	"sync"

	"harvest/internal/config"
)

// Identity is the set of request headers presented to the source.
type Identity struct {
	UserAgent      string
	AcceptLanguage string
	Headers        map[string]string
}

// IdentityProvider picks the identity for the next outbound request.
type IdentityProvider interface {
	Next() Identity
}

var defaultIdentities = []Identity{
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
	},
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
		AcceptLanguage: "en-GB,en;q=0.8",
	},
	{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64; rv:130.0) Gecko/20100101 Firefox/130.0",
		AcceptLanguage: "en-US,en;q=0.7",
	},
}

// RotatingIdentities cycles through a fixed list round-robin.
type RotatingIdentities struct {
	mu   sync.Mutex
	list []Identity
	next int
}

// NewRotatingIdentities falls back to a small built-in list when list is
// empty.
func NewRotatingIdentities(list []Identity) *RotatingIdentities {
	if len(list) == 0 {
		list = defaultIdentities
	}
	return &RotatingIdentities{list: append([]Identity(nil), list...)}
}

// IdentitiesFromConfig converts the YAML identity list.
func IdentitiesFromConfig(cfgs []config.IdentityConfig) *RotatingIdentities {
	list := make([]Identity, 0, len(cfgs))
	for _, c := range cfgs {
		if c.UserAgent == "" {
			continue
		}
		list = append(list, Identity{UserAgent: c.UserAgent, AcceptLanguage: c.AcceptLanguage, Headers: c.Headers})
	}
	return NewRotatingIdentities(list)
}

func (r *RotatingIdentities) Next() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.list[r.next%len(r.list)]
	r.next++
	return id
}
