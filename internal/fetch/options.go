package fetch

import (
	"fmt"
	"time"

	"harvest/internal/config"
)

// NewFromConfig builds the fetcher selected by fetcher.engine.
func NewFromConfig(cfg config.FetcherConfig) (Fetcher, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	identities := IdentitiesFromConfig(cfg.Identities)

	var robots *RobotsPolicy
	if cfg.RespectRobots {
		robots = NewRobotsPolicy(timeout)
	}

	switch cfg.Engine {
	case "", "http":
		return NewHTTPFetcher(HTTPOptions{
			URLTemplate: cfg.URLTemplate,
			Timeout:     timeout,
			Identities:  identities,
			Robots:      robots,
		}), nil
	case "browser":
		f := NewRodFetcher(cfg.BrowserURL, timeout, cfg.URLTemplate)
		f.Identities = identities
		f.Robots = robots
		return f, nil
	}
	return nil, fmt.Errorf("unknown fetcher engine %q", cfg.Engine)
}
