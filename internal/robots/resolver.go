package robots

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrPolicyDenied is returned when robots.txt disallows the resolved URL.
var ErrPolicyDenied = errors.New("robots policy denies url")

// Decision is the outcome of resolving and checking one link.
type Decision struct {
	URL        string
	FinalURL   string
	StatusCode int
	Allowed    bool
}

// Err maps a denied decision to ErrPolicyDenied.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%s: %w", d.FinalURL, ErrPolicyDenied)
}

// ResolverConfig configures the redirect-following request.
type ResolverConfig struct {
	Timeout time.Duration
	Client  *http.Client
}

// Resolver follows redirects for a link and checks the landed URL against
// the robots Cache.
type Resolver struct {
	client *http.Client
	cache  *Cache
	logger *zap.Logger
}

// NewResolver builds a Resolver sharing cache for its permission checks.
func NewResolver(cfg ResolverConfig, cache *Cache, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Resolver{client: client, cache: cache, logger: logger}
}

// Cache returns the policy cache backing the resolver.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// ResolveAndCheck issues one GET that follows redirects to completion, then
// asks the Cache whether the final URL may be fetched. The response body is
// closed unread. A transport failure is returned as an error with Allowed
// false; callers treat both the same way.
func (r *Resolver) ResolveAndCheck(ctx context.Context, rawURL string) (Decision, error) {
	decision := Decision{URL: rawURL}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return decision, fmt.Errorf("new resolve request: %w", err)
	}
	req.Header.Set("User-Agent", r.cache.UserAgent())
	resp, err := r.client.Do(req)
	if err != nil {
		return decision, fmt.Errorf("resolve %s: %w", rawURL, err)
	}
	if cerr := resp.Body.Close(); cerr != nil {
		r.logger.Debug("Failed to close resolve response body", zap.Error(cerr))
	}
	decision.StatusCode = resp.StatusCode
	decision.FinalURL = rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		decision.FinalURL = resp.Request.URL.String()
	}

	allowed, err := r.cache.Allowed(ctx, decision.FinalURL)
	if err != nil {
		return decision, fmt.Errorf("check %s: %w", decision.FinalURL, err)
	}
	decision.Allowed = allowed
	if !allowed {
		r.logger.Info("robots policy denies url",
			zap.String("url", rawURL), zap.String("final_url", decision.FinalURL))
	}
	return decision, nil
}
