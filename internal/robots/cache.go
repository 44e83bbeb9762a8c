package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/pmc-harvester/internal/metrics"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultMaxBytes = 1 << 20
)

// CacheConfig configures robots.txt retrieval.
type CacheConfig struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
	// Client overrides the HTTP client; its transport is wrapped with the
	// robots retry transport.
	Client *http.Client
}

// Cache stores one Policy per origin. It is safe for concurrent use and
// issues at most one robots.txt request per origin.
type Cache struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	maxBytes  int64
	logger    *zap.Logger

	mu       sync.RWMutex
	policies map[string]*Policy
	group    singleflight.Group
	fetches  atomic.Int64
}

// NewCache builds an empty Cache.
func NewCache(cfg CacheConfig, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	base := http.DefaultTransport
	if cfg.Client != nil && cfg.Client.Transport != nil {
		base = cfg.Client.Transport
	}
	return &Cache{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &retryTransport{base: base},
		},
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		maxBytes:  cfg.MaxBytes,
		logger:    logger,
		policies:  make(map[string]*Policy),
	}
}

// UserAgent returns the crawler identity policies are checked against.
func (c *Cache) UserAgent() string {
	return c.userAgent
}

// Fetches returns how many robots.txt requests the cache has issued.
func (c *Cache) Fetches() int64 {
	return c.fetches.Load()
}

// Policy returns the policy for origin, fetching robots.txt on first use.
// origin is normalized the same way Allowed keys URLs, so any spelling of
// one origin shares a single fetch. It never fails: an unreachable
// robots.txt yields a permit-all policy.
func (c *Cache) Policy(ctx context.Context, origin string) *Policy {
	origin = normalizeOrigin(origin)
	if p, ok := c.lookup(origin); ok {
		return p
	}
	v, _, _ := c.group.Do(origin, func() (any, error) {
		if p, ok := c.lookup(origin); ok {
			return p, nil
		}
		// The fetch outlives any single caller so a canceled request cannot
		// poison the cache for the others sharing it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		p := c.load(fetchCtx, origin)
		c.mu.Lock()
		c.policies[origin] = p
		c.mu.Unlock()
		return p, nil
	})
	policy, ok := v.(*Policy)
	if !ok {
		return permitAll(origin)
	}
	return policy
}

// Allowed checks rawURL against its origin's policy.
func (c *Cache) Allowed(ctx context.Context, rawURL string) (bool, error) {
	origin, pathQuery, err := target(rawURL)
	if err != nil {
		return false, err
	}
	allowed := c.Policy(ctx, origin).Allows(c.userAgent, pathQuery)
	metrics.ObserveRobotsDecision(rawURL, allowed)
	return allowed, nil
}

func (c *Cache) lookup(origin string) (*Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[origin]
	return p, ok
}

func (c *Cache) load(ctx context.Context, origin string) *Policy {
	c.fetches.Add(1)
	data, err := c.fetch(ctx, origin)
	if err != nil {
		metrics.ObserveRobotsFetch(origin, "fallback")
		c.logger.Warn("robots fetch failed; allowing access",
			zap.String("origin", origin), zap.Error(err))
		return permitAll(origin)
	}
	metrics.ObserveRobotsFetch(origin, "ok")
	return &Policy{origin: origin, data: data}
}

func (c *Cache) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch robots: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
