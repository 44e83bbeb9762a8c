// Package download fetches supplementary article exports from publisher
// landing pages. Every link is resolved through its redirects and checked
// against the landed origin's robots policy before it is fetched.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/hash/sha256"
	"github.com/JakeFAU/pmc-harvester/internal/metrics"
	"github.com/JakeFAU/pmc-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/pmc-harvester/internal/robots"
	"github.com/JakeFAU/pmc-harvester/internal/storage"
)

// Link selectors on the landing page.
const (
	XMLSelector    = `a[aria-label="Download XML"]`
	BibTeXSelector = `a[aria-label="Export metadata in BibTeX"]`
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 64 << 20
	maxPageBytes    = 8 << 20
)

// Resolver resolves a link and checks it against robots policy.
type Resolver interface {
	ResolveAndCheck(ctx context.Context, rawURL string) (robots.Decision, error)
}

// Config controls the downloader.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBytes caps each export; a larger body fails with ErrTooLarge.
	MaxBytes  int64
	// Transport overrides the HTTP transport for page and file requests.
	Transport http.RoundTripper
}

// ErrTooLarge is returned when an export is larger than Config.MaxBytes.
var ErrTooLarge = errors.New("export exceeds size limit")

// File is one stored export.
type File struct {
	Kind string
	URL  string
	Path string
	URI  string

	// SHA256 is the hex digest of the stored bytes.
	SHA256 string
	Size   int64
}

// Result describes one landing page.
type Result struct {
	Landing  string
	FinalURL string
	Allowed  bool
	Files    []File
	// Denied lists links the robots policy refused.
	Denied []string
}

// Downloader scrapes landing pages and stores their exports.
type Downloader struct {
	cfg      Config
	resolver Resolver
	blobs    storage.BlobStore
	limiter  *ratelimit.Limiter
	client   *http.Client
	logger   *zap.Logger
}

// New builds a Downloader. limiter may be nil.
func New(cfg Config, resolver Resolver, blobs storage.BlobStore, limiter *ratelimit.Limiter, logger *zap.Logger) (*Downloader, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Transport != nil {
		client.Transport = cfg.Transport
	}
	return &Downloader{
		cfg:      cfg,
		resolver: resolver,
		blobs:    blobs,
		limiter:  limiter,
		client:   client,
		logger:   logger,
	}, nil
}

// Article resolves and checks landing, scrapes its export links and stores
// every permitted export. A denied landing page is not an error; the result
// reports Allowed false.
func (d *Downloader) Article(ctx context.Context, landing string) (Result, error) {
	res := Result{Landing: landing}
	decision, err := d.resolver.ResolveAndCheck(ctx, landing)
	if err != nil {
		metrics.ObserveDownload("landing", "error")
		return res, fmt.Errorf("resolve landing page: %w", err)
	}
	res.FinalURL = decision.FinalURL
	if err := decision.Err(); err != nil {
		metrics.ObserveDownload("landing", "denied")
		d.logger.Info("Landing page denied by robots policy", zap.String("url", landing), zap.Error(err))
		return res, nil
	}
	res.Allowed = true

	links, err := d.scrape(ctx, decision.FinalURL)
	if err != nil {
		metrics.ObserveDownload("landing", "error")
		return res, err
	}
	metrics.ObserveDownload("landing", "ok")

	names := map[string]func(string) (string, error){KindXML: XMLName, KindBibTeX: BibTeXName}
	contentTypes := map[string]string{KindXML: "application/xml", KindBibTeX: "application/x-bibtex"}
	for _, kind := range []string{KindXML, KindBibTeX} {
		name, err := names[kind](landing)
		if err != nil {
			return res, err
		}
		for _, link := range links[kind] {
			file, err := d.fetchExport(ctx, kind, link, name, contentTypes[kind])
			if errors.Is(err, robots.ErrPolicyDenied) {
				metrics.ObserveDownload(kind, "denied")
				res.Denied = append(res.Denied, link)
				continue
			}
			if err != nil {
				metrics.ObserveDownload(kind, "error")
				d.logger.Warn("Export download failed", zap.String("kind", kind), zap.String("url", link), zap.Error(err))
				continue
			}
			metrics.ObserveDownload(kind, "ok")
			res.Files = append(res.Files, file)
		}
	}
	return res, nil
}

// scrape collects absolute export links from the landing page.
func (d *Downloader) scrape(ctx context.Context, pageURL string) (map[string][]string, error) {
	c := colly.NewCollector(colly.UserAgent(d.cfg.UserAgent))
	c.IgnoreRobotsTxt = true
	c.MaxBodySize = maxPageBytes
	c.SetRequestTimeout(d.cfg.Timeout)
	if d.cfg.Transport != nil {
		c.WithTransport(d.cfg.Transport)
	}

	links := make(map[string][]string)
	var visitErr error
	c.OnHTML(XMLSelector, func(e *colly.HTMLElement) {
		if href := e.Request.AbsoluteURL(e.Attr("href")); href != "" {
			links[KindXML] = append(links[KindXML], href)
		}
	})
	c.OnHTML(BibTeXSelector, func(e *colly.HTMLElement) {
		if href := e.Request.AbsoluteURL(e.Attr("href")); href != "" {
			links[KindBibTeX] = append(links[KindBibTeX], href)
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		visitErr = err
	})

	if err := d.limiter.Wait(ctx, pageURL); err != nil {
		return nil, fmt.Errorf("wait for %s: %w", pageURL, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("scrape canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", pageURL, err)
		}
		if visitErr != nil {
			return nil, fmt.Errorf("visit %s: %w", pageURL, visitErr)
		}
	}
	return links, nil
}

func (d *Downloader) fetchExport(ctx context.Context, kind, link, name, contentType string) (File, error) {
	decision, err := d.resolver.ResolveAndCheck(ctx, link)
	if err != nil {
		return File{}, err
	}
	if err := decision.Err(); err != nil {
		return File{}, err
	}
	if err := d.limiter.Wait(ctx, decision.FinalURL); err != nil {
		return File{}, fmt.Errorf("wait for %s: %w", decision.FinalURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, decision.FinalURL, nil)
	if err != nil {
		return File{}, fmt.Errorf("new request: %w", err)
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("get %s: %w", decision.FinalURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return File{}, fmt.Errorf("get %s: status %d", decision.FinalURL, resp.StatusCode)
	}
	body := sha256.NewReader(&cappedReader{r: io.LimitReader(resp.Body, d.cfg.MaxBytes+1), max: d.cfg.MaxBytes})
	uri, err := d.blobs.PutObject(ctx, name, contentType, body)
	if err != nil {
		return File{}, fmt.Errorf("store %s: %w", name, err)
	}
	d.logger.Info("Downloaded export",
		zap.String("kind", kind),
		zap.String("url", decision.FinalURL),
		zap.String("uri", uri),
		zap.String("sha256", body.Digest()),
	)
	return File{
		Kind:   kind,
		URL:    decision.FinalURL,
		Path:   name,
		URI:    uri,
		SHA256: body.Digest(),
		Size:   body.Size(),
	}, nil
}

// cappedReader fails once more than max bytes have been read, so an
// oversized export is never stored truncated.
type cappedReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.max {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.max)
	}
	return n, err
}
