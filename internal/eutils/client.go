package eutils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/metrics"
	"github.com/JakeFAU/pmc-harvester/internal/policy/ratelimit"
)

const (
	// DefaultBaseURL is the public E-utilities endpoint.
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	// DefaultDatabase is PubMed Central.
	DefaultDatabase = "pmc"

	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 64 << 20
)

// Config holds client settings. ToolName and Email identify the caller to
// NCBI; APIKey raises the allowed request rate.
type Config struct {
	BaseURL    string
	ToolName   string
	Email      string
	APIKey     string
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
	// MaxBodyBytes caps a response body; larger bodies are an error.
	MaxBodyBytes int64
}

// Client issues esearch, esummary, and efetch calls.
type Client struct {
	baseURL string
	tool    string
	email   string
	apiKey  string
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	maxBody int64
}

// New validates cfg and builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse eutils base url: %w", err)
	}
	if cfg.ToolName == "" {
		return nil, errors.New("eutils tool name is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: base,
		tool:    cfg.ToolName,
		email:   cfg.Email,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RateLimit, DefaultBurst: cfg.Burst}),
		logger:  logger,
		maxBody: maxBody,
	}, nil
}

// OpenContext runs esearch for query and returns the history handle. A
// failure here is fatal for the harvest, so missing history state is an
// error rather than an empty context.
func (c *Client) OpenContext(ctx context.Context, query, database string) (SearchContext, error) {
	if database == "" {
		database = DefaultDatabase
	}
	params := url.Values{}
	params.Set("db", database)
	params.Set("term", query)
	params.Set("retmode", "json")
	params.Set("usehistory", "y")
	params.Set("retmax", "0")

	body, err := c.get(ctx, "esearch", params, query, 0)
	if err != nil {
		return SearchContext{}, err
	}

	var resp esearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SearchContext{}, &TransportError{
			Query: query, Stage: "esearch",
			Err: &MalformedResponseError{Query: query, Stage: "esearch", Err: err},
		}
	}
	res := resp.Result
	if res.WebEnv == "" || res.QueryKey == "" {
		cause := ErrMissingHistory
		if res.Error != "" {
			cause = fmt.Errorf("%w: %s", ErrMissingHistory, res.Error)
		}
		return SearchContext{}, &TransportError{Query: query, Stage: "esearch", Err: cause}
	}
	count, err := strconv.Atoi(strings.TrimSpace(res.Count))
	if err != nil {
		return SearchContext{}, &TransportError{
			Query: query, Stage: "esearch",
			Err: &MalformedResponseError{Query: query, Stage: "esearch", Err: fmt.Errorf("count %q: %w", res.Count, err)},
		}
	}
	return SearchContext{
		WebEnv:   res.WebEnv,
		QueryKey: res.QueryKey,
		Count:    count,
		Query:    query,
		Database: database,
	}, nil
}

// FetchSummaries retrieves one window of esummary entries. A result block
// that is absent yields an empty page; an undecodable one yields an empty
// page and a *MalformedResponseError.
func (c *Client) FetchSummaries(ctx context.Context, sc SearchContext, offset, window int) (SummaryPage, error) {
	params := c.pageParams(sc, offset, window)
	params.Set("retmode", "json")

	body, err := c.get(ctx, "esummary", params, sc.Query, offset)
	if err != nil {
		return SummaryPage{}, err
	}
	page, err := decodeSummaries(body)
	if err != nil {
		return SummaryPage{}, &MalformedResponseError{Query: sc.Query, Stage: "esummary", Offset: offset, Err: err}
	}
	return page, nil
}

// FetchDocuments retrieves one window of full-text XML.
func (c *Client) FetchDocuments(ctx context.Context, sc SearchContext, offset, window int) (DocumentPage, error) {
	params := c.pageParams(sc, offset, window)
	params.Set("retmode", "xml")

	body, err := c.get(ctx, "efetch", params, sc.Query, offset)
	if err != nil {
		return DocumentPage{}, err
	}
	return DocumentPage{Body: body}, nil
}

func (c *Client) pageParams(sc SearchContext, offset, window int) url.Values {
	db := sc.Database
	if db == "" {
		db = DefaultDatabase
	}
	params := url.Values{}
	params.Set("db", db)
	params.Set("WebEnv", sc.WebEnv)
	params.Set("query_key", sc.QueryKey)
	params.Set("retstart", strconv.Itoa(offset))
	params.Set("retmax", strconv.Itoa(window))
	return params
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, query string, offset int) ([]byte, error) {
	params.Set("tool", c.tool)
	if c.email != "" {
		params.Set("email", c.email)
	}
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	target := c.baseURL + "/" + endpoint + ".fcgi?" + params.Encode()

	if err := c.limiter.Wait(ctx, target); err != nil {
		return nil, &TransportError{Query: query, Stage: endpoint, Offset: offset, Err: err}
	}

	start := time.Now()
	defer func() { metrics.ObserveEUtilsRequest(endpoint, time.Since(start)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{Query: query, Stage: endpoint, Offset: offset, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Query: query, Stage: endpoint, Offset: offset, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close eutils response body", zap.String("endpoint", endpoint), zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &TransportError{
			Query: query, Stage: endpoint, Offset: offset, Status: resp.StatusCode,
			Err: fmt.Errorf("unexpected status: %s", bytes.TrimSpace(snippet)),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, &TransportError{Query: query, Stage: endpoint, Offset: offset, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > c.maxBody {
		return nil, &TransportError{
			Query: query, Stage: endpoint, Offset: offset,
			Err: fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBody),
		}
	}
	c.logger.Debug("eutils request complete",
		zap.String("endpoint", endpoint),
		zap.String("query", query),
		zap.Int("offset", offset),
		zap.Int("bytes", len(body)),
	)
	return body, nil
}

func decodeSummaries(body []byte) (SummaryPage, error) {
	var envelope struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return SummaryPage{}, fmt.Errorf("decode esummary: %w", err)
	}
	if len(envelope.Result) == 0 {
		return SummaryPage{}, nil
	}
	var uids []string
	if raw, ok := envelope.Result["uids"]; ok {
		if err := json.Unmarshal(raw, &uids); err != nil {
			return SummaryPage{}, fmt.Errorf("decode esummary uids: %w", err)
		}
	}
	page := SummaryPage{Summaries: make([]Summary, 0, len(uids))}
	for _, uid := range uids {
		raw, ok := envelope.Result[uid]
		if !ok {
			continue
		}
		var attrs map[string]any
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return SummaryPage{}, fmt.Errorf("decode esummary entry %s: %w", uid, err)
		}
		page.Summaries = append(page.Summaries, Summary{UID: uid, Attributes: attrs})
	}
	return page, nil
}
