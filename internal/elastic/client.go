// Package elastic wraps the backend search index behind a consecutive-failure
// circuit breaker with hard per-call deadlines.
package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"purpletrace/internal/schema"
)

// Config holds connection and breaker settings for the index client.
type Config struct {
	URL      string
	APIKey   string
	Username string
	Password string

	Index        string
	IndexPattern string

	RequestTimeout time.Duration
	MaxRetries     int
	VerifyTLS      bool

	// SendMargin is added to RequestTimeout for the hard send deadline.
	SendMargin time.Duration

	// MaxFailures consecutive connection failures open the breaker.
	MaxFailures int

	// ProbeInterval lets one call through per this many blocked calls while
	// the breaker is open. A successful probe closes the breaker again.
	ProbeInterval int

	// Transport overrides the HTTP transport; used by tests to fake the
	// backend without a network.
	Transport http.RoundTripper
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		URL:            "http://localhost:9200",
		Index:          "purple-team-logs",
		IndexPattern:   "purple-team-logs-*",
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		SendMargin:     5 * time.Second,
		MaxFailures:    5,
		ProbeInterval:  10,
	}
}

// IndexAck is the backend's acknowledgment of a document write.
type IndexAck struct {
	ID     string `json:"_id"`
	Index  string `json:"_index"`
	Result string `json:"result"`
}

// ClusterInfo is the reachability probe result for health checks.
type ClusterInfo struct {
	ClusterName string `json:"cluster_name"`
	Version     struct {
		Number string `json:"number"`
	} `json:"version"`
}

// Property is one field entry in an index mapping, with one level of nesting.
type Property struct {
	Type       string              `json:"type,omitempty"`
	Properties map[string]Property `json:"properties,omitempty"`
}

// BreakerState is a read-only snapshot of the circuit breaker.
type BreakerState struct {
	Open         bool `json:"open"`
	FailureCount int  `json:"failure_count"`
}

// Client is a breaker-wrapped backend index client. The breaker counts
// consecutive connection failures; once open it blocks sends except for a
// half-open probe every ProbeInterval blocked calls, and a single successful
// send closes it again.
type Client struct {
	es     *elasticsearch.Client
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	failureCount int
	circuitOpen  bool
	blockedCalls int

	onOpen  func()
	onClose func()
}

// NewClient creates a breaker-wrapped index client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := cfg.Transport
	if transport == nil && !cfg.VerifyTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	esCfg := elasticsearch.Config{
		Addresses:  []string{cfg.URL},
		MaxRetries: cfg.MaxRetries,
		Transport:  transport,
	}

	// API key auth is preferred; basic auth is the fallback.
	if cfg.APIKey != "" {
		esCfg.APIKey = cfg.APIKey
	} else if cfg.Username != "" && cfg.Password != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	} else {
		logger.Warn("no backend authentication configured")
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build index client: %w", err)
	}

	logger.Info("index client initialized", "url", cfg.URL, "index", cfg.Index)

	return &Client{es: es, cfg: cfg, logger: logger}, nil
}

// SetOpenHook registers a callback fired when the breaker opens.
func (c *Client) SetOpenHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

// SetCloseHook registers a callback fired when an open breaker closes again,
// whether by a successful probe or a manual reset.
func (c *Client) SetCloseHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// State returns a snapshot of the breaker.
func (c *Client) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BreakerState{Open: c.circuitOpen, FailureCount: c.failureCount}
}

// ResetBreaker force-closes the breaker. Exposed for manual intervention via
// the diagnostic API.
func (c *Client) ResetBreaker() {
	c.mu.Lock()
	var closed func()
	if c.circuitOpen {
		closed = c.onClose
	}
	c.circuitOpen = false
	c.failureCount = 0
	c.blockedCalls = 0
	c.mu.Unlock()

	if closed != nil {
		closed()
	}
}

// Index returns the configured write index name.
func (c *Client) Index() string {
	return c.cfg.Index
}

// IndexPattern returns the configured read/aggregation index pattern.
func (c *Client) IndexPattern() string {
	return c.cfg.IndexPattern
}

// allowSend decides whether a send may proceed. While the breaker is open,
// every ProbeInterval-th blocked call passes through as a half-open probe.
func (c *Client) allowSend() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.circuitOpen {
		return nil
	}

	c.blockedCalls++
	if c.blockedCalls >= c.cfg.ProbeInterval {
		c.blockedCalls = 0
		c.logger.Info("circuit open, allowing half-open probe",
			"failure_count", c.failureCount)
		return nil
	}

	return ErrCircuitOpen
}

// recordSuccess closes the breaker and clears the failure count.
func (c *Client) recordSuccess() {
	c.mu.Lock()
	var closed func()
	if c.circuitOpen {
		closed = c.onClose
		c.logger.Info("circuit breaker closed", "reason", "successful probe")
	}
	c.failureCount = 0
	c.circuitOpen = false
	c.blockedCalls = 0
	c.mu.Unlock()

	if closed != nil {
		closed()
	}
}

// recordFailure counts a connection failure and opens the breaker at the
// configured threshold.
func (c *Client) recordFailure() {
	c.mu.Lock()
	var opened func()
	if c.failureCount++; c.failureCount >= c.cfg.MaxFailures && !c.circuitOpen {
		c.circuitOpen = true
		c.blockedCalls = 0
		opened = c.onOpen
		c.logger.Error("circuit breaker opened",
			"failures", c.failureCount, "max_failures", c.cfg.MaxFailures)
	}
	c.mu.Unlock()

	if opened != nil {
		opened()
	}
}

// Send writes one tag document to the configured index under a hard deadline.
// Timeouts and transport errors count toward the breaker; a success resets it.
func (c *Client) Send(ctx context.Context, doc *schema.TagDocument) (*IndexAck, error) {
	if err := c.allowSend(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tag document: %w", err)
	}

	deadline := c.cfg.RequestTimeout + c.cfg.SendMargin
	sendCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	res, err := c.es.Index(c.cfg.Index, bytes.NewReader(body),
		c.es.Index.WithContext(sendCtx))
	if err != nil {
		c.recordFailure()
		if errors.Is(err, context.DeadlineExceeded) || sendCtx.Err() != nil {
			c.logger.Error("index send timed out", "deadline", deadline)
			return nil, fmt.Errorf("%w after %s", ErrSendTimeout, deadline)
		}
		return nil, fmt.Errorf("index send failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		if res.StatusCode >= 500 {
			c.recordFailure()
		}
		return nil, fmt.Errorf("index send rejected: status %d", res.StatusCode)
	}

	var ack IndexAck
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("failed to decode index ack: %w", err)
	}

	c.recordSuccess()
	c.logger.Info("tagged document indexed",
		"operation_id", truncateID(doc.OperationID), "doc_id", ack.ID)

	return &ack, nil
}

// Search runs a search request against the given index pattern and decodes
// the response into out.
func (c *Client) Search(ctx context.Context, index string, query []byte, size int, out any) error {
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(bytes.NewReader(query)),
		c.es.Search.WithSize(size),
		c.es.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("search rejected: status %d", res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode search response: %w", err)
	}
	return nil
}

// GetMapping fetches the field mapping for every index matching the pattern.
// The result maps index name to its top-level properties.
func (c *Client) GetMapping(ctx context.Context, index string) (map[string]map[string]Property, error) {
	res, err := c.es.Indices.GetMapping(
		c.es.Indices.GetMapping.WithContext(ctx),
		c.es.Indices.GetMapping.WithIndex(index),
		c.es.Indices.GetMapping.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, fmt.Errorf("mapping fetch failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		if res.StatusCode == http.StatusNotFound {
			return map[string]map[string]Property{}, nil
		}
		return nil, fmt.Errorf("mapping fetch rejected: status %d", res.StatusCode)
	}

	var raw map[string]struct {
		Mappings struct {
			Properties map[string]Property `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode mapping response: %w", err)
	}

	mappings := make(map[string]map[string]Property, len(raw))
	for name, entry := range raw {
		mappings[name] = entry.Mappings.Properties
	}
	return mappings, nil
}

// Ping checks backend reachability and returns cluster identity.
func (c *Client) Ping(ctx context.Context) (*ClusterInfo, error) {
	res, err := c.es.Info(c.es.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("backend unreachable: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("backend info rejected: status %d", res.StatusCode)
	}

	var info ClusterInfo
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode info response: %w", err)
	}
	return &info, nil
}

// Close releases idle transport connections.
func (c *Client) Close() {
	if t, ok := c.cfg.Transport.(*http.Transport); ok && t != nil {
		t.CloseIdleConnections()
	}
}

func truncateID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
