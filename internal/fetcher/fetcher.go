// Package fetcher correlates tagged operations with SIEM detection events,
// producing per-technique verdicts with a strict availability contract: a
// fetch never fails its caller, it returns an unavailable result instead.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	perrors "purpletrace/internal/errors"
	"purpletrace/internal/metrics"
	"purpletrace/internal/schema"
)

// noRuleFired is the placeholder when a technique has no matching rule name.
const noRuleFired = "No rule fired"

const (
	statusTermsCap = 10
	ruleTermsCap   = 3
)

// Backend is the slice of the index client the fetcher needs.
type Backend interface {
	MappingClient
	Search(ctx context.Context, index string, query []byte, size int, out any) error
	IndexPattern() string
}

// FieldPaths holds the dotted field paths the aggregation keys on.
type FieldPaths struct {
	OperationID     string
	Technique       string
	DetectionStatus string
	RuleName        string
}

// DefaultFieldPaths returns the documented default purple.* paths.
func DefaultFieldPaths() FieldPaths {
	return FieldPaths{
		OperationID:     schema.DefaultOperationIDField,
		Technique:       schema.DefaultTechniqueField,
		DetectionStatus: schema.DefaultDetectionStatusField,
		RuleName:        schema.DefaultRuleNameField,
	}
}

// requiredPaths lists the soft-checked mapping paths.
func (f FieldPaths) requiredPaths() []string {
	return []string{f.OperationID, f.Technique, f.DetectionStatus}
}

// TechniqueDetection is the correlation outcome for one technique.
type TechniqueDetection struct {
	Status     schema.Verdict `json:"status"`
	RuleName   string         `json:"rule_name"`
	RuleNames  []string       `json:"rule_names"`
	AlertCount int            `json:"alert_count"`
}

// Summary aggregates verdicts across techniques.
type Summary struct {
	Detected        int     `json:"detected"`
	Evaded          int     `json:"evaded"`
	Pending         int     `json:"pending"`
	CoveragePercent float64 `json:"coverage_percent"`
}

// Result is the detection-data outcome. When Available is false, Reason is a
// stable machine-readable explanation and Techniques is empty; callers must
// treat that as a first-class outcome, not a failure.
type Result struct {
	Available   bool                          `json:"available"`
	Reason      string                        `json:"reason,omitempty"`
	Techniques  map[string]TechniqueDetection `json:"techniques"`
	TotalEvents int                           `json:"total_events"`
	Summary     Summary                       `json:"summary"`
	QueriedAt   string                        `json:"queried_at,omitempty"`
}

// Config holds fetcher settings.
type Config struct {
	// MaxTechniques caps technique buckets per aggregation query.
	MaxTechniques int
	Fields        FieldPaths
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxTechniques: 100,
		Fields:        DefaultFieldPaths(),
	}
}

// Fetcher queries the backend for detection correlation data.
type Fetcher struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a detection fetcher. backend may be nil when no client could
// be configured; fetches then return an unavailable result.
func New(backend Backend, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	if cfg.MaxTechniques <= 0 {
		cfg.MaxTechniques = 100
	}
	if cfg.Fields == (FieldPaths{}) {
		cfg.Fields = DefaultFieldPaths()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Fetcher{backend: backend, cfg: cfg, logger: logger, metrics: m, now: time.Now}
}

// searchResponse mirrors the slice of the aggregation response we consume.
type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
	} `json:"hits"`
	Aggregations struct {
		Techniques struct {
			Buckets []techniqueBucket `json:"buckets"`
		} `json:"techniques"`
	} `json:"aggregations"`
}

type techniqueBucket struct {
	Key             string      `json:"key"`
	DocCount        int         `json:"doc_count"`
	DetectionStatus termBuckets `json:"detection_status"`
	RuleNames       termBuckets `json:"rule_names"`
}

type termBuckets struct {
	Buckets []struct {
		Key      string `json:"key"`
		DocCount int    `json:"doc_count"`
	} `json:"buckets"`
}

// GetDetectionData fetches per-technique detection verdicts for a set of
// operations. Invalid ids are silently dropped; the call fails (as an
// unavailable result) only when none survive. Transport cleanup is handled
// inside the client on every exit path.
func (f *Fetcher) GetDetectionData(ctx context.Context, operationIDs []string) Result {
	f.metrics.FetchRequests.Inc()

	validated := make([]string, 0, len(operationIDs))
	for _, id := range operationIDs {
		if !schema.ValidOperationID(id) {
			f.logger.Warn("dropping invalid operation id", "id", perrors.Truncate(id, 16))
			continue
		}
		validated = append(validated, id)
	}
	if len(validated) == 0 {
		f.logger.Error("no valid operation ids after validation")
		return f.unavailable("Invalid operation IDs")
	}

	if f.backend == nil {
		return f.unavailable("backend client not configured")
	}

	// Schema drift is loud but non-fatal: availability wins over strict
	// pre-flight enforcement, the query may just come back empty.
	if err := ValidateSchema(ctx, f.backend, f.backend.IndexPattern(), f.cfg.Fields.requiredPaths()); err != nil {
		if drift, ok := err.(*DriftError); ok {
			f.metrics.SchemaDrift.Inc()
			f.logger.Error("index schema drift detected",
				"index", drift.Index, "missing", strings.Join(drift.Missing, ","))
		} else {
			f.logger.Warn("schema validation skipped", "error", err)
		}
	}

	query, err := f.buildQuery(validated)
	if err != nil {
		return f.unavailable(perrors.Reason("Query failed", err))
	}

	var resp searchResponse
	if err := f.backend.Search(ctx, f.backend.IndexPattern(), query, 0, &resp); err != nil {
		f.logger.Warn("backend search failed", "error", err)
		return f.unavailable(perrors.Reason("Connection failed", err))
	}

	result := f.parseResponse(&resp)
	f.logger.Info("fetched detection data",
		"techniques", len(result.Techniques),
		"operations", len(validated),
		"events", result.TotalEvents)
	return result
}

// buildQuery builds the zero-hit aggregation query scoped to the validated
// operation ids: technique buckets with detection-status and rule-name
// sub-aggregations.
func (f *Fetcher) buildQuery(operationIDs []string) ([]byte, error) {
	keyword := func(field string) string { return field + ".keyword" }

	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"terms": map[string]any{keyword(f.cfg.Fields.OperationID): operationIDs}},
					map[string]any{"exists": map[string]any{"field": f.cfg.Fields.Technique}},
				},
			},
		},
		"aggs": map[string]any{
			"techniques": map[string]any{
				"terms": map[string]any{
					"field": keyword(f.cfg.Fields.Technique),
					"size":  f.cfg.MaxTechniques,
				},
				"aggs": map[string]any{
					"detection_status": map[string]any{
						"terms": map[string]any{
							"field": keyword(f.cfg.Fields.DetectionStatus),
							"size":  statusTermsCap,
						},
					},
					"rule_names": map[string]any{
						"terms": map[string]any{
							"field": keyword(f.cfg.Fields.RuleName),
							"size":  ruleTermsCap,
						},
					},
				},
			},
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}
	return data, nil
}

// parseResponse turns aggregation buckets into the technique verdict map.
func (f *Fetcher) parseResponse(resp *searchResponse) Result {
	techniques := make(map[string]TechniqueDetection, len(resp.Aggregations.Techniques.Buckets))
	var summary Summary

	for _, bucket := range resp.Aggregations.Techniques.Buckets {
		if bucket.Key == "" {
			continue
		}

		verdict := classifyVerdict(bucket.DetectionStatus)

		ruleNames := make([]string, 0, ruleTermsCap)
		for _, rb := range bucket.RuleNames.Buckets {
			if len(ruleNames) == ruleTermsCap {
				break
			}
			ruleNames = append(ruleNames, rb.Key)
		}
		ruleName := noRuleFired
		if len(ruleNames) > 0 {
			ruleName = ruleNames[0]
		}

		techniques[bucket.Key] = TechniqueDetection{
			Status:     verdict,
			RuleName:   ruleName,
			RuleNames:  ruleNames,
			AlertCount: bucket.DocCount,
		}

		switch verdict {
		case schema.VerdictDetected:
			summary.Detected++
		case schema.VerdictEvaded:
			summary.Evaded++
		default:
			summary.Pending++
		}
	}

	if len(techniques) > 0 {
		summary.CoveragePercent = round1(float64(summary.Detected) / float64(len(techniques)) * 100)
	}

	return Result{
		Available:   true,
		Techniques:  techniques,
		TotalEvents: resp.Hits.Total.Value,
		Summary:     summary,
		QueriedAt:   schema.NewTimestamp(f.now()),
	}
}

// classifyVerdict applies the precedence detected > evaded > pending: any
// confirmed detection counts, evasion only matters if never detected.
func classifyVerdict(statuses termBuckets) schema.Verdict {
	evaded := false
	for _, b := range statuses.Buckets {
		if strings.EqualFold(b.Key, string(schema.VerdictDetected)) {
			return schema.VerdictDetected
		}
		if strings.EqualFold(b.Key, string(schema.VerdictEvaded)) {
			evaded = true
		}
	}
	if evaded {
		return schema.VerdictEvaded
	}
	return schema.VerdictPending
}

func (f *Fetcher) unavailable(reason string) Result {
	f.metrics.FetchFailures.Inc()
	return Result{
		Available:  false,
		Reason:     reason,
		Techniques: map[string]TechniqueDetection{},
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
