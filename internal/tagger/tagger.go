package tagger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"purpletrace/internal/elastic"
	"purpletrace/internal/metrics"
	"purpletrace/internal/schema"
)

// truncatedMarker is appended to a captured output stream cut at the cap.
const truncatedMarker = "[TRUNCATED]"

// Sender delivers one tag document to the backend index.
type Sender interface {
	Send(ctx context.Context, doc *schema.TagDocument) (*elastic.IndexAck, error)
}

// OutcomeKind classifies what happened to a tag request.
type OutcomeKind int

const (
	// Rejected means no document was written anywhere: the record was
	// invalid, metadata construction failed, or the fallback write failed.
	Rejected OutcomeKind = iota
	// Sent means the backend acknowledged the document.
	Sent
	// FellBack means the document landed in a local fallback file.
	FellBack
)

func (k OutcomeKind) String() string {
	switch k {
	case Sent:
		return "sent"
	case FellBack:
		return "fallback"
	default:
		return "rejected"
	}
}

// Outcome is the result of a tag call. Tagging is fire-and-forget from the
// caller's perspective: every shape of failure maps onto one of these three
// kinds instead of an error.
type Outcome struct {
	Kind   OutcomeKind
	Ack    *elastic.IndexAck
	Path   string
	Reason string
}

// Config holds tagging-service settings.
type Config struct {
	MaxConcurrent  int
	OutputCapBytes int
}

// DefaultConfig returns the default tagging-service configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  5,
		OutputCapBytes: 10 * 1024,
	}
}

// Service orchestrates build, sanitize and delivery for tag requests. A
// counting limiter bounds in-flight tags; it imposes no ordering between
// concurrent calls.
type Service struct {
	sender  Sender
	store   *FallbackStore
	cfg     Config
	limiter chan struct{}
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a tagging service. sender may be nil when no backend
// client could be configured; every tag then goes straight to fallback.
func NewService(sender Sender, store *FallbackStore, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.OutputCapBytes <= 0 {
		cfg.OutputCapBytes = 10 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Service{
		sender:  sender,
		store:   store,
		cfg:     cfg,
		limiter: make(chan struct{}, cfg.MaxConcurrent),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Tag builds, sanitizes and delivers a tag document for an operation.
// Validation failures and backend errors never escape to the caller; the
// Outcome says what happened.
func (s *Service) Tag(ctx context.Context, op *schema.Operation) Outcome {
	if err := s.acquire(ctx); err != nil {
		return s.reject("tag cancelled before start", err)
	}
	defer s.release()

	if op == nil {
		return s.reject("tag called with nil operation", nil)
	}
	if !schema.ValidOperationID(op.ID) {
		return s.reject(fmt.Sprintf("invalid operation id format: %.16s", op.ID), nil)
	}

	doc, err := s.buildSafely(func() *schema.TagDocument {
		return Sanitize(BuildDocument(op, s.now()))
	})
	if err != nil {
		return s.reject("failed to build metadata", err)
	}

	return s.deliver(ctx, doc)
}

// TagStep tags a single executed link, attaching executor, platform, status
// label and capped captured output. Output retrieval is best-effort: a
// missing or unreadable output file degrades to empty streams.
func (s *Service) TagStep(ctx context.Context, link *schema.Link, op *schema.Operation) Outcome {
	if err := s.acquire(ctx); err != nil {
		return s.reject("step tag cancelled before start", err)
	}
	defer s.release()

	if link == nil || op == nil {
		return s.reject("step tag called with nil link or operation", nil)
	}
	if !schema.ValidOperationID(op.ID) {
		return s.reject(fmt.Sprintf("invalid operation id format: %.16s", op.ID), nil)
	}

	stdout, stderr := s.readOutput(link)

	doc, err := s.buildSafely(func() *schema.TagDocument {
		return Sanitize(BuildStepDocument(link, op, stdout, stderr, s.now()))
	})
	if err != nil {
		return s.reject("failed to build step metadata", err)
	}

	return s.deliver(ctx, doc)
}

// deliver tries the backend first and falls back to a local file. Backend
// errors (breaker open included) are logged, never propagated.
func (s *Service) deliver(ctx context.Context, doc *schema.TagDocument) Outcome {
	if s.sender != nil {
		ack, err := s.sender.Send(ctx, doc)
		if err == nil {
			s.metrics.TagsSent.Inc()
			return Outcome{Kind: Sent, Ack: ack}
		}
		s.logger.Error("backend send failed, using fallback",
			"operation_id", doc.OperationID, "error", err)
	}

	path, err := s.store.Persist(doc, s.now())
	if err != nil {
		s.metrics.FallbackWriteErr.Inc()
		return s.reject("fallback write failed", err)
	}

	s.metrics.TagsFellBack.Inc()
	return Outcome{Kind: FellBack, Path: path}
}

// buildSafely runs the pure build+sanitize step, converting a panic from a
// malformed record into an error instead of crashing the caller.
func (s *Service) buildSafely(build func() *schema.TagDocument) (doc *schema.TagDocument, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("metadata construction panicked: %v", r)
		}
	}()
	return build(), nil
}

// readOutput loads the captured output bundle for a link, capping each
// stream. Any failure yields empty output rather than aborting the tag.
func (s *Service) readOutput(link *schema.Link) (stdout, stderr string) {
	if link.OutputPath == "" {
		return "", ""
	}

	data, err := os.ReadFile(link.OutputPath)
	if err != nil {
		s.logger.Warn("could not read link output", "link_id", link.ID, "error", err)
		return "", ""
	}

	var bundle struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		s.logger.Warn("could not parse link output", "link_id", link.ID, "error", err)
		return "", ""
	}

	return capOutput(bundle.Stdout, s.cfg.OutputCapBytes), capOutput(bundle.Stderr, s.cfg.OutputCapBytes)
}

func capOutput(stream string, limit int) string {
	if len(stream) <= limit {
		return stream
	}
	return stream[:limit] + truncatedMarker
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() {
	<-s.limiter
}

func (s *Service) reject(reason string, err error) Outcome {
	if err != nil {
		s.logger.Warn(reason, "error", err)
	} else {
		s.logger.Warn(reason)
	}
	s.metrics.TagsRejected.Inc()
	return Outcome{Kind: Rejected, Reason: reason}
}
