// Package orchestrator subscribes the tagging core to operation lifecycle
// events. Handler failures are always non-fatal to the host: a tag that
// cannot happen is logged and dropped, never raised back to the publisher.
package orchestrator

import (
	"context"
	"log/slog"

	"purpletrace/internal/events"
	"purpletrace/internal/schema"
	"purpletrace/internal/tagger"
)

// RecordSource resolves operation ids into full action records.
type RecordSource interface {
	GetOperation(ctx context.Context, id string) (*schema.Operation, error)
}

// TagService is the tagging surface the orchestrator drives.
type TagService interface {
	Tag(ctx context.Context, op *schema.Operation) tagger.Outcome
	TagStep(ctx context.Context, link *schema.Link, op *schema.Operation) tagger.Outcome
}

// Service wires lifecycle events to tag calls.
type Service struct {
	source RecordSource
	tags   TagService
	logger *slog.Logger
}

// NewService creates the orchestrator service.
func NewService(source RecordSource, tags TagService, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, tags: tags, logger: logger}
}

// Register subscribes the handlers at startup.
func (s *Service) Register(bus *events.Bus) {
	bus.Subscribe(events.TopicOperationStateChanged, s.onStateChanged)
	bus.Subscribe(events.TopicOperationCompleted, s.onCompleted)
	bus.Subscribe(events.TopicLinkStatusChanged, s.onLinkStatusChanged)
}

// onStateChanged re-tags the operation with its new state. Each state
// transition produces a fresh immutable document.
func (s *Service) onStateChanged(ctx context.Context, evt events.OperationEvent) {
	op := s.locate(ctx, evt)
	if op == nil {
		return
	}

	s.logger.Info("operation state changed",
		"op", shortID(evt.OperationID), "from", evt.FromState, "to", evt.ToState)

	outcome := s.tags.Tag(ctx, op)
	s.logger.Debug("state-change tag finished",
		"op", shortID(evt.OperationID), "outcome", outcome.Kind.String())
}

// onCompleted tags the operation one final time with its terminal state.
func (s *Service) onCompleted(ctx context.Context, evt events.OperationEvent) {
	op := s.locate(ctx, evt)
	if op == nil {
		return
	}

	s.logger.Info("operation finished",
		"op", shortID(evt.OperationID), "state", op.State)

	outcome := s.tags.Tag(ctx, op)
	s.logger.Debug("completion tag finished",
		"op", shortID(evt.OperationID), "outcome", outcome.Kind.String())
}

// onLinkStatusChanged tags the single link that changed.
func (s *Service) onLinkStatusChanged(ctx context.Context, evt events.OperationEvent) {
	if evt.LinkID == "" {
		s.logger.Warn("link status event missing link id", "op", shortID(evt.OperationID))
		return
	}

	op := s.locate(ctx, evt)
	if op == nil {
		return
	}

	for i := range op.Chain {
		if op.Chain[i].ID != evt.LinkID {
			continue
		}
		outcome := s.tags.TagStep(ctx, &op.Chain[i], op)
		s.logger.Debug("link tag finished",
			"op", shortID(evt.OperationID), "link", evt.LinkID,
			"outcome", outcome.Kind.String())
		return
	}

	s.logger.Warn("link not found in operation chain",
		"op", shortID(evt.OperationID), "link", evt.LinkID)
}

// locate fetches the operation for an event, logging instead of failing.
func (s *Service) locate(ctx context.Context, evt events.OperationEvent) *schema.Operation {
	if evt.OperationID == "" {
		s.logger.Warn("event missing operation id")
		return nil
	}

	op, err := s.source.GetOperation(ctx, evt.OperationID)
	if err != nil {
		s.logger.Error("could not resolve operation",
			"op", shortID(evt.OperationID), "error", err)
		return nil
	}
	return op
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
