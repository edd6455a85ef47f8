package tagger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"purpletrace/internal/elastic"
	"purpletrace/internal/schema"
)

type fakeSender struct {
	calls atomic.Int64
	err   error
	last  *schema.TagDocument
}

func (f *fakeSender) Send(_ context.Context, doc *schema.TagDocument) (*elastic.IndexAck, error) {
	f.calls.Add(1)
	f.last = doc
	if f.err != nil {
		return nil, f.err
	}
	return &elastic.IndexAck{ID: "doc-1", Index: "purple-team-logs", Result: "created"}, nil
}

func newTestService(t *testing.T, sender Sender) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	store := NewFallbackStore(dir, 0, 0, nil)
	return NewService(sender, store, DefaultConfig(), nil, nil), dir
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func validOperation() *schema.Operation {
	return &schema.Operation{
		ID:    uuid.NewString(),
		Name:  "nightly emulation",
		Group: "client-a",
		State: "finished",
		Chain: []schema.Link{
			linkWithTechnique("T1078", "defense evasion", "Valid Accounts", 0),
		},
	}
}

func TestTag_Sent(t *testing.T) {
	sender := &fakeSender{}
	svc, dir := newTestService(t, sender)

	outcome := svc.Tag(context.Background(), validOperation())
	if outcome.Kind != Sent {
		t.Fatalf("Kind = %v, want Sent (reason %q)", outcome.Kind, outcome.Reason)
	}
	if outcome.Ack == nil || outcome.Ack.Result != "created" {
		t.Errorf("Ack = %+v, want created ack", outcome.Ack)
	}
	if got := sender.calls.Load(); got != 1 {
		t.Errorf("sender calls = %d, want 1", got)
	}
	if n := countFiles(t, dir); n != 0 {
		t.Errorf("fallback files = %d, want 0 on success", n)
	}
}

func TestTag_InvalidIDRejectedWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"too short", "abc1234"},
		{"injection", "abcd1234'; DROP TABLE ops;--"},
		{"too long", strings.Repeat("a", 65)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			svc, dir := newTestService(t, sender)

			op := validOperation()
			op.ID = tt.id

			outcome := svc.Tag(context.Background(), op)
			if outcome.Kind != Rejected {
				t.Fatalf("Kind = %v, want Rejected", outcome.Kind)
			}
			if got := sender.calls.Load(); got != 0 {
				t.Errorf("sender calls = %d, want 0 for invalid id", got)
			}
			if n := countFiles(t, dir); n != 0 {
				t.Errorf("fallback files = %d, want 0 for invalid id", n)
			}
		})
	}
}

func TestTag_NilOperationRejected(t *testing.T) {
	sender := &fakeSender{}
	svc, _ := newTestService(t, sender)

	if outcome := svc.Tag(context.Background(), nil); outcome.Kind != Rejected {
		t.Errorf("Kind = %v, want Rejected", outcome.Kind)
	}
	if got := sender.calls.Load(); got != 0 {
		t.Errorf("sender calls = %d, want 0", got)
	}
}

func TestTag_SendFailureFallsBackExactlyOnce(t *testing.T) {
	sender := &fakeSender{err: errors.New("connection refused")}
	svc, dir := newTestService(t, sender)

	op := validOperation()
	outcome := svc.Tag(context.Background(), op)
	if outcome.Kind != FellBack {
		t.Fatalf("Kind = %v, want FellBack", outcome.Kind)
	}
	if n := countFiles(t, dir); n != 1 {
		t.Fatalf("fallback files = %d, want exactly 1", n)
	}

	// The file must reproduce the sanitized document.
	data, err := os.ReadFile(outcome.Path)
	if err != nil {
		t.Fatal(err)
	}
	var doc schema.TagDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("fallback content is not valid JSON: %v", err)
	}
	if doc.OperationID != op.ID {
		t.Errorf("fallback OperationID = %q, want %q", doc.OperationID, op.ID)
	}
	if len(doc.Techniques) != 1 || doc.Techniques[0] != "T1078" {
		t.Errorf("fallback Techniques = %v", doc.Techniques)
	}
}

func TestTag_BreakerOpenFallsBack(t *testing.T) {
	sender := &fakeSender{err: elastic.ErrCircuitOpen}
	svc, dir := newTestService(t, sender)

	if outcome := svc.Tag(context.Background(), validOperation()); outcome.Kind != FellBack {
		t.Errorf("Kind = %v, want FellBack while breaker open", outcome.Kind)
	}
	if n := countFiles(t, dir); n != 1 {
		t.Errorf("fallback files = %d, want 1", n)
	}
}

func TestTag_NilSenderGoesStraightToFallback(t *testing.T) {
	svc, dir := newTestService(t, nil)

	if outcome := svc.Tag(context.Background(), validOperation()); outcome.Kind != FellBack {
		t.Errorf("Kind = %v, want FellBack with no backend", outcome.Kind)
	}
	if n := countFiles(t, dir); n != 1 {
		t.Errorf("fallback files = %d, want 1", n)
	}
}

func TestTag_CancelledContextRejects(t *testing.T) {
	sender := &fakeSender{}
	svc, _ := newTestService(t, sender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if outcome := svc.Tag(ctx, validOperation()); outcome.Kind != Rejected {
		t.Errorf("Kind = %v, want Rejected on cancelled context", outcome.Kind)
	}
}

func TestTagStep_OutputCapped(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "output.json")
	bundle := map[string]string{
		"stdout": strings.Repeat("x", 20*1024),
		"stderr": "short",
	}
	data, _ := json.Marshal(bundle)
	if err := os.WriteFile(outputPath, data, 0o640); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	dir := t.TempDir()
	store := NewFallbackStore(dir, 0, 0, nil)
	svc := NewService(sender, store, Config{MaxConcurrent: 1, OutputCapBytes: 10 * 1024}, nil, nil)

	op := validOperation()
	link := &op.Chain[0]
	link.ID = "link-1"
	link.OutputPath = outputPath

	outcome := svc.TagStep(context.Background(), link, op)
	if outcome.Kind != Sent {
		t.Fatalf("Kind = %v, want Sent (reason %q)", outcome.Kind, outcome.Reason)
	}

	doc := sender.last
	if doc == nil || doc.Link == nil {
		t.Fatal("sender did not receive a step document")
	}
	wantLen := 10*1024 + len(truncatedMarker)
	if len(doc.Link.Stdout) != wantLen {
		t.Errorf("stdout len = %d, want %d (capped + marker)", len(doc.Link.Stdout), wantLen)
	}
	if !strings.HasSuffix(doc.Link.Stdout, truncatedMarker) {
		t.Error("capped stdout missing truncation marker")
	}
	if doc.Link.Stderr != "short" {
		t.Errorf("stderr = %q, want untouched short stream", doc.Link.Stderr)
	}
}

func TestTagStep_MissingOutputDegradesToEmpty(t *testing.T) {
	sender := &fakeSender{err: errors.New("down")}
	svc, dir := newTestService(t, sender)

	op := validOperation()
	link := &op.Chain[0]
	link.ID = "link-1"
	link.OutputPath = filepath.Join(t.TempDir(), "does-not-exist.json")

	outcome := svc.TagStep(context.Background(), link, op)
	if outcome.Kind != FellBack {
		t.Fatalf("Kind = %v, want FellBack", outcome.Kind)
	}

	data, err := os.ReadFile(outcome.Path)
	if err != nil {
		t.Fatal(err)
	}
	var doc schema.TagDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Link == nil {
		t.Fatal("step document missing link block")
	}
	if doc.Link.Stdout != "" || doc.Link.Stderr != "" {
		t.Errorf("expected empty output streams, got stdout=%q stderr=%q",
			doc.Link.Stdout, doc.Link.Stderr)
	}
	if n := countFiles(t, dir); n != 1 {
		t.Errorf("fallback files = %d, want 1", n)
	}

	if name := filepath.Base(outcome.Path); !strings.HasPrefix(name, "fallback_link_") {
		t.Errorf("step fallback filename = %q, want fallback_link_ prefix", name)
	}
}

func TestOutcomeKind_String(t *testing.T) {
	if Sent.String() != "sent" || FellBack.String() != "fallback" || Rejected.String() != "rejected" {
		t.Error("OutcomeKind string labels changed")
	}
}

// blockingSender holds every Send until released, tracking the in-flight
// high-water mark.
type blockingSender struct {
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	release  chan struct{}
}

func (b *blockingSender) Send(_ context.Context, _ *schema.TagDocument) (*elastic.IndexAck, error) {
	n := b.inFlight.Add(1)
	for {
		max := b.maxSeen.Load()
		if n <= max || b.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	<-b.release
	b.inFlight.Add(-1)
	return &elastic.IndexAck{Result: "created"}, nil
}

func waitForInFlight(t *testing.T, sender *blockingSender, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for sender.inFlight.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("in-flight = %d, never reached %d", sender.inFlight.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTag_LimiterBoundsInFlight(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	store := NewFallbackStore(t.TempDir(), 0, 0, nil)
	svc := NewService(sender, store, Config{MaxConcurrent: 3}, nil, nil)

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- svc.Tag(context.Background(), validOperation())
		}()
	}

	waitForInFlight(t, sender, 3)

	// With the limiter saturated the other five calls must be parked.
	time.Sleep(20 * time.Millisecond)
	if got := sender.inFlight.Load(); got != 3 {
		t.Fatalf("in-flight = %d, want exactly 3 while saturated", got)
	}

	close(sender.release)
	wg.Wait()
	close(outcomes)

	if got := sender.maxSeen.Load(); got > 3 {
		t.Errorf("in-flight high-water mark = %d, want <= 3", got)
	}
	for outcome := range outcomes {
		if outcome.Kind != Sent {
			t.Errorf("outcome = %v, want Sent (reason %q)", outcome.Kind, outcome.Reason)
		}
	}
}

func TestTag_CancelledWaiterReleasesCapacity(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	store := NewFallbackStore(t.TempDir(), 0, 0, nil)
	svc := NewService(sender, store, Config{MaxConcurrent: 1}, nil, nil)

	first := make(chan Outcome, 1)
	go func() {
		first <- svc.Tag(context.Background(), validOperation())
	}()
	waitForInFlight(t, sender, 1)

	// Second call queues behind the occupied slot, then gives up.
	ctx, cancel := context.WithCancel(context.Background())
	waiter := make(chan Outcome, 1)
	go func() {
		waiter <- svc.Tag(ctx, validOperation())
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if outcome := <-waiter; outcome.Kind != Rejected {
		t.Fatalf("cancelled waiter outcome = %v, want Rejected", outcome.Kind)
	}

	close(sender.release)
	if outcome := <-first; outcome.Kind != Sent {
		t.Fatalf("first outcome = %v, want Sent", outcome.Kind)
	}

	// The abandoned wait must not leak a slot.
	if outcome := svc.Tag(context.Background(), validOperation()); outcome.Kind != Sent {
		t.Errorf("follow-up outcome = %v, want Sent with capacity intact", outcome.Kind)
	}
}
