package broker

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Warn(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func TestCompletionScenario(t *testing.T) {
	b := New()
	if err := b.DeclareExpectation("A1", "p1", "p2"); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if !b.RecordResult("A1", "p1", PayloadResult(map[string]string{"target": "p2"})) {
		t.Fatalf("expected p1 result to be kept")
	}
	if b.IsComplete("A1") {
		t.Fatalf("A1 must not be complete with p2 outstanding")
	}
	if got := b.PendingSummary()["A1"]; !reflect.DeepEqual(got, []string{"p2"}) {
		t.Fatalf("expected p2 outstanding, got %v", got)
	}
	b.RecordResult("A1", "p2", PayloadResult(true))
	if !b.IsComplete("A1") {
		t.Fatalf("A1 should be complete")
	}
	if _, open := b.PendingSummary()["A1"]; open {
		t.Fatalf("complete group should not appear in pending summary")
	}
}

func TestDeclareExpectationUnionsOverlappingSets(t *testing.T) {
	b := New()
	_ = b.DeclareExpectation("A1", "p1", "p2")
	_ = b.DeclareExpectation("A1", "p2", "p3")
	if got := b.PendingSummary()["A1"]; !reflect.DeepEqual(got, []string{"p1", "p2", "p3"}) {
		t.Fatalf("expected union, got %v", got)
	}
	if err := b.DeclareExpectation(" "); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected invalid action error, got %v", err)
	}
}

func TestRecordResultDropsUncorrelated(t *testing.T) {
	logger := &captureLogger{}
	b := New(WithLogger(logger))
	_ = b.DeclareExpectation("A1", "p1")
	if b.RecordResult("missing", "p1", Result{}) {
		t.Fatalf("unknown action must be dropped")
	}
	if b.RecordResult("A1", "stranger", Result{}) {
		t.Fatalf("unexpected participant must be dropped")
	}
	if len(b.Results("A1")) != 0 || len(b.Drain()) != 0 {
		t.Fatalf("dropped results must not mutate the broker")
	}
	if len(logger.lines) != 2 {
		t.Fatalf("expected two warnings, got %v", logger.lines)
	}
}

func TestRetireClosesAction(t *testing.T) {
	b := New()
	_ = b.DeclareExpectation("A1", "p1")
	b.RecordResult("A1", "p1", PayloadResult("ok"))
	if retired := b.RetireCompleted(); len(retired) != 0 {
		t.Fatalf("undrained results must hold retirement, got %v", retired)
	}
	if drained := b.Drain(); len(drained) != 1 || drained[0].ActionID != "A1" {
		t.Fatalf("unexpected drain: %+v", drained)
	}
	if retired := b.RetireCompleted(); !reflect.DeepEqual(retired, []string{"A1"}) {
		t.Fatalf("expected A1 retired, got %v", retired)
	}
	if b.RecordResult("A1", "p1", PayloadResult("late")) {
		t.Fatalf("results for retired actions must be dropped")
	}
	if err := b.DeclareExpectation("A1", "p2"); !errors.Is(err, ErrRetired) {
		t.Fatalf("retired ids must not be reused, got %v", err)
	}
}

func TestRetireClosesIncompleteAction(t *testing.T) {
	b := New()
	_ = b.DeclareExpectation("A1", "p1", "p2")
	b.RecordResult("A1", "p1", PayloadResult("ok"))
	if !b.Retire("A1") {
		t.Fatalf("expected A1 to retire with p2 outstanding")
	}
	if b.Retire("A1") || b.Retire("missing") {
		t.Fatalf("retire should report only the first close of a known id")
	}
	if _, open := b.PendingSummary()["A1"]; open {
		t.Fatalf("retired actions must leave the pending summary")
	}
	if b.RecordResult("A1", "p2", PayloadResult("late")) {
		t.Fatalf("straggler result must be dropped after retirement")
	}
}

func TestChangedSignalsOnRecord(t *testing.T) {
	b := New()
	_ = b.DeclareExpectation("A1", "p1")
	b.RecordResult("A1", "p1", ErrorResult(errors.New("timeout")))
	select {
	case <-b.Changed():
	default:
		t.Fatalf("expected change signal")
	}
	if !b.Results("A1")["p1"].Failed() {
		t.Fatalf("expected error-tagged result")
	}
}

func TestConcurrentRecordsAllLand(t *testing.T) {
	b := New()
	ids := make([]string, 32)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i)
	}
	_ = b.DeclareExpectation("A1", ids...)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			b.RecordResult("A1", id, PayloadResult(id))
		}(id)
	}
	wg.Wait()
	if !b.IsComplete("A1") {
		t.Fatalf("expected every concurrent result to land")
	}
	if len(b.Drain()) != len(ids) {
		t.Fatalf("expected one fresh result per participant")
	}
}

func TestResetDiscardsGroups(t *testing.T) {
	b := New()
	_ = b.DeclareExpectation("A1", "p1")
	b.Reset()
	if b.IsComplete("A1") || len(b.PendingSummary()) != 0 {
		t.Fatalf("reset should discard groups")
	}
}
