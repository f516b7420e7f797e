package bones

import (
	"errors"
	"testing"
	"time"

	"github.com/bobisme/bones/pkg/crdt"
	"github.com/bobisme/bones/pkg/event"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(Options{Dir: t.TempDir(), Clock: fixedClock(time.Unix(1700000000, 0).UTC())})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenCreatesLayout(t *testing.T) {
	e := openTestEngine(t)
	if e.Dir() == "" {
		t.Fatal("expected a resolved project dir")
	}
}

func TestCreateItemThenProjectMaterializesRow(t *testing.T) {
	e := openTestEngine(t)

	ev, err := e.CreateItem("alice", &event.CreatePayload{
		Title:       "Fix auth retry",
		Description: "initial",
		ItemKind:    event.ItemTask,
		Labels:      []string{"backend"},
	})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if ev.Hash == "" {
		t.Fatal("expected Append to populate Hash")
	}
	if ev.ItemID == "" {
		t.Fatal("expected a generated item id")
	}

	report, err := e.Project()
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if report.EventsSeen != 1 {
		t.Fatalf("EventsSeen = %d, want 1", report.EventsSeen)
	}

	var title string
	if err := e.proj.DB().QueryRow(`SELECT title FROM items WHERE item_id = ?`, ev.ItemID).Scan(&title); err != nil {
		t.Fatalf("querying items: %v", err)
	}
	if title != "Fix auth retry" {
		t.Fatalf("title = %q", title)
	}
}

func TestAppendAdvancesITCMonotonically(t *testing.T) {
	e := openTestEngine(t)
	create, err := e.CreateItem("alice", &event.CreatePayload{Title: "T", ItemKind: event.ItemTask})
	if err != nil {
		t.Fatal(err)
	}
	comment, err := e.Append("alice", event.KindComment, create.ItemID,
		&event.CommentPayload{Body: "hi"}, []string{create.Hash})
	if err != nil {
		t.Fatal(err)
	}
	if comment.ITC == create.ITC {
		t.Fatal("expected the ITC stamp to advance between appends")
	}
}

// An illegal phase transition must fail the originating call and leave
// the log untouched — never append an event projection would refuse.
func TestMoveInvalidTransitionAppendsNothing(t *testing.T) {
	e := openTestEngine(t)
	create, err := e.CreateItem("alice", &event.CreatePayload{Title: "T", ItemKind: event.ItemTask})
	if err != nil {
		t.Fatal(err)
	}

	// open -> done skips doing.
	_, err = e.Move("alice", create.ItemID, event.PhaseDone, []string{create.Hash})
	var inv *crdt.ErrInvalidTransition
	if !errors.As(err, &inv) {
		t.Fatalf("err = %v, want *crdt.ErrInvalidTransition", err)
	}

	evs, err := e.shard.ReplayEvents()
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("log has %d events after a rejected move, want just the create", len(evs))
	}
}

func TestCompactRejectsIneligibleItem(t *testing.T) {
	e := openTestEngine(t)
	create, err := e.CreateItem("alice", &event.CreatePayload{Title: "T", ItemKind: event.ItemTask})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Compact("compactor", create.ItemID, 1); err == nil {
		t.Fatal("expected Compact to reject a still-open item")
	} else if _, ok := err.(*ErrNotEligible); !ok {
		t.Fatalf("expected *ErrNotEligible, got %T: %v", err, err)
	}
}

func TestCompactSucceedsForAgedDoneItem(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	e, err := Open(Options{Dir: t.TempDir(), Clock: fixedClock(start)})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	create, err := e.CreateItem("alice", &event.CreatePayload{Title: "T", ItemKind: event.ItemTask})
	if err != nil {
		t.Fatal(err)
	}
	doing, err := e.Move("alice", create.ItemID, event.PhaseDoing, []string{create.Hash})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Move("alice", create.ItemID, event.PhaseDone, []string{doing.Hash}); err != nil {
		t.Fatal(err)
	}

	// Jump the clock forward past the default eligibility window.
	e.now = fixedClock(start.Add(31 * 24 * time.Hour))

	snap, err := e.Compact("compactor", create.ItemID, 30)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if snap.Kind != event.KindSnapshot {
		t.Fatalf("kind = %s, want item.snapshot", snap.Kind)
	}
}

func TestVerifyRedactionsWiresThroughEngine(t *testing.T) {
	e := openTestEngine(t)
	create, err := e.CreateItem("alice", &event.CreatePayload{Title: "T", ItemKind: event.ItemTask})
	if err != nil {
		t.Fatal(err)
	}
	comment, err := e.Append("alice", event.KindComment, create.ItemID,
		&event.CommentPayload{Body: "secret token XYZ"}, []string{create.Hash})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Append("alice", event.KindRedact, create.ItemID,
		&event.RedactPayload{TargetEventHash: comment.Hash, Reason: "accidental disclosure"},
		[]string{comment.Hash}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Project(); err != nil {
		t.Fatal(err)
	}

	reports, err := e.VerifyRedactions()
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || !reports[0].Clean() {
		t.Fatalf("reports = %+v, want one clean report", reports)
	}
}

func TestValidateReportsCleanLog(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.CreateItem("alice", &event.CreatePayload{Title: "T", ItemKind: event.ItemTask}); err != nil {
		t.Fatal(err)
	}
	reports, err := e.Validate()
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Fatalf("got %d shard reports, want 1", len(reports))
	}
	if len(reports[0].Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", reports[0].Findings)
	}
}

func TestRecoverIsANoOpOnAHealthyStore(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.CreateItem("alice", &event.CreatePayload{Title: "T", ItemKind: event.ItemTask}); err != nil {
		t.Fatal(err)
	}
	report, err := e.Recover(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.PartialWrites) != 0 || len(report.CorruptShards) != 0 || report.DBBackedUp {
		t.Fatalf("expected a clean recovery report, got %+v", report)
	}
}
