package projector

import (
	"path/filepath"
	"testing"

	"github.com/bobisme/bones/pkg/event"
)

func mustPayload(t *testing.T, k event.Kind, data string) event.Payload {
	t.Helper()
	p, err := event.ParsePayload(k, []byte(data))
	if err != nil {
		t.Fatalf("ParsePayload(%s): %v", k, err)
	}
	return p
}

func evt(t *testing.T, ts int64, agent, itc, hash string, k event.Kind, itemID, data string) *event.Event {
	t.Helper()
	return &event.Event{
		WallTSUs: ts,
		Agent:    agent,
		ITC:      itc,
		Kind:     k,
		ItemID:   itemID,
		Payload:  mustPayload(t, k, data),
		Hash:     hash,
	}
}

func openTestDB(t *testing.T) *Projector {
	t.Helper()
	p, err := Open(filepath.Join(t.TempDir(), "bones.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestProjectCreateEndToEnd(t *testing.T) {
	p := openTestDB(t)

	create := evt(t, 1000, "alice", "1", "blake3:h1", event.KindCreate, "bn-a7x",
		`{"title":"Fix auth retry","description":"","item_kind":"task","labels":["backend"],"size":"m"}`)

	dup, err := p.ProjectEvent(create)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("first projection of a new event must not be a duplicate")
	}

	var title, size string
	if err := p.db.QueryRow(`SELECT title, size FROM items WHERE item_id = ?`, "bn-a7x").Scan(&title, &size); err != nil {
		t.Fatalf("querying items: %v", err)
	}
	if title != "Fix auth retry" || size != "m" {
		t.Fatalf("items row = (%q, %q)", title, size)
	}

	var label string
	if err := p.db.QueryRow(`SELECT label FROM item_labels WHERE item_id = ?`, "bn-a7x").Scan(&label); err != nil {
		t.Fatalf("querying item_labels: %v", err)
	}
	if label != "backend" {
		t.Fatalf("label = %q, want backend", label)
	}

	var trackedHash string
	if err := p.db.QueryRow(`SELECT event_hash FROM projected_events WHERE event_hash = ?`, "blake3:h1").Scan(&trackedHash); err != nil {
		t.Fatalf("querying projected_events: %v", err)
	}
}

func TestProjectEventIsIdempotent(t *testing.T) {
	p := openTestDB(t)
	create := evt(t, 1000, "alice", "1", "blake3:h1", event.KindCreate, "bn-a7x",
		`{"title":"T","description":"","item_kind":"task"}`)

	if _, err := p.ProjectEvent(create); err != nil {
		t.Fatal(err)
	}
	dup, err := p.ProjectEvent(create)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("re-projecting the same event hash must report a duplicate")
	}
}

func TestProjectAssignUnassignAddWins(t *testing.T) {
	p := openTestDB(t)
	create := evt(t, 100, "alice", "1", "blake3:h1", event.KindCreate, "bn-a7x",
		`{"title":"T","description":"","item_kind":"task"}`)
	if _, err := p.ProjectEvent(create); err != nil {
		t.Fatal(err)
	}
	assign := evt(t, 200, "alice", "2", "blake3:h2", event.KindAssign, "bn-a7x",
		`{"agent":"alice","op":"add"}`)
	if _, err := p.ProjectEvent(assign); err != nil {
		t.Fatal(err)
	}
	var agent string
	if err := p.db.QueryRow(`SELECT agent FROM item_assignees WHERE item_id = ?`, "bn-a7x").Scan(&agent); err != nil {
		t.Fatalf("expected alice assigned: %v", err)
	}

	unassign := evt(t, 300, "alice", "3", "blake3:h3", event.KindAssign, "bn-a7x",
		`{"agent":"alice","op":"remove"}`)
	if _, err := p.ProjectEvent(unassign); err != nil {
		t.Fatal(err)
	}
	var count int
	if err := p.db.QueryRow(`SELECT count(*) FROM item_assignees WHERE item_id = ?`, "bn-a7x").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected alice unassigned, found %d rows", count)
	}
}

func TestRedactionReplacesCommentBody(t *testing.T) {
	p := openTestDB(t)
	create := evt(t, 100, "alice", "1", "blake3:h1", event.KindCreate, "bn-a7x",
		`{"title":"T","description":"","item_kind":"task"}`)
	comment := evt(t, 200, "alice", "2", "blake3:h2", event.KindComment, "bn-a7x",
		`{"body":"secret token XYZ"}`)
	redact := evt(t, 300, "alice", "3", "blake3:h3", event.KindRedact, "bn-a7x",
		`{"target_event_hash":"blake3:h2","reason":"accidental disclosure"}`)

	for _, e := range []*event.Event{create, comment, redact} {
		if _, err := p.ProjectEvent(e); err != nil {
			t.Fatalf("projecting %s: %v", e.Hash, err)
		}
	}

	var body string
	if err := p.db.QueryRow(`SELECT body FROM item_comments WHERE event_hash = ?`, "blake3:h2").Scan(&body); err != nil {
		t.Fatal(err)
	}
	if body != "[redacted]" {
		t.Fatalf("body = %q, want [redacted]", body)
	}

	var target string
	if err := p.db.QueryRow(`SELECT target_event_hash FROM event_redactions WHERE target_event_hash = ?`, "blake3:h2").Scan(&target); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := p.db.QueryRow(
		`SELECT count(*) FROM items_fts WHERE item_id = ? AND text MATCH 'secret'`, "bn-a7x",
	).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("FTS still matches %q after redaction, got %d rows", "secret", n)
	}
}

func TestProjectBatchCountsDuplicatesAndAdvancesCursor(t *testing.T) {
	p := openTestDB(t)
	events := []*event.Event{
		evt(t, 100, "alice", "1", "blake3:h1", event.KindCreate, "bn-a7x", `{"title":"T","description":"","item_kind":"task"}`),
		evt(t, 200, "alice", "2", "blake3:h2", event.KindUpdate, "bn-a7x", `{"field":"title","value":"T2"}`),
	}
	res, err := p.ProjectBatchAdvancingCursor(events, []int64{600, 1234}, 1234, "blake3:h2")
	if err != nil {
		t.Fatal(err)
	}
	if res.Projected != 2 || res.Duplicate != 0 {
		t.Fatalf("result = %+v", res)
	}

	offset, hash, err := p.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	if offset != 1234 || hash != "blake3:h2" {
		t.Fatalf("cursor = (%d, %q)", offset, hash)
	}

	res2, err := p.ProjectBatch(events)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Duplicate != 2 {
		t.Fatalf("re-running the batch must be fully idempotent, got %+v", res2)
	}
}

// A per-event failure mid-batch must leave the cursor just short of the
// failed event, not at the batch's end: the next pass re-reads the
// failure and retries it, while the events projected after it dedupe.
func TestBatchErrorStopsCursorAtFailure(t *testing.T) {
	p := openTestDB(t)
	events := []*event.Event{
		evt(t, 100, "alice", "1", "blake3:h1", event.KindCreate, "bn-a7x", `{"title":"T","description":"","item_kind":"task"}`),
		// open -> done skips doing; the item-state fold rejects it.
		evt(t, 200, "alice", "2", "blake3:h2", event.KindMove, "bn-a7x", `{"to_phase":"done"}`),
		evt(t, 300, "alice", "3", "blake3:h3", event.KindUpdate, "bn-a7x", `{"field":"title","value":"T2"}`),
	}
	res, err := p.ProjectBatchAdvancingCursor(events, []int64{100, 200, 300}, 300, "blake3:h3")
	if err != nil {
		t.Fatal(err)
	}
	if res.Projected != 2 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v, want 2 projected and 1 error", res)
	}
	if res.Errors[0].Index != 1 || res.Errors[0].EventHash != "blake3:h2" {
		t.Fatalf("error = %+v, want the move at index 1", res.Errors[0])
	}

	offset, hash, err := p.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	if offset != 100 || hash != "blake3:h1" {
		t.Fatalf("cursor = (%d, %q), want (100, blake3:h1) just short of the failure", offset, hash)
	}
}

// A failure on the very first event of a batch leaves the cursor alone.
func TestBatchErrorOnFirstEventLeavesCursorUntouched(t *testing.T) {
	p := openTestDB(t)
	move := evt(t, 100, "alice", "1", "blake3:h1", event.KindMove, "bn-a7x", `{"to_phase":"done"}`)
	res, err := p.ProjectBatchAdvancingCursor([]*event.Event{move}, []int64{100}, 100, "blake3:h1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("result = %+v, want 1 error", res)
	}
	offset, hash, err := p.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	if offset != 0 || hash != "" {
		t.Fatalf("cursor = (%d, %q), want the initial (0, \"\")", offset, hash)
	}
}
