package itemstate

import (
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

func TestApplyCreate(t *testing.T) {
	s := New("bn-a7x")
	e := evt(t, 100, "alice", "1", "blake3:aa", event.KindCreate, "bn-a7x",
		`{"title":"Fix retry bug","description":"desc","item_kind":"task","labels":["backend","urgent"]}`)
	if err := s.ApplyEvent(e); err != nil {
		t.Fatal(err)
	}
	if s.Title.Value != "Fix retry bug" {
		t.Fatalf("title = %q", s.Title.Value)
	}
	if s.CreatedAtUs != 100 {
		t.Fatalf("created_at = %d, want 100", s.CreatedAtUs)
	}
	labels := s.Labels.Elements()
	if len(labels) != 2 {
		t.Fatalf("labels = %v", labels)
	}
}

func TestApplyUpdateKnownField(t *testing.T) {
	s := New("bn-a7x")
	s.ApplyEvent(evt(t, 100, "alice", "1", "blake3:aa", event.KindCreate, "bn-a7x",
		`{"title":"T1","description":"","item_kind":"task"}`))
	err := s.ApplyEvent(evt(t, 200, "alice", "2", "blake3:bb", event.KindUpdate, "bn-a7x",
		`{"field":"title","value":"T2"}`))
	if err != nil {
		t.Fatal(err)
	}
	if s.Title.Value != "T2" {
		t.Fatalf("title = %q, want T2", s.Title.Value)
	}
	if s.UpdatedAtUs != 200 {
		t.Fatalf("updated_at = %d, want 200", s.UpdatedAtUs)
	}
}

func TestApplyUpdateUnknownFieldIsSoftError(t *testing.T) {
	s := New("bn-a7x")
	s.ApplyEvent(evt(t, 100, "alice", "1", "blake3:aa", event.KindCreate, "bn-a7x",
		`{"title":"T1","description":"","item_kind":"task"}`))
	err := s.ApplyEvent(evt(t, 200, "alice", "2", "blake3:bb", event.KindUpdate, "bn-a7x",
		`{"field":"nonexistent_field","value":"x"}`))
	if err != nil {
		t.Fatalf("unknown update field must be a soft no-op, got error: %v", err)
	}
	if s.Title.Value != "T1" {
		t.Fatal("title must be unaffected by an unknown field update")
	}
}

func TestApplyMoveValidTransition(t *testing.T) {
	s := New("bn-a7x")
	err := s.ApplyEvent(evt(t, 100, "alice", "1", "blake3:aa", event.KindMove, "bn-a7x", `{"to_phase":"doing"}`))
	if err != nil {
		t.Fatal(err)
	}
	if s.Phase.Phase != event.PhaseDoing {
		t.Fatalf("phase = %v, want doing", s.Phase.Phase)
	}
}

func TestApplyMoveInvalidTransitionIsHardError(t *testing.T) {
	s := New("bn-a7x")
	err := s.ApplyEvent(evt(t, 100, "alice", "1", "blake3:aa", event.KindMove, "bn-a7x", `{"to_phase":"done"}`))
	if err == nil {
		t.Fatal("expected hard error for open -> done")
	}
}

func TestApplyAssignAddRemove(t *testing.T) {
	s := New("bn-a7x")
	s.ApplyEvent(evt(t, 100, "alice", "1", "blake3:aa", event.KindAssign, "bn-a7x", `{"agent":"bob","op":"add"}`))
	if !s.Assignees.Contains("bob") {
		t.Fatal("expected bob assigned")
	}
	s.ApplyEvent(evt(t, 200, "alice", "2", "blake3:bb", event.KindAssign, "bn-a7x", `{"agent":"bob","op":"remove"}`))
	if s.Assignees.Contains("bob") {
		t.Fatal("expected bob unassigned")
	}
}

func TestApplyCommentAccumulatesGSet(t *testing.T) {
	s := New("bn-a7x")
	s.ApplyEvent(evt(t, 100, "alice", "1", "blake3:aa", event.KindComment, "bn-a7x", `{"body":"first"}`))
	s.ApplyEvent(evt(t, 200, "alice", "2", "blake3:bb", event.KindComment, "bn-a7x", `{"body":"second"}`))
	if len(s.Comments.Elements()) != 2 {
		t.Fatalf("expected 2 comments, got %v", s.Comments.Elements())
	}
	if s.CommentBody["blake3:aa"].Body != "first" {
		t.Fatal("expected comment body recorded")
	}
}

func TestApplyLinkUnlink(t *testing.T) {
	s := New("bn-a7x")
	s.ApplyEvent(evt(t, 100, "alice", "1", "blake3:aa", event.KindLink, "bn-a7x",
		`{"link_type":"blocked_by","target_item_id":"bn-xyz"}`))
	if !s.BlockedBy.Contains("bn-xyz") {
		t.Fatal("expected bn-xyz blocking")
	}
	s.ApplyEvent(evt(t, 200, "alice", "2", "blake3:bb", event.KindUnlink, "bn-a7x",
		`{"link_type":"blocked_by","target_item_id":"bn-xyz"}`))
	if s.BlockedBy.Contains("bn-xyz") {
		t.Fatal("expected bn-xyz unblocked")
	}
}

func TestApplyDeleteAndRedact(t *testing.T) {
	s := New("bn-a7x")
	s.ApplyEvent(evt(t, 100, "alice", "1", "blake3:aa", event.KindDelete, "bn-a7x", `{"reason":"dup"}`))
	if !s.Deleted.Value {
		t.Fatal("expected deleted = true")
	}
	s.ApplyEvent(evt(t, 200, "alice", "2", "blake3:bb", event.KindRedact, "bn-a7x",
		`{"target_event_hash":"blake3:cc","reason":"pii"}`))
	if s.Redactions["blake3:cc"] != "pii" {
		t.Fatalf("expected redaction recorded, got %v", s.Redactions)
	}
}

func TestMergeIsCommutativeAndIdempotent(t *testing.T) {
	a := New("bn-a7x")
	a.ApplyEvent(evt(t, 100, "alice", "1", "blake3:aa", event.KindCreate, "bn-a7x",
		`{"title":"T","description":"","item_kind":"task"}`))
	a.ApplyEvent(evt(t, 200, "alice", "2", "blake3:bb", event.KindAssign, "bn-a7x", `{"agent":"bob","op":"add"}`))

	b := New("bn-a7x")
	b.ApplyEvent(evt(t, 150, "carol", "1", "blake3:cc", event.KindAssign, "bn-a7x", `{"agent":"dave","op":"add"}`))

	m1 := a.Merge(b)
	m2 := b.Merge(a)
	if m1.Title.Value != m2.Title.Value {
		t.Fatal("merge must be commutative on title")
	}
	if len(m1.Assignees.Elements()) != 2 || len(m2.Assignees.Elements()) != 2 {
		t.Fatalf("expected both assignees present after merge: %v / %v", m1.Assignees.Elements(), m2.Assignees.Elements())
	}

	idem := m1.Merge(m1)
	if idem.Title.Value != m1.Title.Value || len(idem.Assignees.Elements()) != len(m1.Assignees.Elements()) {
		t.Fatal("merge must be idempotent")
	}
}

func TestUpdatedAtIsMaxWallTS(t *testing.T) {
	s := New("bn-a7x")
	s.ApplyEvent(evt(t, 100, "alice", "1", "blake3:aa", event.KindCreate, "bn-a7x",
		`{"title":"T","description":"","item_kind":"task"}`))
	s.ApplyEvent(evt(t, 50, "alice", "2", "blake3:bb", event.KindComment, "bn-a7x", `{"body":"late-ordered but earlier ts"}`))
	if s.UpdatedAtUs != 100 {
		t.Fatalf("updated_at = %d, want 100 (max wall_ts seen)", s.UpdatedAtUs)
	}
}
