package incremental

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobisme/bones/pkg/event"
	"github.com/bobisme/bones/pkg/projector"
	"github.com/bobisme/bones/pkg/shard"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func openStore(t *testing.T, at time.Time) *shard.Store {
	t.Helper()
	s, err := shard.Open(filepath.Join(t.TempDir(), "events"), nil, fixedNow(at))
	if err != nil {
		t.Fatalf("shard.Open: %v", err)
	}
	return s
}

func openProjector(t *testing.T) *projector.Projector {
	t.Helper()
	p, err := projector.Open(filepath.Join(t.TempDir(), "bones.db"))
	if err != nil {
		t.Fatalf("projector.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func appendCreate(t *testing.T, s *shard.Store, itemID, title string) *event.Event {
	t.Helper()
	data, _ := json.Marshal(map[string]any{
		"title":       title,
		"description": "",
		"item_kind":   "task",
	})
	p, err := event.ParsePayload(event.KindCreate, data)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	e := &event.Event{Agent: "alice", ITC: "1", Kind: event.KindCreate, ItemID: itemID, Payload: p}
	if err := s.Append(e, false, time.Second); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return e
}

func setCursor(t *testing.T, p *projector.Projector, offset int64, hash string) {
	t.Helper()
	tx, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := projector.SetCursor(tx, offset, hash); err != nil {
		tx.Rollback()
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestApplyInitialCursorRebuilds(t *testing.T) {
	s := openStore(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	p := openProjector(t)
	appendCreate(t, s, "bn-aaa", "one")
	e2 := appendCreate(t, s, "bn-bbb", "two")

	rep, err := Apply(s, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Rebuilt {
		t.Fatal("a fresh projection must rebuild from scratch")
	}
	if rep.Result.Projected != 2 {
		t.Fatalf("projected %d events, want 2", rep.Result.Projected)
	}

	all, err := s.Replay()
	if err != nil {
		t.Fatal(err)
	}
	offset, hash, err := p.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	if offset != int64(len(all)) {
		t.Fatalf("cursor offset = %d, want full log length %d", offset, len(all))
	}
	if hash != e2.Hash {
		t.Fatalf("cursor hash = %q, want last event's %q", hash, e2.Hash)
	}
}

func TestApplyProjectsOnlyTheTail(t *testing.T) {
	s := openStore(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	p := openProjector(t)
	appendCreate(t, s, "bn-aaa", "one")
	if _, err := Apply(s, p, Options{}); err != nil {
		t.Fatal(err)
	}

	e2 := appendCreate(t, s, "bn-bbb", "two")
	rep, err := Apply(s, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rebuilt {
		t.Fatalf("expected a tail apply, got rebuild: %s", rep.RebuildCause)
	}
	if rep.EventsSeen != 1 || rep.Result.Projected != 1 {
		t.Fatalf("seen=%d projected=%d, want 1/1", rep.EventsSeen, rep.Result.Projected)
	}

	offset, hash, err := p.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	if hash != e2.Hash {
		t.Fatalf("cursor hash = %q, want %q", hash, e2.Hash)
	}
	if offset != rep.NewOffset {
		t.Fatalf("cursor offset %d disagrees with report %d", offset, rep.NewOffset)
	}
}

func TestApplyWithNoNewEventsIsANoOp(t *testing.T) {
	s := openStore(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	p := openProjector(t)
	e := appendCreate(t, s, "bn-aaa", "one")
	if _, err := Apply(s, p, Options{}); err != nil {
		t.Fatal(err)
	}

	rep, err := Apply(s, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rebuilt || rep.EventsSeen != 0 {
		t.Fatalf("report = %+v, want an empty tail apply", rep)
	}
	_, hash, err := p.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	if hash != e.Hash {
		t.Fatalf("cursor hash changed to %q across an empty apply", hash)
	}
}

func TestForceFullAlwaysRebuilds(t *testing.T) {
	s := openStore(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	p := openProjector(t)
	appendCreate(t, s, "bn-aaa", "one")
	if _, err := Apply(s, p, Options{}); err != nil {
		t.Fatal(err)
	}

	rep, err := Apply(s, p, Options{ForceFull: true})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Rebuilt {
		t.Fatal("ForceFull must rebuild even when the cursor is healthy")
	}
	if rep.Result.Projected != 1 {
		t.Fatalf("rebuild projected %d events, want 1", rep.Result.Projected)
	}
}

func TestCursorHashNotInWindowForcesRebuild(t *testing.T) {
	s := openStore(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	p := openProjector(t)
	appendCreate(t, s, "bn-aaa", "one")
	if _, err := Apply(s, p, Options{}); err != nil {
		t.Fatal(err)
	}

	offset, _, err := p.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	setCursor(t, p, offset, "blake3:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	rep, err := Apply(s, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Rebuilt {
		t.Fatal("a cursor hash missing from the preceding window must force a rebuild")
	}
}

func TestNonzeroOffsetWithoutHashForcesRebuild(t *testing.T) {
	s := openStore(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	p := openProjector(t)
	appendCreate(t, s, "bn-aaa", "one")
	if _, err := Apply(s, p, Options{}); err != nil {
		t.Fatal(err)
	}

	offset, _, err := p.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	setCursor(t, p, offset, "")

	rep, err := Apply(s, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Rebuilt {
		t.Fatal("offset > 0 with an empty hash must force a rebuild")
	}
}

func TestSealedShardManifestMismatchForcesRebuild(t *testing.T) {
	jan := openStore(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	p := openProjector(t)
	appendCreate(t, jan, "bn-aaa", "january")

	// Reopening in February seals the January shard and writes its
	// manifest on the next append, as a process restart would.
	s, err := shard.Open(jan.Dir(), nil, fixedNow(time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatal(err)
	}
	appendCreate(t, s, "bn-bbb", "february")
	if _, err := Apply(s, p, Options{}); err != nil {
		t.Fatal(err)
	}

	// Grow the sealed file behind the manifest's back.
	f, err := os.OpenFile(s.ShardPath("2026-01"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("# sneaky edit\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	rep, err := Apply(s, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Rebuilt {
		t.Fatal("a sealed shard whose size disagrees with its manifest must force a rebuild")
	}
}

// Incremental apply and a from-scratch rebuild over the same log must
// agree on projected row contents.
func TestIncrementalMatchesRebuild(t *testing.T) {
	s := openStore(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	p := openProjector(t)
	appendCreate(t, s, "bn-aaa", "one")
	if _, err := Apply(s, p, Options{}); err != nil {
		t.Fatal(err)
	}
	appendCreate(t, s, "bn-bbb", "two")
	if _, err := Apply(s, p, Options{}); err != nil {
		t.Fatal(err)
	}
	incremental := readItems(t, p)

	if _, err := Apply(s, p, Options{ForceFull: true}); err != nil {
		t.Fatal(err)
	}
	rebuilt := readItems(t, p)

	if len(incremental) != len(rebuilt) {
		t.Fatalf("row counts differ: %d vs %d", len(incremental), len(rebuilt))
	}
	for id, title := range incremental {
		if rebuilt[id] != title {
			t.Fatalf("item %s: incremental %q vs rebuild %q", id, title, rebuilt[id])
		}
	}
}

func readItems(t *testing.T, p *projector.Projector) map[string]string {
	t.Helper()
	rows, err := p.DB().Query(`SELECT item_id, title FROM items ORDER BY item_id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			t.Fatal(err)
		}
		out[id] = title
	}
	return out
}
