// Package bones is the top-level facade: one Engine opens a project
// directory's event log and projection database together and offers the
// operations a caller (the bn CLI, an agent harness, a test) actually
// needs — append an event, bring the projection up to date, rebuild it
// from scratch, recover from a prior crash, compact an old item, and
// verify that redactions have actually taken hold. Everything below it
// (pkg/shard, pkg/projector, pkg/incremental, pkg/recovery,
// pkg/compaction, pkg/redact, pkg/validator) is usable standalone; Engine
// just wires the common sequencing.
package bones

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobisme/bones/pkg/compaction"
	"github.com/bobisme/bones/pkg/event"
	"github.com/bobisme/bones/pkg/incremental"
	"github.com/bobisme/bones/pkg/itc"
	"github.com/bobisme/bones/pkg/itemstate"
	"github.com/bobisme/bones/pkg/projector"
	"github.com/bobisme/bones/pkg/recovery"
	"github.com/bobisme/bones/pkg/redact"
	"github.com/bobisme/bones/pkg/shard"
	"github.com/bobisme/bones/pkg/validator"
	"github.com/sirupsen/logrus"
)

// The fixed project layout: a root holding events/, bones.db, and cache/.
const (
	dbFileName    = "bones.db"
	cacheDirName  = "cache"
	eventsDirName = "events"
)

// Options configures Open. Dir is resolved as: Dir if non-empty, else the
// BONES_DIR environment variable, else the current working directory.
type Options struct {
	Dir    string
	Logger logrus.FieldLogger
	Clock  func() time.Time
}

func (o Options) resolveDir() (string, error) {
	if o.Dir != "" {
		return o.Dir, nil
	}
	if v := os.Getenv("BONES_DIR"); v != "" {
		return v, nil
	}
	return os.Getwd()
}

// Engine is one open project: its shard log and its projection database,
// plus the process-local ITC stamp this Engine's own appends advance.
type Engine struct {
	dir   string
	log   logrus.FieldLogger
	now   func() time.Time
	shard *shard.Store
	proj  *projector.Projector
	stamp itc.Stamp
}

// Open creates the project layout if absent, opens the shard store and
// projection database, and seeds a fresh ITC stamp for this process's own
// appends. Forking identity across cooperating processes (itc.Fork) is a
// caller concern Engine does not attempt to automate; a fresh Seed() per
// Open is the conservative default for a single local writer.
func Open(opts Options) (*Engine, error) {
	dir, err := opts.resolveDir()
	if err != nil {
		return nil, fmt.Errorf("bones: resolving project dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, cacheDirName), 0o755); err != nil {
		return nil, fmt.Errorf("bones: creating cache dir: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	st, err := shard.Open(filepath.Join(dir, eventsDirName), shard.NewClock(now), now)
	if err != nil {
		return nil, fmt.Errorf("bones: opening shard store: %w", err)
	}
	st.Log = log

	proj, err := projector.Open(filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("bones: opening projection db: %w", err)
	}
	proj.Log = log

	return &Engine{
		dir:   dir,
		log:   log,
		now:   now,
		shard: st,
		proj:  proj,
		stamp: itc.Seed(),
	}, nil
}

// Close releases the projection database handle. The shard store holds no
// persistent handle of its own — each Append opens, locks, and closes the
// active shard file independently.
func (e *Engine) Close() error { return e.proj.Close() }

// Dir returns the project root this Engine manages.
func (e *Engine) Dir() string { return e.dir }

// Append advances this Engine's ITC stamp, builds an event from the given
// fields, appends it to the shard log under an advisory lock, and returns
// it with WallTSUs, ITC, and Hash populated. Domain rules are checked
// against the item's current state first — a rejected operation fails
// without writing anything, so the log never carries an event projection
// would have to refuse. Append does not touch the projection; call
// Project to catch it up afterward.
func (e *Engine) Append(agent string, kind event.Kind, itemID string, payload event.Payload, parents []string) (*event.Event, error) {
	if err := e.checkDomain(kind, itemID, payload); err != nil {
		return nil, err
	}
	e.stamp = itc.Event2(e.stamp)
	ev := &event.Event{
		Agent:   agent,
		ITC:     e.stamp.Event.String(),
		Parents: parents,
		Kind:    kind,
		ItemID:  itemID,
		Payload: payload,
	}
	if err := e.shard.Append(ev, false, 5*time.Second); err != nil {
		return nil, fmt.Errorf("bones: appending %s event: %w", kind, err)
	}
	return ev, nil
}

// checkDomain enforces the stateful rules an event must satisfy before
// anything is written. The one rule needing current state is the Move
// phase transition: it is validated here by replaying the item's own
// history and probing the same transition table projection applies, so
// an illegal move fails the originating call instead of landing in the
// log as a permanently unprojectable event. Purely syntactic payload
// rules were already enforced when the payload was built.
func (e *Engine) checkDomain(kind event.Kind, itemID string, payload event.Payload) error {
	if kind != event.KindMove {
		return nil
	}
	p, ok := payload.(*event.MovePayload)
	if !ok {
		return fmt.Errorf("bones: item.move payload has wrong type %T", payload)
	}
	sources, err := e.eventsForItem(itemID)
	if err != nil {
		return err
	}
	st := itemstate.New(itemID)
	for _, ev := range sources {
		if err := st.ApplyEvent(ev); err != nil {
			return fmt.Errorf("bones: %s: replaying history: %w", itemID, err)
		}
	}
	if _, err := st.Phase.Transition(p.ToPhase, event.ClockTuple{}); err != nil {
		return fmt.Errorf("bones: %s: %w", itemID, err)
	}
	return nil
}

// Move appends an item.move event, validating the phase transition
// against the item's current state first. An illegal move fails without
// appending anything.
func (e *Engine) Move(agent, itemID string, to event.Phase, parents []string) (*event.Event, error) {
	return e.Append(agent, event.KindMove, itemID, &event.MovePayload{ToPhase: to}, parents)
}

// CreateItem derives a fresh collision-free item id and appends an
// item.create event for it.
func (e *Engine) CreateItem(agent string, payload *event.CreatePayload) (*event.Event, error) {
	tx, err := e.proj.Begin()
	if err != nil {
		return nil, fmt.Errorf("bones: starting item-id allocation: %w", err)
	}
	seed := fmt.Sprintf("%s:%s:%d", agent, payload.Title, e.now().UnixNano())
	itemID, err := projector.NextItemID(tx, seed)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("bones: allocating item id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bones: committing item-id allocation: %w", err)
	}
	return e.Append(agent, event.KindCreate, itemID, payload, nil)
}

// Project runs the incremental apply sequence: read the cursor, run
// its safety checks, and replay either the unapplied tail or, on any
// demotion, the full log.
func (e *Engine) Project() (*incremental.Report, error) {
	return incremental.Apply(e.shard, e.proj, incremental.Options{Logger: e.log})
}

// Rebuild forces a full re-projection from the start of the log,
// discarding whatever the projection database currently holds.
func (e *Engine) Rebuild() (*incremental.Report, error) {
	return incremental.Apply(e.shard, e.proj, incremental.Options{ForceFull: true, Logger: e.log})
}

// Recover runs the startup health-check sequence against this
// Engine's project directory: torn-write truncation, corrupt-shard
// quarantine, and (if dbHealthy is false) backing up the projection
// database so the next Project/Rebuild starts clean.
func (e *Engine) Recover(dbHealthy bool) (*recovery.Report, error) {
	return recovery.AutoRecover(e.dir, dbHealthy, e.log)
}

// Validate runs the format validator over every on-disk shard, checking
// each sealed shard's recorded manifest against its live contents.
func (e *Engine) Validate() ([]*validator.ShardReport, error) {
	months, err := e.shard.Months()
	if err != nil {
		return nil, fmt.Errorf("bones: listing shards: %w", err)
	}
	files := make([]validator.ShardFile, 0, len(months))
	for _, m := range months {
		data, err := os.ReadFile(e.shard.ShardPath(m))
		if err != nil {
			return nil, fmt.Errorf("bones: reading shard %s: %w", m, err)
		}
		files = append(files, validator.ShardFile{Name: m, Contents: string(data)})
	}
	reports := validator.ValidateAll(files)
	for i, m := range months {
		man, err := e.shard.Manifest(m)
		if err != nil {
			continue // unsealed or manifest never written
		}
		actual, err := shard.ComputeManifest(m, e.shard.ShardPath(m))
		if err != nil {
			return nil, fmt.Errorf("bones: recomputing manifest for %s: %w", m, err)
		}
		validator.CheckManifest(reports[i], man.FileHash, man.ByteLen, man.EventCount,
			actual.FileHash, actual.ByteLen, actual.EventCount)
	}
	return reports, nil
}

// eventsForItem replays the whole log and returns itemID's own events, in
// file order.
func (e *Engine) eventsForItem(itemID string) (source []*event.Event, err error) {
	all, err := e.shard.ReplayEvents()
	if err != nil {
		return nil, fmt.Errorf("bones: replaying log: %w", err)
	}
	for _, ev := range all {
		if ev.ItemID == itemID {
			source = append(source, ev)
		}
	}
	return source, nil
}

// ErrNotEligible reports that Compact was asked to compact an item that
// does not currently satisfy the eligibility rule.
type ErrNotEligible struct{ ItemID string }

func (e *ErrNotEligible) Error() string {
	return fmt.Sprintf("bones: %s: not eligible for compaction", e.ItemID)
}

// Compact folds itemID's full history into a single item.snapshot
// event: it checks eligibility, builds the snapshot, appends it to the
// log, and then verifies it two ways against the sources it summarizes.
// A verification error is returned after the snapshot is already appended.
// minAgeDays of 0 uses compaction.DefaultMinAgeDays.
func (e *Engine) Compact(agent, itemID string, minAgeDays int) (*event.Event, error) {
	if minAgeDays == 0 {
		minAgeDays = compaction.DefaultMinAgeDays
	}
	sources, err := e.eventsForItem(itemID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("bones: %s: no events found for item", itemID)
	}

	st := itemstate.New(itemID)
	hashes := make([]string, 0, len(sources))
	for _, ev := range sources {
		if err := st.ApplyEvent(ev); err != nil {
			return nil, fmt.Errorf("bones: %s: replaying history: %w", itemID, err)
		}
		hashes = append(hashes, ev.Hash)
	}
	if !compaction.Eligible(st, e.now().UnixMicro(), minAgeDays, hashes, st.Redactions) {
		return nil, &ErrNotEligible{ItemID: itemID}
	}

	snap, err := compaction.BuildSnapshot(itemID, agent, sources)
	if err != nil {
		return nil, fmt.Errorf("bones: %s: building snapshot: %w", itemID, err)
	}

	if err := e.shard.Append(snap, false, 5*time.Second); err != nil {
		return nil, fmt.Errorf("bones: %s: appending snapshot: %w", itemID, err)
	}

	if err := compaction.VerifyCompaction(itemID, sources, snap); err != nil {
		return nil, fmt.Errorf("bones: %s: compaction verification failed after append: %w", itemID, err)
	}
	if err := compaction.VerifyLatticeJoin(itemID, sources, snap); err != nil {
		return nil, fmt.Errorf("bones: %s: lattice-join verification failed after append: %w", itemID, err)
	}
	return snap, nil
}

// VerifyRedactions runs the after-the-fact check (pkg/redact) over the
// whole log against this Engine's current projection database.
func (e *Engine) VerifyRedactions() ([]redact.Report, error) {
	all, err := e.shard.ReplayEvents()
	if err != nil {
		return nil, fmt.Errorf("bones: replaying log: %w", err)
	}
	return redact.VerifyRedactions(e.proj, all)
}
