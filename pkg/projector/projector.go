// Package projector materializes the append-only event log into a
// read-optimized relational surface: one row per item, join tables for
// labels/assignees/dependencies, a comment table, a redaction ledger, and
// an FTS index. Projection is the only thing reads ever query; nothing on
// the read path replays the log.
//
// project_event is idempotent with respect to the projected_events
// tracking table: an event hash already recorded there is a silent no-op.
// Because OR-Sets resolve membership by tag rather than by a flat
// add/remove count, the projector keeps each touched item's full CRDT
// aggregate cached in item_crdt_cache (an internal table, not part of the
// query surface) so a later event can correctly add/remove join rows
// without re-replaying that item's whole history.
package projector

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bobisme/bones/pkg/event"
	"github.com/bobisme/bones/pkg/itemstate"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the projection schema version this code produces and
// expects. Incremental apply's safety checks demote to a full rebuild
// whenever a database's stored version does not match.
const SchemaVersion = 1

// Projector owns the projection SQLite database.
type Projector struct {
	db  *sql.DB
	Log logrus.FieldLogger
}

// Open opens (creating if absent) the projection database at path and
// ensures its schema exists.
func Open(path string) (*Projector, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("projector: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &Projector{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("projector: migrate: %w", err)
	}
	return p, nil
}

// DB returns the underlying *sql.DB, for callers (incremental apply,
// recovery) that need direct cursor/meta access.
func (p *Projector) DB() *sql.DB { return p.db }

func (p *Projector) Close() error { return p.db.Close() }

func (p *Projector) logger() logrus.FieldLogger {
	if p.Log != nil {
		return p.Log
	}
	return logrus.StandardLogger()
}

func (p *Projector) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projection_meta (
		id                INTEGER PRIMARY KEY CHECK (id = 1),
		schema_version    INTEGER NOT NULL,
		last_event_offset INTEGER NOT NULL DEFAULT 0,
		last_event_hash   TEXT
	);

	CREATE TABLE IF NOT EXISTS projected_events (
		event_hash TEXT PRIMARY KEY,
		wall_ts_us INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		item_id       TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL,
		kind          TEXT NOT NULL,
		state         TEXT NOT NULL,
		urgency       TEXT,
		size          TEXT,
		parent_id     TEXT,
		is_deleted    INTEGER NOT NULL DEFAULT 0,
		created_at_us INTEGER NOT NULL,
		updated_at_us INTEGER NOT NULL,
		search_labels TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS item_labels (
		item_id       TEXT NOT NULL,
		label         TEXT NOT NULL,
		created_at_us INTEGER NOT NULL,
		PRIMARY KEY (item_id, label)
	);

	CREATE TABLE IF NOT EXISTS item_assignees (
		item_id       TEXT NOT NULL,
		agent         TEXT NOT NULL,
		created_at_us INTEGER NOT NULL,
		PRIMARY KEY (item_id, agent)
	);

	CREATE TABLE IF NOT EXISTS item_dependencies (
		item_id            TEXT NOT NULL,
		depends_on_item_id TEXT NOT NULL,
		link_type          TEXT NOT NULL,
		created_at_us      INTEGER NOT NULL,
		PRIMARY KEY (item_id, depends_on_item_id, link_type)
	);

	CREATE TABLE IF NOT EXISTS item_comments (
		comment_id    TEXT PRIMARY KEY,
		item_id       TEXT NOT NULL,
		event_hash    TEXT NOT NULL UNIQUE,
		body          TEXT NOT NULL,
		created_at_us INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_item_comments_item ON item_comments(item_id);

	CREATE TABLE IF NOT EXISTS event_redactions (
		target_event_hash    TEXT PRIMARY KEY,
		reason               TEXT NOT NULL,
		wall_ts_us           INTEGER NOT NULL,
		redaction_event_hash TEXT NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
		item_id UNINDEXED, text, tokenize = 'unicode61'
	);

	CREATE TABLE IF NOT EXISTS item_crdt_cache (
		item_id    TEXT PRIMARY KEY,
		state_json TEXT NOT NULL
	);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return err
	}
	_, err := p.db.Exec(
		`INSERT INTO projection_meta (id, schema_version, last_event_offset, last_event_hash)
		 VALUES (1, ?, 0, NULL)
		 ON CONFLICT(id) DO NOTHING`,
		SchemaVersion,
	)
	return err
}

// SchemaVersionInDB returns the schema_version recorded in the open database.
func (p *Projector) SchemaVersionInDB() (int, error) {
	var v int
	err := p.db.QueryRow(`SELECT schema_version FROM projection_meta WHERE id = 1`).Scan(&v)
	return v, err
}

// Cursor returns the persisted (byte_offset, last_event_hash) cursor.
func (p *Projector) Cursor() (offset int64, hash string, err error) {
	var h sql.NullString
	err = p.db.QueryRow(
		`SELECT last_event_offset, last_event_hash FROM projection_meta WHERE id = 1`,
	).Scan(&offset, &h)
	if err != nil {
		return 0, "", err
	}
	return offset, h.String, nil
}

// SetCursor persists a new cursor position. Callers update this inside
// the same transaction that applied the events producing it.
func SetCursor(tx *sql.Tx, offset int64, hash string) error {
	var h any
	if hash != "" {
		h = hash
	}
	_, err := tx.Exec(
		`UPDATE projection_meta SET last_event_offset = ?, last_event_hash = ? WHERE id = 1`,
		offset, h,
	)
	return err
}

// HasProjectedEventsTable reports whether the projected_events tracking
// table exists — one of incremental apply's startup safety checks.
func (p *Projector) HasProjectedEventsTable() bool {
	var name string
	err := p.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'projected_events'`,
	).Scan(&name)
	return err == nil
}

// Begin starts a transaction used for one project_batch call.
func (p *Projector) Begin() (*sql.Tx, error) { return p.db.Begin() }

// BatchResult summarizes the outcome of project_batch: how many events
// were newly materialized, how many were already applied (idempotent
// no-ops), and how many failed with a domain error of their own. The
// batch transaction still commits; a failed event simply leaves no row
// effect and is not marked projected. Cursor-advancing callers stop the
// cursor just short of the first failed event, so it is retried verbatim
// on the next pass while everything projected after it dedupes.
type BatchResult struct {
	Projected int
	Duplicate int
	Errors    []EventError
}

// EventError pairs a failing event's hash and batch position with the
// error projecting it.
type EventError struct {
	Index     int
	EventHash string
	Err       error
}

// ProjectBatch applies events in order inside one transaction. The whole
// batch commits as a unit (an I/O failure aborts it entirely); a single
// event's domain error only aborts that event's own row effects.
func (p *Projector) ProjectBatch(events []*event.Event) (*BatchResult, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	res, err := p.projectBatchTx(tx, events)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// ProjectBatchAdvancingCursor projects events and advances the projection
// cursor inside one transaction, so the cursor and the rows it describes
// either both commit or both roll back together. ends[i] is the logical
// byte offset just past events[i]'s line; when every event applies
// cleanly the cursor lands on (newOffset, newHash), otherwise it stops
// just short of the first failed event (and is left untouched when that
// is the very first in the batch), so the failure is re-read and retried
// on the next pass instead of being skipped forever.
func (p *Projector) ProjectBatchAdvancingCursor(events []*event.Event, ends []int64, newOffset int64, newHash string) (*BatchResult, error) {
	if len(ends) != len(events) {
		return nil, fmt.Errorf("projector: %d events but %d end offsets", len(events), len(ends))
	}
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	res, err := p.projectBatchTx(tx, events)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if len(res.Errors) > 0 {
		if i := res.Errors[0].Index; i > 0 {
			newOffset, newHash = ends[i-1], events[i-1].Hash
		} else {
			if err := tx.Commit(); err != nil {
				return nil, err
			}
			return res, nil
		}
	}
	if err := SetCursor(tx, newOffset, newHash); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// Reset clears every projected row and the cursor, leaving the schema in
// place. Used before a full rebuild walks the log from scratch.
func (p *Projector) Reset() error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	tables := []string{
		"items", "item_labels", "item_assignees", "item_dependencies",
		"item_comments", "event_redactions", "items_fts", "item_crdt_cache",
		"projected_events",
	}
	for _, t := range tables {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, t)); err != nil {
			tx.Rollback()
			return err
		}
	}
	if _, err := tx.Exec(
		`UPDATE projection_meta SET schema_version = ?, last_event_offset = 0, last_event_hash = NULL WHERE id = 1`,
		SchemaVersion,
	); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *Projector) projectBatchTx(tx *sql.Tx, events []*event.Event) (*BatchResult, error) {
	res := &BatchResult{}
	cache := map[string]*itemstate.ItemState{}
	for i, e := range events {
		dup, err := p.projectOne(tx, cache, e)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, EventError{Index: i, EventHash: e.Hash, Err: err})
			p.logger().WithFields(logrus.Fields{"event_hash": e.Hash, "item_id": e.ItemID}).Warn(err.Error())
		case dup:
			res.Duplicate++
		default:
			res.Projected++
		}
	}
	return res, nil
}

// ProjectEvent applies a single event in its own transaction. Equivalent
// to ProjectBatch with one element, provided for callers projecting
// events one at a time (e.g. immediately after an append).
func (p *Projector) ProjectEvent(e *event.Event) (duplicate bool, err error) {
	tx, err := p.db.Begin()
	if err != nil {
		return false, err
	}
	cache := map[string]*itemstate.ItemState{}
	dup, err := p.projectOne(tx, cache, e)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return dup, nil
}

func alreadyProjected(tx *sql.Tx, hash string) (bool, error) {
	var h string
	err := tx.QueryRow(`SELECT event_hash FROM projected_events WHERE event_hash = ?`, hash).Scan(&h)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Projector) projectOne(tx *sql.Tx, cache map[string]*itemstate.ItemState, e *event.Event) (duplicate bool, err error) {
	dup, err := alreadyProjected(tx, e.Hash)
	if err != nil {
		return false, err
	}
	if dup {
		return true, nil
	}

	if e.Kind == event.KindRedact {
		if err := p.applyRedaction(tx, e); err != nil {
			return false, err
		}
		if _, err := tx.Exec(`INSERT INTO projected_events (event_hash, wall_ts_us) VALUES (?, ?)`, e.Hash, e.WallTSUs); err != nil {
			return false, err
		}
		return false, nil
	}

	st, err := p.loadState(tx, cache, e.ItemID)
	if err != nil {
		return false, err
	}
	if err := st.ApplyEvent(e); err != nil {
		return false, fmt.Errorf("projector: applying %s to %s: %w", e.Kind, e.ItemID, err)
	}

	if err := p.saveState(tx, st); err != nil {
		return false, err
	}
	if err := p.writeItemRow(tx, st); err != nil {
		return false, err
	}
	if err := p.writeJoinTables(tx, st); err != nil {
		return false, err
	}
	if e.Kind == event.KindComment {
		if err := p.writeComment(tx, e, st); err != nil {
			return false, err
		}
	}
	if err := p.refreshFTS(tx, st); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`INSERT INTO projected_events (event_hash, wall_ts_us) VALUES (?, ?)`, e.Hash, e.WallTSUs); err != nil {
		return false, err
	}
	return false, nil
}

func (p *Projector) loadState(tx *sql.Tx, cache map[string]*itemstate.ItemState, itemID string) (*itemstate.ItemState, error) {
	if st, ok := cache[itemID]; ok {
		return st, nil
	}
	var blob string
	err := tx.QueryRow(`SELECT state_json FROM item_crdt_cache WHERE item_id = ?`, itemID).Scan(&blob)
	switch {
	case err == sql.ErrNoRows:
		st := itemstate.New(itemID)
		cache[itemID] = st
		return st, nil
	case err != nil:
		return nil, err
	}
	st, err := decodeCachedState(itemID, blob)
	if err != nil {
		return nil, err
	}
	cache[itemID] = st
	return st, nil
}

func (p *Projector) saveState(tx *sql.Tx, st *itemstate.ItemState) error {
	blob, err := encodeCachedState(st)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO item_crdt_cache (item_id, state_json) VALUES (?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET state_json = excluded.state_json`,
		st.ItemID, blob,
	)
	return err
}

// cachedState is the JSON-friendly mirror of itemstate.ItemState, reusing
// the same snapshot shapes item.snapshot events carry so the same codec
// serves both the internal cache and the wire format.
type cachedState struct {
	Title       event.LWWFieldSnapshot  `json:"title"`
	Description event.LWWFieldSnapshot  `json:"description"`
	ItemKind    event.LWWFieldSnapshot  `json:"item_kind"`
	Size        event.LWWFieldSnapshot  `json:"size"`
	Urgency     event.LWWFieldSnapshot  `json:"urgency"`
	ParentID    event.LWWFieldSnapshot  `json:"parent_id"`
	Deleted     event.LWWFieldSnapshot  `json:"deleted"`
	PhaseState  event.PhaseSnapshot     `json:"phase_state"`
	Assignees   event.ORSetSnapshot     `json:"assignees"`
	Labels      event.ORSetSnapshot     `json:"labels"`
	BlockedBy   event.ORSetSnapshot     `json:"blocked_by"`
	RelatedTo   event.ORSetSnapshot     `json:"related_to"`
	Comments    []string                `json:"comments"`
	CommentBody map[string]commentCache `json:"comment_body"`
	Redactions  map[string]string       `json:"redactions"`
	CreatedAtUs int64                   `json:"created_at_us"`
	UpdatedAtUs int64                   `json:"updated_at_us"`
}

type commentCache struct {
	Body     string `json:"body"`
	WallTSUs int64  `json:"wall_ts_us"`
}

func encodeCachedState(st *itemstate.ItemState) (string, error) {
	cs := cachedState{
		Title:       st.Title.Snapshot(),
		Description: st.Description.Snapshot(),
		ItemKind:    itemKindSnapshot(st),
		Size:        st.Size.Snapshot(),
		Urgency:     st.Urgency.Snapshot(),
		ParentID:    st.ParentID.Snapshot(),
		Deleted:     st.Deleted.Snapshot(),
		PhaseState:  st.Phase.Snapshot(),
		Assignees:   st.Assignees.Snapshot(),
		Labels:      st.Labels.Snapshot(),
		BlockedBy:   st.BlockedBy.Snapshot(),
		RelatedTo:   st.RelatedTo.Snapshot(),
		Comments:    st.Comments.Elements(),
		CommentBody: map[string]commentCache{},
		Redactions:  st.Redactions,
		CreatedAtUs: st.CreatedAtUs,
		UpdatedAtUs: st.UpdatedAtUs,
	}
	for h, c := range st.CommentBody {
		cs.CommentBody[h] = commentCache{Body: c.Body, WallTSUs: c.WallTSUs}
	}
	data, err := json.Marshal(cs)
	return string(data), err
}

func itemKindSnapshot(st *itemstate.ItemState) event.LWWFieldSnapshot {
	snap := st.ItemKind.Snapshot()
	if s, ok := snap.Value.(event.ItemKind); ok {
		snap.Value = string(s)
	}
	return snap
}

func decodeCachedState(itemID, blob string) (*itemstate.ItemState, error) {
	var cs cachedState
	if err := json.Unmarshal([]byte(blob), &cs); err != nil {
		return nil, fmt.Errorf("projector: decoding cached state for %s: %w", itemID, err)
	}
	p := &event.SnapshotPayload{
		Title:       cs.Title,
		Description: cs.Description,
		ItemKind:    cs.ItemKind,
		Size:        cs.Size,
		Urgency:     cs.Urgency,
		ParentID:    cs.ParentID,
		Deleted:     cs.Deleted,
		PhaseState:  cs.PhaseState,
		Assignees:   cs.Assignees,
		Labels:      cs.Labels,
		BlockedBy:   cs.BlockedBy,
		RelatedTo:   cs.RelatedTo,
		Comments:    cs.Comments,
		CreatedAtUs: cs.CreatedAtUs,
	}
	st := itemstate.New(itemID)
	st.ApplyEvent(&event.Event{
		Kind:    event.KindSnapshot,
		ItemID:  itemID,
		Payload: p,
	})
	for h, c := range cs.CommentBody {
		st.CommentBody[h] = itemstate.CommentRecord{Body: c.Body, WallTSUs: c.WallTSUs}
	}
	if cs.UpdatedAtUs > st.UpdatedAtUs {
		st.UpdatedAtUs = cs.UpdatedAtUs
	}
	return st, nil
}

func (p *Projector) writeItemRow(tx *sql.Tx, st *itemstate.ItemState) error {
	var size, urgency, parentID any
	if st.Size.Value != nil {
		size = *st.Size.Value
	}
	if st.Urgency.Value != nil {
		urgency = *st.Urgency.Value
	}
	if st.ParentID.Value != nil {
		parentID = *st.ParentID.Value
	}
	searchLabels := strings.Join(st.Labels.Elements(), " ")
	_, err := tx.Exec(`
		INSERT INTO items (item_id, title, description, kind, state, urgency, size, parent_id,
		                    is_deleted, created_at_us, updated_at_us, search_labels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			title = excluded.title, description = excluded.description, kind = excluded.kind,
			state = excluded.state, urgency = excluded.urgency, size = excluded.size,
			parent_id = excluded.parent_id, is_deleted = excluded.is_deleted,
			updated_at_us = excluded.updated_at_us, search_labels = excluded.search_labels`,
		st.ItemID, st.Title.Value, st.Description.Value, string(st.ItemKind.Value), string(st.Phase.Phase),
		urgency, size, parentID, boolToInt(st.Deleted.Value), st.CreatedAtUs, st.UpdatedAtUs, searchLabels,
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (p *Projector) writeJoinTables(tx *sql.Tx, st *itemstate.ItemState) error {
	if err := syncJoinTable(tx, "item_labels", "label", st.ItemID, st.Labels.Elements(), st.UpdatedAtUs); err != nil {
		return err
	}
	if err := syncJoinTable(tx, "item_assignees", "agent", st.ItemID, st.Assignees.Elements(), st.UpdatedAtUs); err != nil {
		return err
	}
	if err := syncDependencies(tx, st.ItemID, "blocked_by", st.BlockedBy.Elements(), st.UpdatedAtUs); err != nil {
		return err
	}
	if err := syncDependencies(tx, st.ItemID, "related_to", st.RelatedTo.Elements(), st.UpdatedAtUs); err != nil {
		return err
	}
	return nil
}

// syncJoinTable reconciles a two-column join table against the OR-Set's
// current live element set: insert what's missing, delete what's no
// longer live. col is the non-item_id column name.
func syncJoinTable(tx *sql.Tx, table, col, itemID string, live []string, ts int64) error {
	liveSet := make(map[string]bool, len(live))
	for _, v := range live {
		liveSet[v] = true
	}
	rows, err := tx.Query(fmt.Sprintf(`SELECT %s FROM %s WHERE item_id = ?`, col, table), itemID)
	if err != nil {
		return err
	}
	var existing []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		existing = append(existing, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	existingSet := make(map[string]bool, len(existing))
	for _, v := range existing {
		existingSet[v] = true
	}
	for _, v := range live {
		if !existingSet[v] {
			if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (item_id, %s, created_at_us) VALUES (?, ?, ?)`, table, col), itemID, v, ts); err != nil {
				return err
			}
		}
	}
	for _, v := range existing {
		if !liveSet[v] {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE item_id = ? AND %s = ?`, table, col), itemID, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func syncDependencies(tx *sql.Tx, itemID, linkType string, live []string, ts int64) error {
	liveSet := make(map[string]bool, len(live))
	for _, v := range live {
		liveSet[v] = true
	}
	rows, err := tx.Query(
		`SELECT depends_on_item_id FROM item_dependencies WHERE item_id = ? AND link_type = ?`,
		itemID, linkType,
	)
	if err != nil {
		return err
	}
	var existing []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		existing = append(existing, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	existingSet := make(map[string]bool, len(existing))
	for _, v := range existing {
		existingSet[v] = true
	}
	for _, v := range live {
		if !existingSet[v] {
			if _, err := tx.Exec(
				`INSERT INTO item_dependencies (item_id, depends_on_item_id, link_type, created_at_us) VALUES (?, ?, ?, ?)`,
				itemID, v, linkType, ts,
			); err != nil {
				return err
			}
		}
	}
	for _, v := range existing {
		if !liveSet[v] {
			if _, err := tx.Exec(
				`DELETE FROM item_dependencies WHERE item_id = ? AND depends_on_item_id = ? AND link_type = ?`,
				itemID, v, linkType,
			); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Projector) writeComment(tx *sql.Tx, e *event.Event, st *itemstate.ItemState) error {
	rec, ok := st.CommentBody[e.Hash]
	if !ok {
		return nil
	}
	body := rec.Body
	if isRedacted(tx, e.Hash) {
		body = "[redacted]"
	}
	_, err := tx.Exec(
		`INSERT INTO item_comments (comment_id, item_id, event_hash, body, created_at_us) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(event_hash) DO UPDATE SET body = excluded.body`,
		uuid.New().String(), st.ItemID, e.Hash, body, rec.WallTSUs,
	)
	return err
}

func isRedacted(tx *sql.Tx, eventHash string) bool {
	var target string
	err := tx.QueryRow(`SELECT target_event_hash FROM event_redactions WHERE target_event_hash = ?`, eventHash).Scan(&target)
	return err == nil
}

func (p *Projector) applyRedaction(tx *sql.Tx, e *event.Event) error {
	rp, ok := e.Payload.(*event.RedactPayload)
	if !ok {
		return fmt.Errorf("projector: item.redact payload has wrong type %T", e.Payload)
	}
	_, err := tx.Exec(
		`INSERT INTO event_redactions (target_event_hash, reason, wall_ts_us, redaction_event_hash) VALUES (?, ?, ?, ?)
		 ON CONFLICT(target_event_hash) DO NOTHING`,
		rp.TargetEventHash, rp.Reason, e.WallTSUs, e.Hash,
	)
	if err != nil {
		return err
	}
	var itemID string
	err = tx.QueryRow(`SELECT item_id FROM item_comments WHERE event_hash = ?`, rp.TargetEventHash).Scan(&itemID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE item_comments SET body = '[redacted]' WHERE event_hash = ?`, rp.TargetEventHash); err != nil {
		return err
	}
	st, err := loadStateNoCache(tx, itemID)
	if err != nil {
		return err
	}
	return refreshFTSRow(tx, itemID, st)
}

func loadStateNoCache(tx *sql.Tx, itemID string) (*itemstate.ItemState, error) {
	var blob string
	err := tx.QueryRow(`SELECT state_json FROM item_crdt_cache WHERE item_id = ?`, itemID).Scan(&blob)
	if err == sql.ErrNoRows {
		return itemstate.New(itemID), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeCachedState(itemID, blob)
}

func (p *Projector) refreshFTS(tx *sql.Tx, st *itemstate.ItemState) error {
	return refreshFTSRow(tx, st.ItemID, st)
}

// refreshFTSRow rebuilds one item's denormalized searchable text from
// title, description, and labels, plus every non-redacted comment body —
// never the body of a redacted comment, so redaction holds even through
// the search surface.
func refreshFTSRow(tx *sql.Tx, itemID string, st *itemstate.ItemState) error {
	parts := []string{st.Title.Value, st.Description.Value}
	parts = append(parts, st.Labels.Elements()...)
	rows, err := tx.Query(
		`SELECT body FROM item_comments WHERE item_id = ? AND body != '[redacted]'`, itemID,
	)
	if err != nil {
		return err
	}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			rows.Close()
			return err
		}
		parts = append(parts, body)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	text := strings.Join(parts, " ")

	if _, err := tx.Exec(`DELETE FROM items_fts WHERE item_id = ?`, itemID); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO items_fts (item_id, text) VALUES (?, ?)`, itemID, text)
	return err
}

// itemIDAlphabet is the compact alphabet item ids are drawn from:
// lowercase letters and digits.
const itemIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// maxItemIDLen bounds the adaptive-length search; the projection would
// need billions of rows before a length-8 suffix collides.
const maxItemIDLen = 8

// NextItemID derives a short, collision-free item id from seed (typically
// the triggering event's eventual hash material, e.g. title+agent+ts):
// it hashes seed, maps the digest onto itemIDAlphabet, and returns the
// shortest prefix (starting at 3 characters) not already present in the
// items table.
func NextItemID(tx *sql.Tx, seed string) (string, error) {
	sum := blake3.Sum256([]byte(seed))
	seq := make([]byte, 0, len(sum)*2)
	for _, b := range sum {
		seq = append(seq, itemIDAlphabet[int(b)%len(itemIDAlphabet)])
		seq = append(seq, itemIDAlphabet[int(b>>4)%len(itemIDAlphabet)])
	}
	for n := 3; n <= maxItemIDLen && n <= len(seq); n++ {
		candidate := "bn-" + string(seq[:n])
		var existing string
		err := tx.QueryRow(`SELECT item_id FROM items WHERE item_id = ?`, candidate).Scan(&existing)
		if err == sql.ErrNoRows {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("projector: no collision-free item id found up to length %d for seed %q", maxItemIDLen, seed)
}
