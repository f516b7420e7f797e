// Package incremental implements the startup projection-apply path: read
// the persisted cursor, run a battery of safety checks, and either replay
// just the log's unapplied tail or fall back to a full rebuild. Every
// safety-check failure demotes silently to a rebuild rather than
// panicking — the projection is a cache, never the source of truth, so
// throwing it away and recomputing it is always a safe, if slower, move.
package incremental

import (
	"fmt"
	"os"
	"strings"

	"github.com/bobisme/bones/pkg/event"
	"github.com/bobisme/bones/pkg/projector"
	"github.com/bobisme/bones/pkg/shard"
	"github.com/bobisme/bones/pkg/tsjson"
	"github.com/sirupsen/logrus"
)

// cursorWindow is how many bytes before the cursor offset must contain the
// cursor's hash as a substring, proving the shard at that offset has not
// been silently rewritten since the cursor was recorded.
const cursorWindow = 512

// Report summarizes one incremental-apply run.
type Report struct {
	Rebuilt      bool
	RebuildCause string
	Result       *projector.BatchResult
	EventsSeen   int
	NewOffset    int64
}

// defaultLogger is the package-level sink for demotion-to-rebuild notices.
// Overridable per call via Options.
var defaultLogger logrus.FieldLogger = logrus.StandardLogger()

// Options configures one Apply call.
type Options struct {
	ForceFull bool
	Logger    logrus.FieldLogger
}

// Apply runs the startup projection-apply sequence against an
// already-open projector and shard store.
func Apply(store *shard.Store, proj *projector.Projector, opts Options) (*Report, error) {
	log := opts.Logger
	if log == nil {
		log = defaultLogger
	}

	if opts.ForceFull {
		return rebuild(store, proj, log, "force_full requested")
	}

	offset, cursorHash, err := proj.Cursor()
	if err != nil {
		return rebuild(store, proj, log, fmt.Sprintf("reading cursor: %v", err))
	}
	if offset == 0 && cursorHash == "" {
		return rebuild(store, proj, log, "initial cursor: no events ever applied")
	}

	if cause := runSafetyChecks(store, proj); cause != "" {
		return rebuild(store, proj, log, cause)
	}

	all, err := store.Replay()
	if err != nil {
		return rebuild(store, proj, log, fmt.Sprintf("reading shard log: %v", err))
	}
	total := int64(len(all))
	if offset > total {
		return rebuild(store, proj, log, fmt.Sprintf("cursor offset %d exceeds log length %d", offset, total))
	}

	// A nonzero offset with no recorded hash is corrupt cursor state;
	// never resume from it.
	if offset > 0 && cursorHash == "" {
		return rebuild(store, proj, log, "cursor has a nonzero offset but no recorded hash")
	}
	if offset > 0 {
		start := offset - cursorWindow
		if start < 0 {
			start = 0
		}
		window := string(all[start:offset])
		if !strings.Contains(window, cursorHash) {
			return rebuild(store, proj, log, "cursor hash not found in the window preceding its offset; shard may have been rewritten")
		}
	}

	tail := all[offset:]
	events, ends, lastHash, err := decodeTail(tail, offset, log)
	if err != nil {
		return rebuild(store, proj, log, fmt.Sprintf("parsing log tail: %v", err))
	}
	if lastHash == "" {
		lastHash = cursorHash
	}

	res, err := proj.ProjectBatchAdvancingCursor(events, ends, total, lastHash)
	if err != nil {
		return nil, fmt.Errorf("incremental: applying tail: %w", err)
	}
	return &Report{Result: res, EventsSeen: len(events), NewOffset: total}, nil
}

// decodeTail parses every event line in data, ignoring header/comment/
// blank lines and tolerating (skip + warn) any unknown event kind,
// exactly as a full replay does. Any other decode failure is a hard
// error: the tail is presumed corrupt and the caller should rebuild.
// base is data's offset within the logical concatenated log; ends[i] is
// the logical offset just past events[i]'s line, the position the cursor
// lands on when events[i] is the last one safely applied.
func decodeTail(data []byte, base int64, log logrus.FieldLogger) (events []*event.Event, ends []int64, lastHash string, err error) {
	lines := strings.Split(string(data), "\n")
	pos := base
	for i, line := range lines {
		if i == len(lines)-1 && line == "" {
			break // the split artifact after a trailing newline, not a line
		}
		lineEnd := pos + int64(len(line)) + 1
		if line == "" || tsjson.IsComment(line) || tsjson.IsBlank(line) {
			pos = lineEnd
			continue
		}
		e, derr := tsjson.Decode(line)
		if derr != nil {
			if tsjson.IsUnknownKind(derr) {
				log.WithFields(logrus.Fields{"line": i + 1}).Warn(derr.Error())
				pos = lineEnd
				continue
			}
			return nil, nil, "", fmt.Errorf("line %d: %w", i+1, derr)
		}
		events = append(events, e)
		ends = append(ends, lineEnd)
		lastHash = e.Hash
		pos = lineEnd
	}
	return events, ends, lastHash, nil
}

func rebuild(store *shard.Store, proj *projector.Projector, log logrus.FieldLogger, cause string) (*Report, error) {
	log.WithFields(logrus.Fields{"reason": cause}).Warn("incremental: demoting to full rebuild")
	if err := proj.Reset(); err != nil {
		return nil, fmt.Errorf("incremental: reset before rebuild: %w", err)
	}
	all, err := store.Replay()
	if err != nil {
		return nil, fmt.Errorf("incremental: replaying log for rebuild: %w", err)
	}
	events, ends, lastHash, err := decodeTail(all, 0, log)
	if err != nil {
		return nil, fmt.Errorf("incremental: parsing log for rebuild: %w", err)
	}
	res, err := proj.ProjectBatchAdvancingCursor(events, ends, int64(len(all)), lastHash)
	if err != nil {
		return nil, fmt.Errorf("incremental: rebuild projection: %w", err)
	}
	return &Report{Rebuilt: true, RebuildCause: cause, Result: res, EventsSeen: len(events), NewOffset: int64(len(all))}, nil
}

// runSafetyChecks returns a non-empty demotion reason if any check fails,
// or "" if every check passes.
func runSafetyChecks(store *shard.Store, proj *projector.Projector) string {
	v, err := proj.SchemaVersionInDB()
	if err != nil {
		return fmt.Sprintf("reading schema_version: %v", err)
	}
	if v != projector.SchemaVersion {
		return fmt.Sprintf("schema_version %d does not match code's expected %d", v, projector.SchemaVersion)
	}
	if !proj.HasProjectedEventsTable() {
		return "projected_events tracking table is missing"
	}

	months, err := store.Months()
	if err != nil {
		return fmt.Sprintf("listing shards: %v", err)
	}
	active := store.ActiveMonth()
	for _, m := range months {
		if m >= active {
			continue // active shard, not sealed, no manifest expected
		}
		man, err := store.Manifest(m)
		if err != nil {
			continue // no manifest recorded yet; nothing to compare against
		}
		fi, err := os.Stat(store.ShardPath(m))
		if err != nil {
			return fmt.Sprintf("stat sealed shard %s: %v", m, err)
		}
		if fi.Size() != man.ByteLen {
			return fmt.Sprintf("sealed shard %s byte length %d does not match manifest %d", m, fi.Size(), man.ByteLen)
		}
	}
	return ""
}
