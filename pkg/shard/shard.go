// Package shard manages the on-disk events/ directory: one file per
// calendar month, appended to under an advisory file lock, sealed with a
// manifest once the wall month moves past it, and replayable as a single
// logical concatenation regardless of how many monthly files it spans.
package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bobisme/bones/pkg/event"
	"github.com/bobisme/bones/pkg/recovery"
	"github.com/bobisme/bones/pkg/tsjson"
	"github.com/sirupsen/logrus"
)

const fileExt = ".events"
const manifestExt = ".manifest"

// Store manages the events/ directory.
type Store struct {
	dir   string
	clock *Clock
	now   func() time.Time
	Log   logrus.FieldLogger
}

func (s *Store) logger() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// Dir returns the events/ directory path this Store manages.
func (s *Store) Dir() string { return s.dir }

// Open ensures dir exists and returns a Store over it. clk supplies
// wall_ts_us values for appended events; now (time.Now if nil) determines
// which calendar month is currently active.
func Open(dir string, clk *Clock, now func() time.Time) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shard: creating %s: %w", dir, err)
	}
	if now == nil {
		now = time.Now
	}
	if clk == nil {
		clk = NewClock(now)
	}
	return &Store{dir: dir, clock: clk, now: now}, nil
}

func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// ActiveMonth returns the current wall-clock month key: the one shard that
// may still be appended to. Every other on-disk shard is sealed.
func (s *Store) ActiveMonth() string { return monthKey(s.now()) }

func (s *Store) shardPath(month string) string    { return filepath.Join(s.dir, month+fileExt) }
func (s *Store) manifestPath(month string) string { return filepath.Join(s.dir, month+manifestExt) }
func (s *Store) lockPath(month string) string     { return s.shardPath(month) + ".lock" }

// Append assigns e a wall_ts_us if it has none, encodes it, seals any
// stale shard, and writes the line to the current month's shard file
// under an exclusive advisory lock. On success e.Hash is populated.
func (s *Store) Append(e *event.Event, fsync bool, timeout time.Duration) error {
	if e.WallTSUs == 0 {
		e.WallTSUs = s.clock.Next()
	}
	line, err := tsjson.Encode(e)
	if err != nil {
		return err
	}

	// Contended appends back off the same way a locked projection open
	// does; a timeout surfaces as *recovery.ErrLockTimeout.
	month := monthKey(s.now())
	fl, err := recovery.OpenLocked(s.lockPath(month), timeout)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if err := s.sealStaleShards(month); err != nil {
		return err
	}

	path := s.shardPath(month)
	needsHeader := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("shard: opening %s: %w", path, err)
	}
	defer f.Close()

	var b strings.Builder
	if needsHeader {
		b.WriteString(tsjson.Header)
		b.WriteByte('\n')
	}
	b.WriteString(line)
	b.WriteByte('\n')
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("shard: writing %s: %w", path, err)
	}
	if fsync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("shard: fsync %s: %w", path, err)
		}
	}
	return nil
}

// shardMonths returns every *.events file's month key, sorted
// chronologically (the "YYYY-MM" naming sorts lexicographically too).
func (s *Store) shardMonths() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("shard: reading %s: %w", s.dir, err)
	}
	var months []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), fileExt) {
			months = append(months, strings.TrimSuffix(e.Name(), fileExt))
		}
	}
	sort.Strings(months)
	return months, nil
}

// Months returns every shard month present on disk, chronologically.
func (s *Store) Months() ([]string, error) { return s.shardMonths() }

// ShardPath returns the on-disk path of the given month's shard file.
func (s *Store) ShardPath(month string) string { return s.shardPath(month) }

// ManifestPath returns the on-disk path of the given month's manifest
// file, whether or not it currently exists.
func (s *Store) ManifestPath(month string) string { return s.manifestPath(month) }

// sealStaleShards writes a manifest for every shard whose month is earlier
// than currentMonth and does not already have one.
func (s *Store) sealStaleShards(currentMonth string) error {
	months, err := s.shardMonths()
	if err != nil {
		return err
	}
	for _, m := range months {
		if m >= currentMonth {
			continue
		}
		if _, err := os.Stat(s.manifestPath(m)); err == nil {
			continue // already sealed
		}
		if err := s.Seal(m); err != nil {
			return err
		}
	}
	return nil
}

// Seal computes and writes the manifest for the given month's shard file.
// It is idempotent: calling it again recomputes and overwrites the
// manifest from the file's current contents.
func (s *Store) Seal(month string) error {
	man, err := computeManifest(month, s.shardPath(month))
	if err != nil {
		return err
	}
	return writeManifest(s.manifestPath(month), man)
}

// Manifest returns the sealed manifest for month, if one exists.
func (s *Store) Manifest(month string) (*Manifest, error) {
	return readManifest(s.manifestPath(month))
}

// Replay concatenates every shard file's bytes, in chronological order.
func (s *Store) Replay() ([]byte, error) {
	months, err := s.shardMonths()
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, m := range months {
		data, err := os.ReadFile(s.shardPath(m))
		if err != nil {
			return nil, fmt.Errorf("shard: reading %s: %w", m, err)
		}
		out = append(out, data...)
	}
	return out, nil
}

// ReplayFromOffset returns the logical concatenation of all shards
// starting at byte offset n, plus the total concatenated length. Offset
// semantics span the whole logical log, not any one file.
func (s *Store) ReplayFromOffset(n int64) (data []byte, totalLen int64, err error) {
	all, err := s.Replay()
	if err != nil {
		return nil, 0, err
	}
	total := int64(len(all))
	if n < 0 || n > total {
		return nil, total, fmt.Errorf("shard: offset %d out of range [0,%d]", n, total)
	}
	return all[n:], total, nil
}

// ReplayEvents decodes every event line across all shards, in file order,
// skipping header/comment/blank lines and validating each shard's header
// version. A line whose kind is not one of the eleven known variants is a
// forward-compatibility warning, not an error: it is logged through s's
// logger and skipped, never dropped from the file itself.
func (s *Store) ReplayEvents() ([]*event.Event, error) {
	months, err := s.shardMonths()
	if err != nil {
		return nil, err
	}
	var out []*event.Event
	for _, m := range months {
		data, err := os.ReadFile(s.shardPath(m))
		if err != nil {
			return nil, fmt.Errorf("shard: reading %s: %w", m, err)
		}
		evs, err := decodeShardLines(m, string(data), s.logger())
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

func decodeShardLines(month, contents string, log logrus.FieldLogger) ([]*event.Event, error) {
	lines := strings.Split(contents, "\n")
	var out []*event.Event
	sawHeader := false
	for i, line := range lines {
		if line == "" {
			continue
		}
		if !sawHeader {
			if _, err := tsjson.ParseHeader(line); err != nil {
				return nil, fmt.Errorf("shard: %s.events line %d: %w", month, i+1, err)
			}
			sawHeader = true
			continue
		}
		if tsjson.IsComment(line) || tsjson.IsBlank(line) {
			continue
		}
		e, err := tsjson.Decode(line)
		if err != nil {
			if tsjson.IsUnknownKind(err) {
				log.WithFields(logrus.Fields{"shard": month, "line": i + 1}).Warn(err.Error())
				continue
			}
			return nil, fmt.Errorf("shard: %s.events line %d: %w", month, i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}
