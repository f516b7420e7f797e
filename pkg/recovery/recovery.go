// Package recovery implements bones's startup health-check sequence:
// torn-write truncation, corrupt-shard quarantine, corrupt-projection
// backup-then-rebuild, stale binary-cache eviction, and lock-timeout
// backoff. Every action here is safe to run unconditionally at startup —
// a healthy store is left untouched; an unhealthy one is repaired and the
// repair is reported so operators can see what happened.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobisme/bones/pkg/tsjson"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// PartialWriteReport describes a torn-tail repair.
type PartialWriteReport struct {
	Path         string
	BytesRemoved int
}

// RecoverPartialWrite truncates path at its last newline, removing any
// incomplete trailing write (a process killed mid-append never writes a
// line's final '\n', so the suffix after the last complete line is
// garbage). A file already ending in '\n', or empty, is untouched.
func RecoverPartialWrite(path string) (*PartialWriteReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recovery: reading %s: %w", path, err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return &PartialWriteReport{Path: path, BytesRemoved: 0}, nil
	}
	lastNL := strings.LastIndexByte(string(data), '\n')
	cut := lastNL + 1 // keep through the newline; -1+1 = 0 truncates everything
	removed := len(data) - cut
	if err := os.WriteFile(path, data[:cut], 0o644); err != nil {
		return nil, fmt.Errorf("recovery: truncating %s: %w", path, err)
	}
	return &PartialWriteReport{Path: path, BytesRemoved: removed}, nil
}

// CorruptShardReport describes a quarantined shard suffix.
type CorruptShardReport struct {
	Path            string
	QuarantinePath  string
	ValidLineCount  int
	CorruptAtLine   int // 1-based; 0 if no corruption found
	CorruptAtOffset int64
}

// RecoverCorruptShard scans path line by line. The first line that is
// neither blank, a comment, nor a validly-hashed event marks the
// corruption point: everything from that line onward is moved to
// "path.corrupt" and removed from the original file. A fully clean file
// is left untouched and CorruptAtLine is 0.
func RecoverCorruptShard(path string) (*CorruptShardReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recovery: reading %s: %w", path, err)
	}
	lines := strings.Split(string(data), "\n")
	// A trailing "" entry from the final '\n' is not a line.
	hasTrailingNL := len(lines) > 0 && lines[len(lines)-1] == ""
	if hasTrailingNL {
		lines = lines[:len(lines)-1]
	}

	offset := 0
	valid := 0
	sawHeader := false
	corruptAtLine := 0
	corruptAtOffset := int64(0)
	for i, line := range lines {
		lineLen := len(line) + 1 // + the '\n' this line was split on
		if line == "" {
			offset += lineLen
			continue
		}
		if !sawHeader {
			if _, err := tsjson.ParseHeader(line); err != nil {
				corruptAtLine = i + 1
				corruptAtOffset = int64(offset)
				break
			}
			sawHeader = true
			valid++
			offset += lineLen
			continue
		}
		if tsjson.IsComment(line) || tsjson.IsBlank(line) {
			valid++
			offset += lineLen
			continue
		}
		if _, err := tsjson.Decode(line); err != nil && !tsjson.IsUnknownKind(err) {
			corruptAtLine = i + 1
			corruptAtOffset = int64(offset)
			break
		}
		valid++
		offset += lineLen
	}

	report := &CorruptShardReport{Path: path, ValidLineCount: valid}
	if corruptAtLine == 0 {
		return report, nil
	}

	quarantinePath := path + ".corrupt"
	if err := os.WriteFile(quarantinePath, data[corruptAtOffset:], 0o644); err != nil {
		return nil, fmt.Errorf("recovery: writing quarantine %s: %w", quarantinePath, err)
	}
	if err := os.WriteFile(path, data[:corruptAtOffset], 0o644); err != nil {
		return nil, fmt.Errorf("recovery: truncating %s: %w", path, err)
	}
	report.QuarantinePath = quarantinePath
	report.CorruptAtLine = corruptAtLine
	report.CorruptAtOffset = corruptAtOffset
	return report, nil
}

// RecoverCorruptDB backs up an existing file at path to "path.corrupt"
// (overwriting any previous backup) so a fresh rebuild can start clean. A
// missing file is not an error — there is simply nothing to back up.
func RecoverCorruptDB(path string) (backedUp bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recovery: reading %s: %w", path, err)
	}
	backupPath := path + ".corrupt"
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return false, fmt.Errorf("recovery: writing %s: %w", backupPath, err)
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("recovery: removing %s: %w", path, err)
	}
	// SQLite WAL/SHM sidecars belong to the corrupt database; drop them too
	// so the next Open starts from a clean slate.
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	return true, nil
}

// RecoverCorruptCache deletes path unconditionally; the cache directory's
// contents are never authoritative and are regenerated lazily on demand.
func RecoverCorruptCache(path string) (removed bool, err error) {
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recovery: removing cache file %s: %w", path, err)
	}
	return true, nil
}

// ErrLockTimeout reports that OpenLocked could not acquire path's lock
// within the caller's total timeout.
type ErrLockTimeout struct {
	Path    string
	Timeout time.Duration
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("recovery: lock on %s not acquired within %s", e.Path, e.Timeout)
}

// OpenLocked retries acquiring an advisory exclusive lock on path with
// exponential backoff starting at 50ms and doubling up to a 2s cap, until
// totalTimeout elapses. Returns the held *flock.Flock on success; the
// caller must Unlock it.
func OpenLocked(path string, totalTimeout time.Duration) (*flock.Flock, error) {
	fl := flock.New(path)
	ctx, cancel := context.WithTimeout(context.Background(), totalTimeout)
	defer cancel()

	delay := 50 * time.Millisecond
	const maxDelay = 2 * time.Second
	deadline := time.Now().Add(totalTimeout)
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("recovery: locking %s: %w", path, err)
		}
		if locked {
			return fl, nil
		}
		if time.Now().After(deadline) {
			return nil, &ErrLockTimeout{Path: path, Timeout: totalTimeout}
		}
		select {
		case <-ctx.Done():
			return nil, &ErrLockTimeout{Path: path, Timeout: totalTimeout}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Report is the full result of AutoRecover: what was found and what was
// done about it, across every shard, the projection DB, and the cache.
type Report struct {
	PartialWrites []PartialWriteReport
	CorruptShards []CorruptShardReport
	DBBackedUp    bool
	CacheCleared  []string
}

// AutoRecover runs the full startup health-check sequence against
// bonesDir (the directory containing events/, bones.db, and cache/):
// every shard's torn-tail and corrupt-line checks, the projection DB's
// corrupt-backup check, and the cache directory's sweep. dbHealthy
// reports whether bones.db opened and passed a basic integrity probe;
// when false, AutoRecover backs it up and lets the caller rebuild fresh.
func AutoRecover(bonesDir string, dbHealthy bool, log logrus.FieldLogger) (*Report, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	report := &Report{}

	eventsDir := filepath.Join(bonesDir, "events")
	entries, err := os.ReadDir(eventsDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("recovery: reading %s: %w", eventsDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".events") {
			continue
		}
		path := filepath.Join(eventsDir, entry.Name())

		pw, err := RecoverPartialWrite(path)
		if err != nil {
			return nil, err
		}
		if pw.BytesRemoved > 0 {
			log.WithFields(logrus.Fields{"shard": entry.Name(), "bytes": pw.BytesRemoved}).Warn("recovery: truncated torn write")
			report.PartialWrites = append(report.PartialWrites, *pw)
		}

		cs, err := RecoverCorruptShard(path)
		if err != nil {
			return nil, err
		}
		if cs.CorruptAtLine > 0 {
			log.WithFields(logrus.Fields{"shard": entry.Name(), "line": cs.CorruptAtLine}).Warn("recovery: quarantined corrupt shard suffix")
			report.CorruptShards = append(report.CorruptShards, *cs)
		}
	}

	if !dbHealthy {
		dbPath := filepath.Join(bonesDir, "bones.db")
		backedUp, err := RecoverCorruptDB(dbPath)
		if err != nil {
			return nil, err
		}
		report.DBBackedUp = backedUp
		if backedUp {
			log.WithFields(logrus.Fields{"path": dbPath}).Warn("recovery: backed up corrupt projection database")
		}
	}

	// cache/ holds optional derived artifacts; nothing here validates their
	// internal format (it is never authoritative), so AutoRecover only
	// clears entries an I/O-level read failure already marks unreadable.
	// A consumer that independently detects a cache file's contents don't
	// parse calls RecoverCorruptCache directly instead.
	cacheDir := filepath.Join(bonesDir, "cache")
	cacheEntries, err := os.ReadDir(cacheDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("recovery: reading %s: %w", cacheDir, err)
	}
	for _, entry := range cacheEntries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(cacheDir, entry.Name())
		if _, err := os.ReadFile(path); err != nil {
			if removed, rerr := RecoverCorruptCache(path); rerr == nil && removed {
				report.CacheCleared = append(report.CacheCleared, path)
			}
		}
	}

	return report, nil
}
