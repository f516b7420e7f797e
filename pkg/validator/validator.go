// Package validator classifies event lines and shard files against the
// on-disk format's integrity rules, without ever aborting a bulk scan: a
// report accumulates every failure found so operators see the whole
// picture in one pass.
package validator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bobisme/bones/pkg/event"
	"github.com/bobisme/bones/pkg/tsjson"
)

// Code names one failure category from the validation taxonomy.
type Code string

const (
	BadFieldCount      Code = "BadFieldCount"
	MalformedTimestamp Code = "MalformedTimestamp"
	InvalidAgent       Code = "InvalidAgent"
	EmptyItc           Code = "EmptyItc"
	InvalidParentHash  Code = "InvalidParentHash"
	InvalidEventType   Code = "InvalidEventType"
	InvalidItemId      Code = "InvalidItemId"
	InvalidJson        Code = "InvalidJson"
	InvalidHashFormat  Code = "InvalidHashFormat"
	HashChainBroken    Code = "HashChainBroken"
	OversizedPayload   Code = "OversizedPayload"
	UnsupportedVersion Code = "UnsupportedVersion"
	TruncatedFile      Code = "TruncatedFile"
	ManifestMismatch      Code = "ManifestMismatch"
	ManifestSizeMismatch  Code = "ManifestSizeMismatch"
	ManifestCountMismatch Code = "ManifestCountMismatch"
)

// Finding is one validation failure, identified by its code, a
// human-readable message, and (for shard-level validation) the 1-based
// line number it occurred on.
type Finding struct {
	Code    Code
	Line    int // 0 when not line-scoped
	Message string
}

func (f Finding) Error() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s at line %d: %s", f.Code, f.Line, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

var hashFormatRE = regexp.MustCompile(`^blake3:[0-9a-f]{64}$`)
var itemIDRE = regexp.MustCompile(`^bn-[a-z0-9]{3,8}$`)
var agentRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateEvent runs every syntax and integrity check TSJSON decoding
// implies, classifying the first failure it finds. Returns nil if line is
// fully valid. ValidateShard calls it for every event line; tsjson.Decode
// does not, and its failures carry tsjson's own error types.
func ValidateEvent(line string) *Finding {
	fields := strings.Split(line, "\t")
	if len(fields) != 8 {
		return &Finding{Code: BadFieldCount, Message: fmt.Sprintf("got %d fields, want 8", len(fields))}
	}
	wallTS, agent, itc, parentsCSV, kindStr, itemID, dataJSON, hash := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6], fields[7]

	if !isUnsignedInt(wallTS) {
		return &Finding{Code: MalformedTimestamp, Message: fmt.Sprintf("wall_ts_us %q is not a non-negative integer", wallTS)}
	}
	if agent == "" || !agentRE.MatchString(agent) {
		return &Finding{Code: InvalidAgent, Message: fmt.Sprintf("agent %q is empty or contains invalid characters", agent)}
	}
	if strings.TrimSpace(itc) == "" {
		return &Finding{Code: EmptyItc, Message: "itc field is empty"}
	}
	if parentsCSV != "" {
		for _, p := range strings.Split(parentsCSV, ",") {
			if !hashFormatRE.MatchString(p) {
				return &Finding{Code: InvalidParentHash, Message: fmt.Sprintf("parent hash %q is malformed", p)}
			}
		}
	}
	if !event.IsKnown(event.Kind(kindStr)) {
		return &Finding{Code: InvalidEventType, Message: fmt.Sprintf("unknown event kind %q", kindStr)}
	}
	if !itemIDRE.MatchString(itemID) {
		return &Finding{Code: InvalidItemId, Message: fmt.Sprintf("item_id %q does not match bn-[a-z0-9]{3,8}", itemID)}
	}
	if len(dataJSON) > tsjson.MaxPayloadBytes {
		return &Finding{Code: OversizedPayload, Message: fmt.Sprintf("payload is %d bytes, max %d", len(dataJSON), tsjson.MaxPayloadBytes)}
	}
	if !hashFormatRE.MatchString(hash) {
		return &Finding{Code: InvalidHashFormat, Message: fmt.Sprintf("event_hash %q is not blake3:<64 hex>", hash)}
	}

	e, err := tsjson.Decode(line)
	if err != nil {
		switch {
		case isHashMismatch(err):
			return &Finding{Code: HashChainBroken, Message: err.Error()}
		case isOversized(err):
			return &Finding{Code: OversizedPayload, Message: err.Error()}
		default:
			return &Finding{Code: InvalidJson, Message: err.Error()}
		}
	}
	_ = e
	return nil
}

func isHashMismatch(err error) bool {
	_, ok := err.(*tsjson.ErrHashMismatch)
	return ok
}

func isOversized(err error) bool {
	_, ok := err.(*tsjson.ErrOversizedPayload)
	return ok
}

func isUnsignedInt(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

const maxSamples = 20

// ShardReport summarizes one shard file's validation pass.
type ShardReport struct {
	Path         string
	TotalLines   int
	ValidLines   int
	Truncated    bool
	Findings     []Finding
	SampleCapped bool
}

// ValidateShard reads the whole file at path (already loaded into
// contents by the caller, so this never does I/O itself — keeping
// pkg/validator decoupled from any particular filesystem layout),
// checking UTF-8 validity, the header line, and every event line in
// order. A missing trailing newline sets Truncated but does not stop the
// scan. Findings are capped at maxSamples to bound memory on large,
// badly corrupted files; Findings exceeding the cap are still counted
// toward TotalLines/ValidLines but not recorded individually.
func ValidateShard(path, contents string) *ShardReport {
	r := &ShardReport{Path: path}

	if !utf8.ValidString(contents) {
		r.addFinding(Finding{Code: InvalidJson, Message: "file is not valid UTF-8"})
	}
	if len(contents) > 0 && !strings.HasSuffix(contents, "\n") {
		r.Truncated = true
	}

	lines := strings.Split(contents, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	sawHeader := false
	for i, line := range lines {
		lineNo := i + 1
		if line == "" {
			continue
		}
		if !sawHeader {
			if _, err := tsjson.ParseHeader(line); err != nil {
				if _, ok := err.(*tsjson.ErrUnsupportedVersion); ok {
					r.addFinding(Finding{Code: UnsupportedVersion, Line: lineNo, Message: err.Error()})
				} else {
					r.addFinding(Finding{Code: InvalidJson, Line: lineNo, Message: err.Error()})
				}
				sawHeader = true
				continue
			}
			sawHeader = true
			continue
		}
		if tsjson.IsComment(line) || tsjson.IsBlank(line) {
			r.ValidLines++
			continue
		}
		r.TotalLines++
		if f := ValidateEvent(line); f != nil {
			f.Line = lineNo
			r.addFinding(*f)
			continue
		}
		r.ValidLines++
	}
	return r
}

func (r *ShardReport) addFinding(f Finding) {
	if len(r.Findings) >= maxSamples {
		r.SampleCapped = true
		return
	}
	r.Findings = append(r.Findings, f)
}

// CheckManifest compares a computed shard summary against its recorded
// manifest fields, appending any mismatch findings to report.
func CheckManifest(report *ShardReport, manifestHash string, manifestByteLen int64, manifestEventCount int, actualHash string, actualByteLen int64, actualEventCount int) {
	if manifestHash != actualHash {
		report.addFinding(Finding{Code: ManifestMismatch, Message: fmt.Sprintf("manifest file_hash %s != computed %s", manifestHash, actualHash)})
	}
	if manifestByteLen != actualByteLen {
		report.addFinding(Finding{Code: ManifestSizeMismatch, Message: fmt.Sprintf("manifest byte_len %d != actual %d", manifestByteLen, actualByteLen)})
	}
	if manifestEventCount != actualEventCount {
		report.addFinding(Finding{Code: ManifestCountMismatch, Message: fmt.Sprintf("manifest event_count %d != actual %d", manifestEventCount, actualEventCount)})
	}
}

// ShardFile pairs a shard's name with its already-read contents, the
// input shape ValidateAll expects so it stays independent of how the
// caller enumerates files on disk.
type ShardFile struct {
	Name     string // e.g. "2026-03" (without extension)
	Contents string
}

// ValidateAll validates every shard in files, in the order given (callers
// should pass them in chronological order, i.e. sorted by Name), skipping
// nothing — every file's report is returned regardless of errors found in
// earlier files.
func ValidateAll(files []ShardFile) []*ShardReport {
	reports := make([]*ShardReport, 0, len(files))
	for _, f := range files {
		reports = append(reports, ValidateShard(f.Name+".events", f.Contents))
	}
	return reports
}
