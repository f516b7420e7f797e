// Package tsjson implements the line-oriented, hash-chained encoding used
// for every line of a shard file: tab-separated fields terminated by a
// canonical JSON payload and a self-hash over the whole line.
package tsjson

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bobisme/bones/pkg/canonicaljson"
	"github.com/bobisme/bones/pkg/event"
	"github.com/zeebo/blake3"
)

// Header is the mandatory first non-blank line of a shard file.
const Header = "# bones event log v1"

// HeaderVersion is the version number this codec understands.
const HeaderVersion = 1

// MaxPayloadBytes is the size cap on a single event's canonical payload
// JSON; larger payloads fail with ErrOversizedPayload.
const MaxPayloadBytes = 1 << 20 // 1 MiB

const fieldCount = 8

// ErrOversizedPayload reports a payload exceeding MaxPayloadBytes.
type ErrOversizedPayload struct {
	Size int
}

func (e *ErrOversizedPayload) Error() string {
	return fmt.Sprintf("tsjson: payload of %d bytes exceeds %d byte cap", e.Size, MaxPayloadBytes)
}

// ErrHashMismatch reports that a line's trailing hash does not match the
// recomputed hash of its fields.
type ErrHashMismatch struct {
	Want string
	Got  string
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("tsjson: hash chain broken: line claims %q, recomputed %q", e.Want, e.Got)
}

// ErrBadFieldCount reports a line that does not split into exactly 8
// tab-separated fields.
type ErrBadFieldCount struct {
	Got int
}

func (e *ErrBadFieldCount) Error() string {
	return fmt.Sprintf("tsjson: expected 8 tab-separated fields, got %d", e.Got)
}

// ErrUnsupportedVersion reports a header naming a version this codec
// cannot read.
type ErrUnsupportedVersion struct {
	Found string
}

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("tsjson: unsupported log version %q; this reader understands v%d, upgrade required", e.Found, HeaderVersion)
}

// ErrMissingHeader reports a populated shard file missing or malforming
// the header line.
type ErrMissingHeader struct {
	Line string
}

func (e *ErrMissingHeader) Error() string {
	return fmt.Sprintf("tsjson: missing or malformed header line, got %q, want %q", e.Line, Header)
}

// HashInput returns the exact byte sequence that is BLAKE3-hashed to
// produce an event's self-hash: the first seven tab-separated fields plus
// a trailing newline. canonicalData must already be in canonical JSON
// form.
func HashInput(wallTSUs int64, agent, itc, parentsCSV string, kind event.Kind, itemID string, canonicalData []byte) []byte {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(wallTSUs, 10))
	b.WriteByte('\t')
	b.WriteString(agent)
	b.WriteByte('\t')
	b.WriteString(itc)
	b.WriteByte('\t')
	b.WriteString(parentsCSV)
	b.WriteByte('\t')
	b.WriteString(string(kind))
	b.WriteByte('\t')
	b.WriteString(itemID)
	b.WriteByte('\t')
	b.Write(canonicalData)
	b.WriteByte('\n')
	return []byte(b.String())
}

// Hash computes the "blake3:<hex>" self-hash for the given hash input.
func Hash(input []byte) string {
	sum := blake3.Sum256(input)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// Encode renders e as a single shard line (without the trailing LF;
// callers append that when writing to a file), computing and filling in
// e.Hash as a side effect so callers always get the line that matches the
// returned event's hash.
func Encode(e *event.Event) (line string, err error) {
	payloadMap, err := e.Payload.Encode()
	if err != nil {
		return "", fmt.Errorf("tsjson: encoding payload: %w", err)
	}
	dataJSON, err := canonicaljson.Marshal(payloadMap)
	if err != nil {
		return "", fmt.Errorf("tsjson: canonicalizing payload: %w", err)
	}
	if len(dataJSON) > MaxPayloadBytes {
		return "", &ErrOversizedPayload{Size: len(dataJSON)}
	}
	parentsCSV := strings.Join(e.Parents, ",")
	input := HashInput(e.WallTSUs, e.Agent, e.ITC, parentsCSV, e.Kind, e.ItemID, dataJSON)
	hash := Hash(input)
	e.Hash = hash

	fields := []string{
		strconv.FormatInt(e.WallTSUs, 10),
		e.Agent,
		e.ITC,
		parentsCSV,
		string(e.Kind),
		e.ItemID,
		string(dataJSON),
		hash,
	}
	return strings.Join(fields, "\t"), nil
}

// Decode parses a single non-header, non-comment shard line, re-computes
// its hash from the parsed fields and the re-canonicalized payload, and
// returns an error if the recomputed hash does not match the trailing
// field.
func Decode(line string) (*event.Event, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != fieldCount {
		return nil, &ErrBadFieldCount{Got: len(fields)}
	}
	wallTSField, agent, itc, parentsCSV, kindField, itemID, dataJSON, hash := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6], fields[7]

	wallTS, err := strconv.ParseInt(wallTSField, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("tsjson: malformed timestamp %q: %w", wallTSField, err)
	}

	if len(dataJSON) > MaxPayloadBytes {
		return nil, &ErrOversizedPayload{Size: len(dataJSON)}
	}

	canonicalData, err := canonicaljson.Canonicalize([]byte(dataJSON))
	if err != nil {
		return nil, fmt.Errorf("tsjson: invalid payload json: %w", err)
	}

	input := HashInput(wallTS, agent, itc, parentsCSV, event.Kind(kindField), itemID, canonicalData)
	computed := Hash(input)
	if computed != hash {
		return nil, &ErrHashMismatch{Want: hash, Got: computed}
	}

	var parents []string
	if parentsCSV != "" {
		parents = strings.Split(parentsCSV, ",")
	}

	payload, err := event.ParsePayload(event.Kind(kindField), canonicalData)
	if err != nil {
		return nil, err
	}

	return &event.Event{
		WallTSUs: wallTS,
		Agent:    agent,
		ITC:      itc,
		Parents:  parents,
		Kind:     event.Kind(kindField),
		ItemID:   itemID,
		Payload:  payload,
		Hash:     hash,
	}, nil
}

// ParseHeader validates a shard's first line, returning the version
// number found.
func ParseHeader(line string) (int, error) {
	const prefix = "# bones event log v"
	if !strings.HasPrefix(line, prefix) {
		return 0, &ErrMissingHeader{Line: line}
	}
	versionStr := strings.TrimPrefix(line, prefix)
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return 0, &ErrMissingHeader{Line: line}
	}
	if version != HeaderVersion {
		return version, &ErrUnsupportedVersion{Found: "v" + versionStr}
	}
	return version, nil
}

// IsComment reports whether line is a comment line (including the
// header).
func IsComment(line string) bool {
	return strings.HasPrefix(line, "#")
}

// IsBlank reports whether line is blank once surrounding whitespace is
// trimmed.
func IsBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

// IsUnknownKind reports whether err is an *event.UnknownKindError, the one
// Decode failure batch-scoped readers (shard replay, incremental apply)
// should treat as a skip-with-warning instead of a hard parse error.
func IsUnknownKind(err error) bool {
	var u *event.UnknownKindError
	return errors.As(err, &u)
}
