// Package redact implements the redaction verification pass. Redaction
// itself happens in pkg/projector (applyRedaction), which writes the
// redaction ledger row, replaces a comment's projected body, and rebuilds
// the item's FTS row from non-redacted sources — every time a Redact
// event is projected. This package answers a different question asked
// after the fact: for every Redact event the log has ever seen, do all
// three projection surfaces still honor it right now?
package redact

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/bobisme/bones/pkg/event"
	"github.com/bobisme/bones/pkg/projector"
)

// Report is one Redact event's residual-location check: whether the
// redaction ledger carries a row for it, whether the target comment's
// body (if it was a comment) has been replaced, and whether the item's
// FTS index still matches words pulled from the original content.
type Report struct {
	TargetEventHash string
	RedactionHash   string
	ItemID          string
	RecordPresent   bool
	WasComment      bool
	BodyReplaced    bool
	ProbeWords      []string
	FTSClean        bool
}

// Clean reports whether every surface this report checked is in the
// state redaction promises: the ledger row exists, and — if the target
// was a comment — its body is replaced and no probe word still matches
// in FTS.
func (r Report) Clean() bool {
	if !r.RecordPresent {
		return false
	}
	if !r.WasComment {
		return true
	}
	return r.BodyReplaced && r.FTSClean
}

// probeWords extracts lowercase, de-duplicated words of at least four
// characters from body — content distinctive enough that an FTS match on
// any of them would mean the original text leaked through.
func probeWords(body string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range strings.Fields(body) {
		w := strings.ToLower(strings.Trim(f, ".,!?;:\"'()[]{}"))
		if len(w) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// VerifyRedactions replays events (typically a full shard replay) to find
// every item.redact event and the original content of whatever it
// targeted, then checks proj's three projection surfaces against each
// one. Events need not be in any particular order.
func VerifyRedactions(proj *projector.Projector, events []*event.Event) ([]Report, error) {
	db := proj.DB()

	commentBodies := make(map[string]string)
	var redacts []*event.Event
	for _, e := range events {
		switch e.Kind {
		case event.KindComment:
			p, ok := e.Payload.(*event.CommentPayload)
			if !ok {
				continue
			}
			commentBodies[e.Hash] = p.Body
		case event.KindRedact:
			redacts = append(redacts, e)
		}
	}

	reports := make([]Report, 0, len(redacts))
	for _, r := range redacts {
		p, ok := r.Payload.(*event.RedactPayload)
		if !ok {
			return nil, fmt.Errorf("redact: %s: item.redact payload has wrong type %T", r.Hash, r.Payload)
		}
		rep := Report{TargetEventHash: p.TargetEventHash, RedactionHash: r.Hash, ItemID: r.ItemID}

		var got string
		err := db.QueryRow(
			`SELECT target_event_hash FROM event_redactions WHERE target_event_hash = ?`, p.TargetEventHash,
		).Scan(&got)
		switch {
		case err == nil:
			rep.RecordPresent = true
		case err == sql.ErrNoRows:
			rep.RecordPresent = false
		default:
			return nil, fmt.Errorf("redact: checking ledger for %s: %w", p.TargetEventHash, err)
		}

		body, wasComment := commentBodies[p.TargetEventHash]
		rep.WasComment = wasComment
		if wasComment {
			if err := checkCommentSurface(db, p.TargetEventHash, body, &rep); err != nil {
				return nil, err
			}
		}

		reports = append(reports, rep)
	}
	return reports, nil
}

func checkCommentSurface(db *sql.DB, targetHash, originalBody string, rep *Report) error {
	var gotBody string
	err := db.QueryRow(`SELECT body FROM item_comments WHERE event_hash = ?`, targetHash).Scan(&gotBody)
	switch {
	case err == nil:
		rep.BodyReplaced = gotBody == "[redacted]"
	case err == sql.ErrNoRows:
		rep.BodyReplaced = false
	default:
		return fmt.Errorf("redact: reading comment row for %s: %w", targetHash, err)
	}

	rep.ProbeWords = probeWords(originalBody)
	rep.FTSClean = true
	for _, w := range rep.ProbeWords {
		var itemID string
		ferr := db.QueryRow(
			`SELECT item_id FROM items_fts WHERE item_id = ? AND text MATCH ?`, rep.ItemID, w,
		).Scan(&itemID)
		if ferr == nil {
			rep.FTSClean = false
			break
		}
		if ferr != sql.ErrNoRows {
			return fmt.Errorf("redact: probing FTS for %q: %w", w, ferr)
		}
	}
	return nil
}
