package validator

import (
	"os"
	"path/filepath"
	"testing"
)

// readFixture loads a hand-written shard fixture from the shared
// testdata/shards/ corpus pinning the on-disk format across packages.
func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "testdata", "shards", name))
	if err != nil {
		t.Fatalf("reading fixture %s: %v", name, err)
	}
	return string(data)
}

func findCode(r *ShardReport, code Code) bool {
	for _, f := range r.Findings {
		if f.Code == code {
			return true
		}
	}
	return false
}

func TestFormatCompatFutureVersion(t *testing.T) {
	r := ValidateShard("future-version.events", readFixture(t, "future-version.events"))
	if !findCode(r, UnsupportedVersion) {
		t.Fatalf("expected UnsupportedVersion finding, got %+v", r.Findings)
	}
}

func TestFormatCompatBadHeader(t *testing.T) {
	r := ValidateShard("bad-header.events", readFixture(t, "bad-header.events"))
	if !findCode(r, InvalidJson) {
		t.Fatalf("expected InvalidJson finding for a missing header, got %+v", r.Findings)
	}
}

func TestFormatCompatTorn(t *testing.T) {
	r := ValidateShard("torn.events", readFixture(t, "torn.events"))
	if !r.Truncated {
		t.Fatal("expected Truncated to be set for a file with no trailing newline")
	}
	if !findCode(r, BadFieldCount) {
		t.Fatalf("expected BadFieldCount finding for the torn trailing line, got %+v", r.Findings)
	}
}

func TestFormatCompatCorrupt(t *testing.T) {
	r := ValidateShard("corrupt.events", readFixture(t, "corrupt.events"))
	if !findCode(r, BadFieldCount) {
		t.Fatalf("expected BadFieldCount finding for the garbage line, got %+v", r.Findings)
	}
}
