package tsjson

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "testdata", "shards", name))
	if err != nil {
		t.Fatalf("reading fixture %s: %v", name, err)
	}
	return string(data)
}

func TestFormatCompatFutureVersionHeader(t *testing.T) {
	contents := readFixture(t, "future-version.events")
	header := strings.SplitN(contents, "\n", 2)[0]
	_, err := ParseHeader(header)
	if err == nil {
		t.Fatal("expected ParseHeader to reject a v2 header this codec does not understand")
	}
	if _, ok := err.(*ErrUnsupportedVersion); !ok {
		t.Fatalf("got %T, want *ErrUnsupportedVersion", err)
	}
}

func TestFormatCompatBadHeaderRejected(t *testing.T) {
	contents := readFixture(t, "bad-header.events")
	header := strings.SplitN(contents, "\n", 2)[0]
	if _, err := ParseHeader(header); err == nil {
		t.Fatal("expected ParseHeader to reject a non-header first line")
	}
}

func TestFormatCompatCorruptGarbageLineRejected(t *testing.T) {
	contents := readFixture(t, "corrupt.events")
	lines := strings.Split(contents, "\n")
	garbage := lines[1] // the deliberately malformed line, after the header
	_, err := Decode(garbage)
	if err == nil {
		t.Fatal("expected Decode to reject the garbage line")
	}
	if _, ok := err.(*ErrBadFieldCount); !ok {
		t.Fatalf("got %T, want *ErrBadFieldCount", err)
	}
}
