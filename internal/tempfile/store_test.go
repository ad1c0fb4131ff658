package tempfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/tanq16/hanzo/internal/segment"
	"github.com/tanq16/hanzo/internal/utils"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	base := t.TempDir()
	return NewStore(filepath.Join(base, "temp"), filepath.Join(base, "save"), filepath.Join(base, "fallback"))
}

func testItem(contentLength int64) utils.DownloadItem {
	return utils.DownloadItem{
		UID:           "test-uid",
		FileName:      "artifact.bin",
		ContentLength: contentLength,
	}
}

func writePart(t *testing.T, s *Store, uid string, seg segment.Segment, size int64) string {
	t.Helper()
	dir := s.DownloadDir(uid)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := s.PartPath(uid, seg)
	data := bytes.Repeat([]byte{0xAB}, int(size))
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParsePartName(t *testing.T) {
	seg, err := ParsePartName("1024-2047.part")
	if err != nil {
		t.Fatal(err)
	}
	if seg != (segment.Segment{Start: 1024, End: 2047}) {
		t.Errorf("got %s", seg)
	}
	for _, bad := range []string{"file.txt", "1024.part", "x-y.part", "10-5.part"} {
		if _, err := ParsePartName(bad); err == nil {
			t.Errorf("ParsePartName(%q) should fail", bad)
		}
	}
	if name := PartName(segment.Segment{Start: 0, End: 99}); name != "0-99.part" {
		t.Errorf("PartName = %q", name)
	}
}

func TestMissingRangesEmptyDir(t *testing.T) {
	s := newTestStore(t)
	item := testItem(1000)
	missing, err := s.MissingRanges(item)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != (segment.Segment{Start: 0, End: 999}) {
		t.Fatalf("got %v, want full range", missing)
	}
}

func TestMissingRangesGapsAndTail(t *testing.T) {
	s := newTestStore(t)
	item := testItem(1000)
	writePart(t, s, item.UID, segment.Segment{Start: 0, End: 499}, 500)
	writePart(t, s, item.UID, segment.Segment{Start: 750, End: 899}, 150)

	missing, err := s.MissingRanges(item)
	if err != nil {
		t.Fatal(err)
	}
	want := []segment.Segment{{Start: 500, End: 749}, {Start: 900, End: 999}}
	if len(missing) != len(want) {
		t.Fatalf("got %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Errorf("missing[%d] = %s, want %s", i, missing[i], want[i])
		}
	}
}

func TestMissingRangesSingleByte(t *testing.T) {
	s := newTestStore(t)
	item := testItem(1000)
	writePart(t, s, item.UID, segment.Segment{Start: 0, End: 498}, 499)
	writePart(t, s, item.UID, segment.Segment{Start: 500, End: 999}, 500)

	missing, err := s.MissingRanges(item)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != (segment.Segment{Start: 499, End: 499}) {
		t.Fatalf("got %v, want the single byte [499-499]", missing)
	}
}

func TestMissingRangesComplete(t *testing.T) {
	s := newTestStore(t)
	item := testItem(1000)
	writePart(t, s, item.UID, segment.Segment{Start: 0, End: 999}, 1000)

	missing, err := s.MissingRanges(item)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Fatalf("got %v, want none", missing)
	}
}

func TestValidateIntegrityFlagsAndDeletes(t *testing.T) {
	s := newTestStore(t)
	item := testItem(1000)
	good := writePart(t, s, item.UID, segment.Segment{Start: 0, End: 499}, 500)
	short := writePart(t, s, item.UID, segment.Segment{Start: 500, End: 899}, 100)
	beyond := writePart(t, s, item.UID, segment.Segment{Start: 900, End: 1099}, 200)

	issues, err := s.ValidateIntegrity(item, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 2 {
		t.Fatalf("got %d issues, want 2: %v", len(issues), issues)
	}
	if _, err := os.Stat(good); err != nil {
		t.Error("valid part file should survive")
	}
	for _, path := range []string{short, beyond} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("corrupted part %s should be deleted", filepath.Base(path))
		}
	}
}

func TestValidateIntegrityOverlap(t *testing.T) {
	s := newTestStore(t)
	item := testItem(1000)
	writePart(t, s, item.UID, segment.Segment{Start: 0, End: 599}, 600)
	writePart(t, s, item.UID, segment.Segment{Start: 500, End: 999}, 500)

	issues, err := s.ValidateIntegrity(item, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 1 {
		t.Fatalf("got %d issues, want 1 overlap: %v", len(issues), issues)
	}
}

func TestValidateIntegrityIdempotentOnCleanDir(t *testing.T) {
	s := newTestStore(t)
	item := testItem(1000)
	writePart(t, s, item.UID, segment.Segment{Start: 0, End: 999}, 1000)
	for i := 0; i < 2; i++ {
		issues, err := s.ValidateIntegrity(item, true, false)
		if err != nil {
			t.Fatal(err)
		}
		if len(issues) != 0 {
			t.Fatalf("clean directory flagged: %v", issues)
		}
	}
}

func TestAssembleSuccess(t *testing.T) {
	s := newTestStore(t)
	item := testItem(1000)
	writePart(t, s, item.UID, segment.Segment{Start: 0, End: 499}, 500)
	writePart(t, s, item.UID, segment.Segment{Start: 500, End: 999}, 500)

	path, err := s.Assemble(item)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != item.ContentLength {
		t.Errorf("assembled size = %d, want %d", info.Size(), item.ContentLength)
	}
	if _, err := os.Stat(s.DownloadDir(item.UID)); !os.IsNotExist(err) {
		t.Error("temp directory should be removed after successful assembly")
	}
}

func TestAssembleLengthMismatchKeepsTempFiles(t *testing.T) {
	s := newTestStore(t)
	item := testItem(1000)
	writePart(t, s, item.UID, segment.Segment{Start: 0, End: 499}, 500)

	if _, err := s.Assemble(item); err == nil {
		t.Fatal("assembly of incomplete parts should fail")
	}
	if _, err := os.Stat(s.DownloadDir(item.UID)); err != nil {
		t.Error("temp directory should survive a failed assembly")
	}
}

func TestAssembleNameConflict(t *testing.T) {
	s := newTestStore(t)
	item := testItem(1000)
	writePart(t, s, item.UID, segment.Segment{Start: 0, End: 999}, 1000)
	if err := os.MkdirAll(s.SaveDir, 0755); err != nil {
		t.Fatal(err)
	}
	existing := filepath.Join(s.SaveDir, item.FileName)
	if err := os.WriteFile(existing, []byte("occupied"), 0644); err != nil {
		t.Fatal(err)
	}

	path, err := s.Assemble(item)
	if err != nil {
		t.Fatal(err)
	}
	if path == existing {
		t.Error("conflicting destination should be disambiguated")
	}
	data, err := os.ReadFile(existing)
	if err != nil || string(data) != "occupied" {
		t.Error("existing file should be untouched")
	}
}
