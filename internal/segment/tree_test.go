package segment

import "testing"

const testLength = 16 * 1024 * 1024

func fullRange(l int64) []Segment {
	return []Segment{{Start: 0, End: l - 1}}
}

// checkPartition verifies leaves are sorted, non-overlapping, and cover each
// given range exactly.
func checkPartition(t *testing.T, tr *Tree, want []Segment) {
	t.Helper()
	leaves := tr.Leaves()
	var covered int64
	for i, id := range leaves {
		seg := tr.Segment(id)
		covered += seg.Length()
		if i == 0 {
			continue
		}
		prev := tr.Segment(leaves[i-1])
		if prev.End >= seg.Start {
			t.Fatalf("leaves out of order or overlapping: %s then %s", prev, seg)
		}
	}
	var wantTotal int64
	for _, seg := range want {
		wantTotal += seg.Length()
	}
	if covered != wantTotal {
		t.Fatalf("leaves cover %d bytes, want %d", covered, wantTotal)
	}
}

func TestBuildFullRange(t *testing.T) {
	tr, err := BuildFromMissing(testLength, 4, fullRange(testLength))
	if err != nil {
		t.Fatal(err)
	}
	leaves := tr.Leaves()
	if len(leaves) != 4 {
		t.Fatalf("got %d leaves, want 4", len(leaves))
	}
	checkPartition(t, tr, fullRange(testLength))
	seen := map[int]bool{}
	for _, id := range leaves {
		conn := tr.ConnectionNumber(id)
		if conn < 0 || conn >= 4 {
			t.Errorf("connection number %d out of range [0,4)", conn)
		}
		if seen[conn] {
			t.Errorf("duplicate connection number %d", conn)
		}
		seen[conn] = true
		if tr.Status(id) != StatusInitial {
			t.Errorf("leaf %s status = %v, want initial", tr.Segment(id), tr.Status(id))
		}
	}
}

func TestBuildEqualQuarters(t *testing.T) {
	const l = 4 * 1024 * 1024
	tr, err := BuildFromMissing(l, 4, fullRange(l))
	if err != nil {
		t.Fatal(err)
	}
	leaves := tr.Leaves()
	if len(leaves) != 4 {
		t.Fatalf("got %d leaves, want 4", len(leaves))
	}
	for _, id := range leaves {
		if got := tr.Segment(id).Length(); got != l/4 {
			t.Errorf("leaf %s length = %d, want %d", tr.Segment(id), got, l/4)
		}
	}
}

func TestBuildStopsAtMinimumLength(t *testing.T) {
	// 1.5 MB across 8 requested connections can't produce 8 legal leaves.
	tr, err := BuildFromMissing(1_500_000, 8, fullRange(1_500_000))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(tr.Leaves()); got >= 8 {
		t.Fatalf("got %d leaves, expected fewer than requested", got)
	}
	checkPartition(t, tr, fullRange(1_500_000))
}

func TestBuildRecoveryRanges(t *testing.T) {
	missing := []Segment{{0, 999_999}, {2_000_000, 2_999_999}}
	tr, err := BuildFromMissing(4_000_000, 4, missing)
	if err != nil {
		t.Fatal(err)
	}
	leaves := tr.Leaves()
	if len(leaves) != 2 {
		t.Fatalf("recovery path pre-split: got %d leaves, want 2", len(leaves))
	}
	for i, id := range leaves {
		if tr.Segment(id) != missing[i] {
			t.Errorf("leaf %d = %s, want %s", i, tr.Segment(id), missing[i])
		}
		if tr.ConnectionNumber(id) != i {
			t.Errorf("leaf %d connection = %d, want %d", i, tr.ConnectionNumber(id), i)
		}
	}
}

func TestBuildEmptyMissing(t *testing.T) {
	tr, err := BuildFromMissing(testLength, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Leaves()) != 0 {
		t.Fatalf("empty missing ranges should build an empty tree")
	}
}

func TestSplitBoundary(t *testing.T) {
	l := 2 * MinSegmentLength
	tr, err := BuildFromMissing(l, 1, fullRange(l))
	if err != nil {
		t.Fatal(err)
	}
	id := tr.Leaves()[0]
	if !tr.SplitNode(id, true) {
		t.Fatalf("leaf of length %d should split", l)
	}

	l = 2*MinSegmentLength - 1
	tr, err = BuildFromMissing(l, 1, fullRange(l))
	if err != nil {
		t.Fatal(err)
	}
	id = tr.Leaves()[0]
	if tr.SplitNode(id, true) {
		t.Fatalf("leaf of length %d should refuse to split", l)
	}
}

func TestSplitPicksLongestInUseLeaf(t *testing.T) {
	missing := []Segment{{0, 999_999}, {1_000_000, 4_999_999}}
	tr, err := BuildFromMissing(5_000_000, 2, missing)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range tr.Leaves() {
		tr.SetStatus(id, StatusInUse)
	}
	parent, err := tr.Split()
	if err != nil {
		t.Fatal(err)
	}
	if tr.Segment(parent) != (Segment{1_000_000, 4_999_999}) {
		t.Fatalf("split picked %s, want the longest leaf", tr.Segment(parent))
	}
	left, right := tr.Left(parent), tr.Right(parent)
	if left == None || right == None {
		t.Fatal("split did not create children")
	}
	if tr.ConnectionNumber(left) != tr.ConnectionNumber(parent) {
		t.Error("left child should inherit parent's connection number")
	}
	if tr.ConnectionNumber(right) == tr.ConnectionNumber(parent) {
		t.Error("right child should get a fresh connection number")
	}
	if tr.Segment(left).End+1 != tr.Segment(right).Start {
		t.Error("children should be contiguous")
	}
}

func TestSplitNoQualifyingLeaf(t *testing.T) {
	tr, err := BuildFromMissing(600_000, 1, fullRange(600_000))
	if err != nil {
		t.Fatal(err)
	}
	tr.SetStatus(tr.Leaves()[0], StatusInUse)
	if _, err := tr.Split(); err != ErrSegmentTooSmall {
		t.Fatalf("got %v, want ErrSegmentTooSmall", err)
	}
}

func TestCollapseRestoresParent(t *testing.T) {
	tr, err := BuildFromMissing(testLength, 1, fullRange(testLength))
	if err != nil {
		t.Fatal(err)
	}
	root := tr.Leaves()[0]
	tr.SetStatus(root, StatusInUse)
	parent, err := tr.Split()
	if err != nil {
		t.Fatal(err)
	}
	if got := len(tr.Leaves()); got != 2 {
		t.Fatalf("after split: %d leaves, want 2", got)
	}
	tr.Collapse(parent)
	leaves := tr.Leaves()
	if len(leaves) != 1 {
		t.Fatalf("after collapse: %d leaves, want 1", len(leaves))
	}
	if leaves[0] != parent {
		t.Error("parent should rejoin the leaf set")
	}
	if tr.Left(parent) != None || tr.Right(parent) != None {
		t.Error("collapse should clear children")
	}
	checkPartition(t, tr, fullRange(testLength))
}

func TestSearch(t *testing.T) {
	tr, err := BuildFromMissing(testLength, 4, fullRange(testLength))
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range tr.Leaves() {
		if got := tr.Search(tr.Segment(id)); got != id {
			t.Errorf("Search(%s) = %d, want %d", tr.Segment(id), got, id)
		}
	}
	if got := tr.Search(Segment{1, 2}); got != None {
		t.Errorf("Search on unknown segment = %d, want None", got)
	}
}

func TestSplitNodeWithoutConnectionNumber(t *testing.T) {
	tr, err := BuildFromMissing(testLength, 1, fullRange(testLength))
	if err != nil {
		t.Fatal(err)
	}
	root := tr.Leaves()[0]
	if !tr.SplitNode(root, false) {
		t.Fatal("split failed")
	}
	right := tr.Right(root)
	if tr.ConnectionNumber(right) != -1 {
		t.Errorf("right child connection = %d, want unassigned (-1)", tr.ConnectionNumber(right))
	}
	tr.SetConnectionNumber(right, 7)
	if tr.ConnectionNumber(right) != 7 {
		t.Error("SetConnectionNumber did not stick")
	}
}
