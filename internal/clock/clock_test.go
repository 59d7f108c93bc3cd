package clock

import "testing"

func TestTick(t *testing.T) {
	vc := New()
	vc = Tick(vc, "peer1")
	if vc["peer1"] != 1 {
		t.Errorf("Expected 1, got %d", vc["peer1"])
	}
	vc = Tick(vc, "peer1")
	if vc["peer1"] != 2 {
		t.Errorf("Expected 2, got %d", vc["peer1"])
	}
}

func TestTickNil(t *testing.T) {
	var vc VectorClock
	vc = Tick(vc, "peer1")
	if vc["peer1"] != 1 {
		t.Errorf("Expected 1, got %d", vc["peer1"])
	}
}

func TestMerge(t *testing.T) {
	a := VectorClock{"a": 1, "b": 2}
	b := VectorClock{"a": 3, "c": 4}
	merged := Merge(a, b)
	if merged["a"] != 3 || merged["b"] != 2 || merged["c"] != 4 {
		t.Errorf("Merge failed: %v", merged)
	}
}

func TestMergeCommutative(t *testing.T) {
	a := VectorClock{"a": 1, "b": 5}
	b := VectorClock{"a": 3, "c": 4}
	if Compare(Merge(a, b), Merge(b, a)) != Equal {
		t.Error("merge must be commutative")
	}
}

func TestMergeAssociative(t *testing.T) {
	a := VectorClock{"a": 1}
	b := VectorClock{"b": 2}
	c := VectorClock{"c": 3}
	left := Merge(Merge(a, b), c)
	right := Merge(a, Merge(b, c))
	if Compare(left, right) != Equal {
		t.Error("merge must be associative")
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := VectorClock{"a": 1, "b": 2}
	if Compare(Merge(a, a), a) != Equal {
		t.Error("merge must be idempotent")
	}
}

func TestCompare(t *testing.T) {
	a := VectorClock{"a": 1, "b": 2}
	b := VectorClock{"a": 1, "b": 2}
	if Compare(a, b) != Equal {
		t.Error("Expected Equal")
	}

	c := VectorClock{"a": 2, "b": 2}
	if Compare(a, c) != Less {
		t.Error("Expected Less")
	}

	d := VectorClock{"a": 0, "b": 2}
	if Compare(a, d) != Greater {
		t.Error("Expected Greater")
	}

	e := VectorClock{"a": 2, "b": 1}
	if Compare(a, e) != Concurrent {
		t.Error("Expected Concurrent")
	}
}

func TestCompareMissingKeysReadAsZero(t *testing.T) {
	a := VectorClock{"a": 1}
	b := VectorClock{"a": 1, "b": 1}
	if Compare(a, b) != Less {
		t.Error("missing key should read as 0, making a strictly smaller")
	}
}

func TestDominates(t *testing.T) {
	a := VectorClock{"a": 2, "b": 2}
	b := VectorClock{"a": 1, "b": 2}
	if !Dominates(a, b) {
		t.Error("a should dominate b")
	}
	if Dominates(b, a) {
		t.Error("b should not dominate a")
	}
}

func TestClone(t *testing.T) {
	vc := VectorClock{"a": 1, "b": 2}
	cloned := Clone(vc)
	if cloned["a"] != 1 || cloned["b"] != 2 {
		t.Errorf("Clone failed: %v", cloned)
	}
	cloned["a"] = 3
	if vc["a"] != 1 {
		t.Error("Clone should be independent")
	}
}

func TestCloneNil(t *testing.T) {
	var vc VectorClock
	if Clone(vc) != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	vc := VectorClock{"b": 2, "a": 1, "c": 3}
	entries := Canonical(vc)
	for i := 1; i < len(entries); i++ {
		if !(entries[i-1].Client < entries[i].Client) {
			t.Error("canonical entries must be sorted by client id")
		}
	}
	round := FromCanonical(entries)
	if Compare(vc, round) != Equal {
		t.Error("round trip through canonical form must preserve the clock")
	}
}

func TestTimestampOrderLogicalThenClient(t *testing.T) {
	a := Timestamp{Logical: 3, Client: "c1"}
	b := Timestamp{Logical: 4, Client: "c2"}
	if !a.Less(b) {
		t.Error("lower logical time must sort first")
	}

	tie1 := Timestamp{Logical: 5, Client: "c1"}
	tie2 := Timestamp{Logical: 5, Client: "c2"}
	if !tie1.Less(tie2) {
		t.Error("on a logical tie, the lower client id must sort first")
	}
	if tie1.Equal(tie2) {
		t.Error("different clients at the same logical time are not equal")
	}
}

func TestTimestampEqual(t *testing.T) {
	a := Timestamp{Logical: 7, Client: "c1"}
	b := Timestamp{Logical: 7, Client: "c1"}
	if !a.Equal(b) {
		t.Error("identical (logical, client) pairs must compare equal")
	}
}
