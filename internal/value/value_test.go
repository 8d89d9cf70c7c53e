package value

import "testing"

func TestEqualsAcrossKinds(t *testing.T) {
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"null-null", Null, Null, true},
		{"int-int-equal", Int(3), Int(3), true},
		{"int-int-diff", Int(3), Int(4), false},
		{"string-string", String("a"), String("a"), true},
		{"bool-bool", Bool(true), Bool(true), true},
		{"int-string-kind-mismatch", Int(3), String("3"), false},
		{"null-int", Null, Int(0), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Equals(c.a, c.b); got != c.want {
				t.Errorf("Equals(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
			}
		})
	}
}

func TestCompareTypeMismatch(t *testing.T) {
	if _, err := Compare(Int(1), String("x")); err == nil {
		t.Fatal("expected type error comparing Int to String")
	}
	if _, err := Compare(Bool(true), Bool(false)); err == nil {
		t.Fatal("expected type error comparing Bool (unordered)")
	}
}

func TestCompareOrdering(t *testing.T) {
	if c, err := Compare(Int(1), Int(2)); err != nil || c != -1 {
		t.Fatalf("Compare(1,2) = %d, %v", c, err)
	}
	if c, err := Compare(String("b"), String("a")); err != nil || c != 1 {
		t.Fatalf("Compare(b,a) = %d, %v", c, err)
	}
}

func TestSetContains(t *testing.T) {
	s := NewSet(Int(1), Int(2), String("x"))
	if !s.Contains(Int(2)) {
		t.Error("expected set to contain Int(2)")
	}
	if s.Contains(Int(3)) {
		t.Error("did not expect set to contain Int(3)")
	}
	if s.Contains(String("y")) {
		t.Error("did not expect set to contain String(y)")
	}
}
