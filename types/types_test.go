package types

import "testing"

func TestEventIDOrdering(t *testing.T) {
	tests := []struct {
		a, b EventID
		want int
	}{
		{EventID{1, 0, 0}, EventID{2, 0, 0}, -1},
		{EventID{1, 500, 0}, EventID{1, 400, 9}, 1},
		{EventID{1, 500, 3}, EventID{1, 500, 4}, -1},
		{EventID{1, 500, 3}, EventID{1, 500, 3}, 0},
	}
	for _, tc := range tests {
		if got := tc.a.Compare(tc.b); got != tc.want {
			t.Errorf("%v cmp %v = %d, want %d", tc.a, tc.b, got, tc.want)
		}
		if got := tc.b.Compare(tc.a); got != -tc.want {
			t.Errorf("%v cmp %v = %d, want %d", tc.b, tc.a, got, -tc.want)
		}
	}
}

func TestEventIDString(t *testing.T) {
	id := EventID{Sec: 1615114232, Msec: 5, Serial: 15558}
	if got := id.String(); got != "1615114232.005:15558" {
		t.Errorf("String() = %q", got)
	}
}

func TestValueEqual(t *testing.T) {
	a := StrValue([]byte("x"), QuoteDouble)
	b := StrValue([]byte("x"), QuoteDouble)
	c := StrValue([]byte("x"), QuoteNone)
	if !a.Equal(b) {
		t.Error("identical values not equal")
	}
	if a.Equal(c) {
		t.Error("different quoting considered equal")
	}
	if a.Equal(NumValue(NumDec, 1)) {
		t.Error("different kinds considered equal")
	}
}

func TestQuotedString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"whoami", "whoami"},
		{"a b", "a b"},
		{"x\x00y", "x%00y"},
		{"100%", "100%25"},
		{"tab\there", "tab%09here"},
	}
	for _, tc := range tests {
		if got := QuotedString([]byte(tc.in)); got != tc.want {
			t.Errorf("QuotedString(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsHexString(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"77686F616D69", true},
		{"abc", false}, // odd length
		{"", false},
		{"12zz", false},
		{"1234", true},
	}
	for _, tc := range tests {
		if got := IsHexString([]byte(tc.in)); got != tc.want {
			t.Errorf("IsHexString(%q) = %v", tc.in, got)
		}
	}
}

func TestProcessLabels(t *testing.T) {
	p := &Process{}
	p.AddLabel("a")
	p.AddLabel("a")
	p.AddLabel("b")
	if len(p.Labels) != 2 {
		t.Errorf("labels = %v", p.Labels)
	}
	p.RemoveLabel("a")
	if p.HasLabel("a") || !p.HasLabel("b") {
		t.Errorf("labels = %v", p.Labels)
	}
}

func TestRecordSetGet(t *testing.T) {
	r := &Record{}
	r.Set("k", StrValue([]byte("v1"), QuoteNone))
	r.Set("k", StrValue([]byte("v2"), QuoteNone))
	if len(r.Fields) != 1 {
		t.Fatalf("fields = %+v", r.Fields)
	}
	b, ok := r.GetBytes("k")
	if !ok || string(b) != "v2" {
		t.Errorf("k = %q ok=%v", b, ok)
	}
}
