package labels

import "testing"

func TestDefaultSchemeSize(t *testing.T) {
	scheme := Default()

	expected := 2*len(EntityTypes) + 1
	if scheme.Size() != expected {
		t.Errorf("expected %d tags, got %d", expected, scheme.Size())
	}
	if scheme.OutsideIndex() != expected-1 {
		t.Errorf("O must be the last index, got %d", scheme.OutsideIndex())
	}
}

func TestSchemeRoundTrip(t *testing.T) {
	scheme := Default()

	for _, tag := range scheme.Tags() {
		idx, ok := scheme.Index(tag)
		if !ok {
			t.Fatalf("tag %q missing from index", tag)
		}
		back, ok := scheme.Tag(idx)
		if !ok || back != tag {
			t.Errorf("round trip for %q gave %q", tag, back)
		}
	}
}

func TestTagOrOutsideFoldsSentinel(t *testing.T) {
	scheme := Default()

	if got := scheme.TagOrOutside(IgnoreIndex); got != Outside {
		t.Errorf("ignore sentinel must map to O, got %q", got)
	}
	if got := scheme.TagOrOutside(scheme.Size() + 3); got != Outside {
		t.Errorf("out of range index must map to O, got %q", got)
	}
}

func TestEntityType(t *testing.T) {
	cases := []struct {
		tag      string
		expected string
		ok       bool
	}{
		{"B-COURT", "COURT", true},
		{"I-CASE_NUMBER", "CASE_NUMBER", true},
		{"O", "", false},
	}
	for _, c := range cases {
		got, ok := EntityType(c.tag)
		if got != c.expected || ok != c.ok {
			t.Errorf("EntityType(%q) = (%q, %v), expected (%q, %v)", c.tag, got, ok, c.expected, c.ok)
		}
	}
}

func TestNewSchemeRejectsEmptyAndDuplicates(t *testing.T) {
	if _, err := NewScheme(nil); err == nil {
		t.Error("expected error for empty type list")
	}
	if _, err := NewScheme([]string{"COURT", "COURT"}); err == nil {
		t.Error("expected error for duplicate type")
	}
}
