package symbol

import "testing"

// TestInternLaw exercises property 4: byte-equal strings intern to the
// same id, and interning round-trips back to an equal string.
func TestInternLaw(t *testing.T) {
	tab := New()
	a := tab.Intern("frobnicate")
	b := tab.Intern("frob" + "nicate")
	if a != b {
		t.Fatalf("expected equal ids for byte-equal strings, got %d and %d", a, b)
	}
	if got := tab.Lookup(a); got != "frobnicate" {
		t.Fatalf("Lookup(%d) = %q, want %q", a, got, "frobnicate")
	}
}

func TestBootstrapSymbolsStable(t *testing.T) {
	tab := New()
	for _, name := range bootstrap {
		id := tab.Intern(name)
		if tab.Lookup(id) != name {
			t.Fatalf("bootstrap symbol %q did not round-trip", name)
		}
	}
}

func TestInternGrows(t *testing.T) {
	tab := New()
	before := tab.Len()
	tab.Intern("a-fresh-name")
	if tab.Len() != before+1 {
		t.Fatalf("expected table to grow by one new symbol")
	}
	tab.Intern("a-fresh-name")
	if tab.Len() != before+1 {
		t.Fatalf("re-interning the same name should not grow the table")
	}
}
