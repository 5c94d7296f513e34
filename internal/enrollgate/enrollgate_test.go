package enrollgate

import "testing"

func TestCanonicalIdentity(t *testing.T) {
	cases := []struct {
		username string
		domain   string
		want     string
	}{
		{"ada", "students.example.edu", "ada@students.example.edu"},
		{"Ada", "students.example.edu", "ada@students.example.edu"},
		{"  ada  ", "students.example.edu", "ada@students.example.edu"},
		{"ada@other.example.org", "students.example.edu", "ada@other.example.org"},
		{"ada", "@students.example.edu", "ada@students.example.edu"},
		{"", "students.example.edu", ""},
	}
	for _, tc := range cases {
		if got := CanonicalIdentity(tc.username, tc.domain); got != tc.want {
			t.Fatalf("CanonicalIdentity(%q, %q) = %q, want %q", tc.username, tc.domain, got, tc.want)
		}
	}
}

func TestSecondaryIdentity(t *testing.T) {
	if got := SecondaryIdentity("Ada", "kst_", "students.example.edu"); got != "kst_ada@students.example.edu" {
		t.Fatalf("unexpected secondary identity %q", got)
	}
	if got := SecondaryIdentity("ada@students.example.edu", "kst_", "students.example.edu"); got != "kst_ada@students.example.edu" {
		t.Fatalf("domain part must be stripped before prefixing, got %q", got)
	}
	if got := SecondaryIdentity("", "kst_", "students.example.edu"); got != "" {
		t.Fatalf("expected empty identity for empty username, got %q", got)
	}
}

func TestIdentityEqual(t *testing.T) {
	if !IdentityEqual("Ada@Students.Example.EDU", "ada@students.example.edu") {
		t.Fatalf("identity comparison must be case-insensitive")
	}
	if IdentityEqual("ada@students.example.edu", "eve@students.example.edu") {
		t.Fatalf("distinct identities must not compare equal")
	}
}

func TestSplitFullName(t *testing.T) {
	given, family := SplitFullName("Ada Lovelace")
	if given != "Ada" || family != "Lovelace" {
		t.Fatalf("unexpected split %q/%q", given, family)
	}
	given, family = SplitFullName("Ada Augusta Lovelace")
	if given != "Ada" || family != "Augusta Lovelace" {
		t.Fatalf("unexpected split %q/%q", given, family)
	}
	given, family = SplitFullName("Madonna")
	if given != "Madonna" || family != "Madonna" {
		t.Fatalf("single-word name must double as family name, got %q/%q", given, family)
	}
	given, family = SplitFullName("   ")
	if given != "" || family != "" {
		t.Fatalf("expected empty split, got %q/%q", given, family)
	}
}

func TestGenerateCredential(t *testing.T) {
	first, err := GenerateCredential(12)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(first) != 24 {
		t.Fatalf("expected 24 hex chars for 12 bytes, got %d", len(first))
	}
	second, err := GenerateCredential(12)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first == second {
		t.Fatalf("credentials must not repeat")
	}
	fallback, err := GenerateCredential(0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(fallback) != 24 {
		t.Fatalf("zero size must fall back to 12 bytes, got %d chars", len(fallback))
	}
}
