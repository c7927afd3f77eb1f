package dedup

import (
	"errors"
	"testing"
)

func TestCanonicalURL_LowercaseSchemeAndHost(t *testing.T) {
	// WHAT: Scheme and host are lowercased during canonicalization.
	// WHY: DNS is case-insensitive; Example.COM = example.com.
	got, err := CanonicalURL("HTTPS://Example.COM/Article")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://example.com/Article" {
		t.Errorf("got %q, want %q", got, "https://example.com/Article")
	}
}

func TestCanonicalURL_PathCasePreserved(t *testing.T) {
	// WHAT: Path case is left alone.
	// WHY: Paths are case-sensitive on most servers; /A and /a can differ.
	got, err := CanonicalURL("https://example.com/CaseSensitive")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://example.com/CaseSensitive" {
		t.Errorf("got %q", got)
	}
}

func TestCanonicalURL_RemoveFragmentAndTrailingSlash(t *testing.T) {
	got, err := CanonicalURL("https://example.com/article/#section-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://example.com/article" {
		t.Errorf("got %q, want %q", got, "https://example.com/article")
	}
}

func TestCanonicalURL_StripsTrackingParams(t *testing.T) {
	// WHAT: utm_* and known click identifiers are dropped; real params stay.
	// WHY: Tracking params identify the click, not the resource — keeping
	// them would split one artifact into many identities.
	got, err := CanonicalURL("https://example.com/a?utm_source=x&utm_campaign=y&id=42&fbclid=abc&gclid=def")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://example.com/a?id=42" {
		t.Errorf("got %q, want %q", got, "https://example.com/a?id=42")
	}
}

func TestCanonicalURL_SortsQueryParams(t *testing.T) {
	got, err := CanonicalURL("https://example.com/a?b=2&a=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://example.com/a?a=1&b=2" {
		t.Errorf("got %q, want %q", got, "https://example.com/a?a=1&b=2")
	}
}

func TestCanonicalURL_AllParamsTracking(t *testing.T) {
	// WHAT: A query made entirely of tracking params collapses to no query.
	got, err := CanonicalURL("https://example.com/a?utm_medium=email&ref=home")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://example.com/a" {
		t.Errorf("got %q, want %q", got, "https://example.com/a")
	}
}

func TestCanonicalURL_NoSchemeUpgrade(t *testing.T) {
	// WHAT: http is NOT upgraded to https.
	// WHY: Different servers, different resources.
	got, err := CanonicalURL("http://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "http://example.com/a" {
		t.Errorf("got %q", got)
	}
}

func TestCanonicalURL_RejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com/a", "https://", "not a url"} {
		if _, err := CanonicalURL(raw); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("CanonicalURL(%q): expected ErrInvalidInput, got %v", raw, err)
		}
	}
}

func TestRegistrableDomain(t *testing.T) {
	cases := []struct {
		canonical string
		want      string
	}{
		{"https://news.bbc.co.uk/story", "bbc.co.uk"},
		{"https://www.example.com/a", "example.com"},
		{"https://localhost:8080/a", "localhost"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := RegistrableDomain(tc.canonical); got != tc.want {
			t.Errorf("RegistrableDomain(%q): got %q, want %q", tc.canonical, got, tc.want)
		}
	}
}
