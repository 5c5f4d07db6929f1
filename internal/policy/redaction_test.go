package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactSecrets(t *testing.T) {
	input := `Post "https://example.test/v1beta/models/m:generateContent?key=sekrit123&alt=json": Authorization: Bearer abc.def`
	out := RedactSecrets(input)
	if strings.Contains(out, "sekrit123") || strings.Contains(out, "abc.def") {
		t.Fatalf("secrets leaked: %q", out)
	}
	if !strings.Contains(out, "key=[REDACTED]&alt=json") {
		t.Fatalf("query key not masked in place: %q", out)
	}

	key := "AIza" + strings.Repeat("x", 35)
	if got := RedactSecrets("bad key " + key); strings.Contains(got, key) {
		t.Fatalf("google key leaked: %q", got)
	}
}

func TestLogTextTruncates(t *testing.T) {
	got := LogText("hello world", 5)
	if got != "hello…" {
		t.Fatalf("LogText() = %q, want %q", got, "hello…")
	}
	if got := LogText("mail sam@example.com", 0); !strings.Contains(got, "[REDACTED_EMAIL]") {
		t.Fatalf("LogText() = %q, want redacted email", got)
	}
}
