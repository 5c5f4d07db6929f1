package tts

import (
	"strings"
	"testing"
)

func TestSplitTextForTTS(t *testing.T) {
	cases := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{name: "balanced three way", text: "one two three four five", max: 2, want: []string{"one two", "three four", "five"}},
		{name: "fits unchanged", text: "one  two three", max: 10, want: []string{"one  two three"}},
		{name: "no max", text: "a b c", max: 0, want: []string{"a b c"}},
		{name: "even split", text: "a b c d e f g", max: 4, want: []string{"a b c d", "e f g"}},
		{name: "blank", text: "   ", max: 3, want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitTextForTTS(tc.text, tc.max)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") || len(got) != len(tc.want) {
				t.Fatalf("SplitTextForTTS(%q, %d) = %q, want %q", tc.text, tc.max, got, tc.want)
			}
		})
	}
}

func TestSplitTextForTTSRoundTrip(t *testing.T) {
	text := "  the quick\tbrown fox\njumps over the lazy dog while the cat watches quietly  "
	words := strings.Fields(text)
	for limit := 1; limit <= len(words)+1; limit++ {
		segs := SplitTextForTTS(text, limit)
		if limit >= len(words) {
			if len(segs) != 1 || segs[0] != text {
				t.Fatalf("limit=%d: got %q, want the text unchanged", limit, segs)
			}
			continue
		}
		if got := strings.Join(segs, " "); got != strings.Join(words, " ") {
			t.Fatalf("limit=%d: joined = %q", limit, got)
		}
		minWords, maxWords := len(words), 0
		for _, s := range segs {
			n := len(strings.Fields(s))
			if n > limit {
				t.Fatalf("limit=%d: segment %q has %d words", limit, s, n)
			}
			minWords = min(minWords, n)
			maxWords = max(maxWords, n)
		}
		if maxWords-minWords > 1 {
			t.Fatalf("limit=%d: unbalanced segments %q", limit, segs)
		}
	}
}

func TestSegmentKeyRoundTrip(t *testing.T) {
	if got := SegmentKey("m1", 0, 1); got != "m1" {
		t.Fatalf("SegmentKey(single) = %q, want m1", got)
	}
	key := SegmentKey("lq2x-ab12cd34", 3, 5)
	if key != "lq2x-ab12cd34_part_3" {
		t.Fatalf("SegmentKey(multi) = %q", key)
	}
	id, part := ParseSegmentKey(key)
	if id != "lq2x-ab12cd34" || part != 3 {
		t.Fatalf("ParseSegmentKey(%q) = %q, %d", key, id, part)
	}
	if id, part := ParseSegmentKey("plain"); id != "plain" || part != 0 {
		t.Fatalf("ParseSegmentKey(plain) = %q, %d", id, part)
	}
}

func TestSegmentsUsesSanitizedText(t *testing.T) {
	got := Segments("**Hello** there, see https://x.y/z now", 3)
	want := []string{"Hello there,", "see now"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("Segments() = %q, want %q", got, want)
	}
	if Segments("```\ncode only\n```", 3) != nil {
		t.Fatalf("Segments(code only) should be empty")
	}
}
