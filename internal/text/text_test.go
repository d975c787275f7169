package text

import (
	"reflect"
	"testing"
)

func TestNormalizeUnescapesEntities(t *testing.T) {
	cases := map[string]string{
		"Tom &amp; Jerry":         "Tom & Jerry",
		"&lt;b&gt;bold&lt;/b&gt;": "<b>bold</b>",
		"caf&#233;":               "café",
		"double &amp;lt; escape":  "double < escape",
		"plain text.":             "plain text.",
		"":                        "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func FuzzNormalize(f *testing.F) {
	for _, seed := range []string{
		"",
		"Tom &amp; Jerry",
		"&amp;amp;lt;",
		"&#38;#38;#38;",
		"&nLt; &ngE; &#x1F600;",
		"&&&;;;",
		"\xff&amp",
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, s string) {
		once := Normalize(s)
		if twice := Normalize(once); twice != once {
			t.Fatalf("normalize not idempotent for %q: %q then %q", s, once, twice)
		}
	})
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"Hello &amp;amp; goodbye",
		"&amp;#38;",
		"a &lt; b &gt; c",
		"already < clean >",
		"ends with a period.",
		"&&&;;;",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNormalizeKeepsTrailingPunctuation(t *testing.T) {
	if got := Normalize("Done."); got != "Done." {
		t.Fatalf("expected trailing period preserved, got %q", got)
	}
}

func TestSegment(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		strip bool
		want  []string
	}{
		{"sentences stripped", "Hello there. Nice day.", true, []string{"Hello there", "Nice day"}},
		{"ellipsis preserved", "Wait... really.", true, []string{"Wait...", "really"}},
		{"no strip keeps final period", "Hello there. Nice day.", false, []string{"Hello there", "Nice day."}},
		{"ellipsis without strip", "Wait... really.", false, []string{"Wait...", "really."}},
		{"trailing ellipsis kept", "Hmm. Maybe...", true, []string{"Hmm", "Maybe..."}},
		{"two units", "Hi. Bye.", true, []string{"Hi", "Bye"}},
		{"no delimiter", "Just one", true, []string{"Just one"}},
		{"abbreviation split", "Dr. Smith is here.", true, []string{"Dr", "Smith is here"}},
		{"decimal untouched", "Pi is 3.14 roughly.", true, []string{"Pi is 3.14 roughly"}},
		{"empty input", "", true, []string{""}},
		{"empty unit between delimiters", "A. . B", false, []string{"A", "", "B"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Segment(tc.in, tc.strip)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Segment(%q, %v) = %q, want %q", tc.in, tc.strip, got, tc.want)
			}
		})
	}
}

func TestSegmentPreservesOrder(t *testing.T) {
	got := Segment("one. two. three. four", true)
	want := []string{"one", "two", "three", "four"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected order: %q", got)
	}
}
