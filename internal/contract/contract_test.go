package contract

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractText_PrefersOutputText(t *testing.T) {
	resp := map[string]any{
		"output_text": "direct",
		"output": []any{
			map[string]any{"content": []any{map[string]any{"type": "output_text", "text": "nested"}}},
		},
	}
	if got := ExtractText(resp); got != "direct" {
		t.Fatalf("got %q want %q", got, "direct")
	}
}

func TestExtractText_JoinsOutputContentParts(t *testing.T) {
	resp := map[string]any{
		"output": []any{
			map[string]any{"content": []any{
				map[string]any{"type": "output_text", "text": "one"},
				map[string]any{"type": "reasoning", "text": "skipped"},
				map[string]any{"type": "text", "text": "two"},
			}},
		},
	}
	if got := ExtractText(resp); got != "one\ntwo" {
		t.Fatalf("got %q want %q", got, "one\ntwo")
	}
}

func TestExtractText_TopLevelFallbacks(t *testing.T) {
	if got := ExtractText(map[string]any{"content": "fallback"}); got != "fallback" {
		t.Fatalf("got %q want %q", got, "fallback")
	}
	got := ExtractText(map[string]any{"id": "resp_1"})
	if !strings.Contains(got, "resp_1") {
		t.Fatalf("serialized fallback missing id: %q", got)
	}
}

func TestParseJSONStrict_TrimsWhitespace(t *testing.T) {
	obj, err := ParseJSONStrict("  {\"a\":1}  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := obj["a"]; !ok {
		t.Fatalf("missing key a: %v", obj)
	}
}

func TestParseJSONStrict_RecoversEmbeddedObject(t *testing.T) {
	obj, err := ParseJSONStrict("noise before {\"a\":1} after")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := obj["a"]; !ok {
		t.Fatalf("missing key a: %v", obj)
	}
}

func TestParseJSONStrict_NonObjectFails(t *testing.T) {
	for _, text := range []string{"[1,2,3]", `"str"`, "42", ""} {
		if _, err := ParseJSONStrict(text); err == nil {
			t.Fatalf("expected failure for %q", text)
		} else {
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("%q: got %T want *Error", text, err)
			}
		}
	}
}

func TestValidatePaths(t *testing.T) {
	cases := []struct {
		name  string
		paths []string
		ok    bool
	}{
		{"clean", []string{"a/b", "c.txt"}, true},
		{"traversal", []string{"a/b", "../x"}, false},
		{"inner traversal", []string{"a/../b"}, false},
		{"absolute", []string{"/etc/passwd"}, false},
		{"backslash", []string{`a\b`}, false},
		{"duplicate", []string{"a", "a"}, false},
		{"empty", []string{""}, false},
	}
	for _, tc := range cases {
		err := ValidatePaths(tc.paths)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestSplitText(t *testing.T) {
	if got := SplitText("", 20000); len(got) != 1 || got[0] != "" {
		t.Fatalf("empty: got %v", got)
	}
	s := strings.Repeat("x", 45000)
	chunks := SplitText(s, 20000)
	if len(chunks) != 3 {
		t.Fatalf("chunks: got %d want %d", len(chunks), 3)
	}
	if strings.Join(chunks, "") != s {
		t.Fatalf("concatenation does not reproduce input")
	}
	if len(chunks[0]) != 20000 || len(chunks[2]) != 5000 {
		t.Fatalf("chunk sizes: %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}
