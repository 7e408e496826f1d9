package cascade

import (
	"testing"
)

func TestTokens_Parsing(t *testing.T) {
	toks := Tokens("use {{step.1.response_id}} then {{ step.2.json }} and {{step.3.out_file_id:docs/plan.md}}")
	if len(toks) != 3 {
		t.Fatalf("got %d tokens want 3", len(toks))
	}
	if toks[0] != (Token{Step: 1, Kind: TokenResponseID}) {
		t.Fatalf("token 0: %+v", toks[0])
	}
	if toks[1] != (Token{Step: 2, Kind: TokenJSON}) {
		t.Fatalf("token 1: %+v", toks[1])
	}
	if toks[2] != (Token{Step: 3, Kind: TokenOutFileID, Rel: "docs/plan.md"}) {
		t.Fatalf("token 2: %+v", toks[2])
	}
	if got := Tokens("no placeholders here"); got != nil {
		t.Fatalf("unexpected tokens: %v", got)
	}
}

func TestContext_ResolveText(t *testing.T) {
	ctx := NewContext()
	ctx.SetResponseID(1, "resp_abc")
	ctx.SetJSON(2, map[string]any{"files": []any{}})
	ctx.SetOutFile(3, `docs\plan.md`, "/out/docs/plan.md", "file_9")

	cases := []struct {
		in   string
		want string
	}{
		{"prev={{step.1.response_id}}", "prev=resp_abc"},
		{"{{step.2.json}}", `{"files":[]}`},
		{"{{step.3.out_file_path:docs/plan.md}}", "/out/docs/plan.md"},
		{"{{step.3.out_file_id:/docs/plan.md}}", "file_9"},
		// Unknown references resolve empty, not error.
		{"{{step.9.response_id}}", ""},
		{"{{step.3.out_file_id:other.md}}", ""},
		// Not a placeholder: left alone.
		{"{{step.one.json}}", "{{step.one.json}}"},
	}
	for _, tc := range cases {
		if got := ctx.ResolveText(tc.in); got != tc.want {
			t.Fatalf("ResolveText(%q): got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestContext_ResolveText_JSONString(t *testing.T) {
	ctx := NewContext()
	ctx.SetJSON(1, "already a string")
	if got := ctx.ResolveText("{{step.1.json}}"); got != "already a string" {
		t.Fatalf("got %q", got)
	}
}

func TestContext_ResolveValue(t *testing.T) {
	ctx := NewContext()
	ctx.SetResponseID(1, "resp_abc")
	in := map[string]any{
		"a": "{{step.1.response_id}}",
		"b": []any{"x", "{{step.1.response_id}}", float64(3)},
		"c": true,
	}
	out, ok := ctx.ResolveValue(in).(map[string]any)
	if !ok {
		t.Fatalf("resolve changed the shape: %T", ctx.ResolveValue(in))
	}
	if out["a"] != "resp_abc" {
		t.Fatalf("a: %v", out["a"])
	}
	list := out["b"].([]any)
	if list[1] != "resp_abc" || list[2] != float64(3) {
		t.Fatalf("b: %v", list)
	}
	if out["c"] != true {
		t.Fatalf("c: %v", out["c"])
	}
}
