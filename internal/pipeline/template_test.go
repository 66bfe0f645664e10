package pipeline

import (
	"errors"
	"testing"
)

func TestResolveParams(t *testing.T) {
	node := map[string]any{
		"prompt": "a red fox",
		"meta":   map[string]any{"width": 1024},
	}
	results := map[string]map[string]any{
		"keyframe": {"url": "https://cdn/kf.png"},
	}

	got, err := ResolveParams(map[string]string{
		"prompt":   "{{prompt}}",
		"width":    "{{meta.width}}",
		"ref":      "{{tasks.keyframe.url}}",
		"combined": "img={{tasks.keyframe.url}}&p={{prompt}}",
		"plain":    "no placeholders here",
	}, node, results)
	if err != nil {
		t.Fatalf("ResolveParams: %v", err)
	}
	want := map[string]string{
		"prompt":   "a red fox",
		"width":    "1024",
		"ref":      "https://cdn/kf.png",
		"combined": "img=https://cdn/kf.png&p=a red fox",
		"plain":    "no placeholders here",
	}
	for k, w := range want {
		if got[k] != w {
			t.Fatalf("param %s: want=%q got=%q", k, w, got[k])
		}
	}
}

func TestResolveParamsUnresolvedPlaceholder(t *testing.T) {
	cases := map[string]map[string]string{
		"missing node field":    {"p": "{{nope}}"},
		"missing task":          {"p": "{{tasks.ghost.url}}"},
		"missing task field":    {"p": "{{tasks.keyframe.nope}}"},
		"task path too short":   {"p": "{{tasks.keyframe}}"},
		"non-scalar node value": {"p": "{{meta}}"},
	}
	node := map[string]any{"meta": map[string]any{"w": 1}}
	results := map[string]map[string]any{"keyframe": {"url": "u"}}

	for name, params := range cases {
		_, err := ResolveParams(params, node, results)
		var terr *TemplateError
		if !errors.As(err, &terr) {
			t.Fatalf("%s: want TemplateError, got %v", name, err)
		}
	}
}

func TestResolveStringUnclosedBraces(t *testing.T) {
	// An unterminated placeholder is passed through as literal text.
	got, err := resolveString("hello {{prompt", map[string]any{"prompt": "x"}, nil)
	if err != nil {
		t.Fatalf("resolveString: %v", err)
	}
	if got != "hello {{prompt" {
		t.Fatalf("got %q", got)
	}
}

func TestPlaceholders(t *testing.T) {
	got := placeholders("a {{one}} b {{ tasks.t.url }} c")
	if len(got) != 2 || got[0] != "one" || got[1] != "tasks.t.url" {
		t.Fatalf("placeholders: %v", got)
	}
	if got := placeholders("nothing"); len(got) != 0 {
		t.Fatalf("expected none, got %v", got)
	}
}
