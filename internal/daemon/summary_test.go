package daemon

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestToolSummary(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"read with path", "read", `{"path":"src/main.ts"}`, "📖 Reading `src/main.ts`"},
		{"read without path", "read", `{}`, "📖 Reading `file`"},
		{"bash", "bash", `{"command":"npm test"}`, "⚡ `npm test`"},
		{"edit", "edit", `{"path":"go.mod"}`, "✏️ Editing `go.mod`"},
		{"write", "write", `{"path":"out.txt"}`, "📝 Writing `out.txt`"},
		{"unknown tool", "grep", `{"pattern":"x"}`, "🔧 grep"},
		{"malformed args", "read", `not json`, "📖 Reading `file`"},
		{"nil args", "write", ``, "📝 Writing `file`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToolSummary(tt.tool, json.RawMessage(tt.args))
			if got != tt.want {
				t.Errorf("ToolSummary(%s, %s) = %q, want %q", tt.tool, tt.args, got, tt.want)
			}
		})
	}
}

func TestBashSummaryTruncation(t *testing.T) {
	long := strings.Repeat("é", 100)
	args, _ := json.Marshal(map[string]string{"command": long})
	got := ToolSummary("bash", args)

	inner := strings.TrimSuffix(strings.TrimPrefix(got, "⚡ `"), "`")
	if !strings.HasSuffix(inner, "…") {
		t.Fatalf("expected ellipsis, got %q", inner)
	}
	if n := len([]rune(strings.TrimSuffix(inner, "…"))); n != bashSummaryMax {
		t.Errorf("kept %d codepoints, want %d", n, bashSummaryMax)
	}
	// No split multi-byte character.
	if strings.ContainsRune(inner, '�') {
		t.Error("truncation split a multi-byte character")
	}
}

func TestBashSummaryFirstLineOnly(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"command": "make build\nmake test"})
	if got := ToolSummary("bash", args); got != "⚡ `make build`" {
		t.Errorf("got %q", got)
	}
}
