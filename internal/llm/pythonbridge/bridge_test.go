package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestGenerateParsesScriptOutput(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '{\"text\":\"hi\",\"structured\":{\"category\":\"content_text\"}}'\n")
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Generate(context.Background(), llm.Request{Prompt: "x", Schema: map[string]any{"type": "object"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "hi" || len(resp.Structured) == 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGenerateMalformedOutput(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho not-json\n")
	client, _ := NewClient("sh", script, "")

	_, err := client.Generate(context.Background(), llm.Request{Prompt: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeMalformedOutput {
		t.Fatalf("expected malformed output, got %v", err)
	}
}

func TestGenerateScriptFailureIsUpstream(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 3\n")
	client, _ := NewClient("sh", script, "")

	_, err := client.Generate(context.Background(), llm.Request{Prompt: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/opt/app", "scripts/gen.py"); got != filepath.Join("/opt/app", "scripts/gen.py") {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/opt/app", "/abs/gen.py"); got != "/abs/gen.py" {
		t.Fatalf("absolute path should be kept, got %s", got)
	}
}
