package script

import (
	"strings"
	"testing"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/protocol"
)

func validParams() Params {
	return Params{
		RepoURL:    "https://github.com/jkaninda/demo.git",
		Branch:     "main",
		Prompt:     "add a line to README",
		AgentClass: domain.AgentClaude,
	}
}

func TestCompose_ScriptShape(t *testing.T) {
	prog, err := Compose(validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(prog.Script, "#!/bin/sh\nset -eu\n") {
		t.Errorf("script missing header: %q", prog.Script[:40])
	}
	for _, marker := range []string{
		protocol.CommitHashPrefix,
		protocol.PatchStart, protocol.PatchEnd,
		protocol.DiffStart, protocol.DiffEnd,
		protocol.ChangedFilesStart, protocol.ChangedFilesEnd,
		protocol.FileChangesStart, protocol.FileChangesEnd,
		protocol.NoChangesStart, protocol.NoChangesEnd,
		protocol.AbsentSentinel,
	} {
		if !strings.Contains(prog.Script, marker) {
			t.Errorf("script missing marker %q", marker)
		}
	}
	if !strings.Contains(prog.Script, "git clone --branch 'main' --single-branch 'https://github.com/jkaninda/demo.git' "+WorkspacePath) {
		t.Error("clone command not quoted as expected")
	}
}

func TestCompose_Steps(t *testing.T) {
	prog, err := Compose(validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantNames := []string{"clone", "identity", "prompt", "agent", "extract"}
	if len(prog.Steps) != len(wantNames) {
		t.Fatalf("steps = %d, want %d", len(prog.Steps), len(wantNames))
	}
	for i, name := range wantNames {
		if prog.Steps[i].Name != name {
			t.Errorf("step %d = %q, want %q", i, prog.Steps[i].Name, name)
		}
		if prog.Steps[i].Timeout <= 0 {
			t.Errorf("step %q has no timeout", name)
		}
	}
	if prog.Steps[0].Timeout != CloneTimeout {
		t.Errorf("clone timeout = %v, want %v", prog.Steps[0].Timeout, CloneTimeout)
	}
	if prog.Steps[3].Timeout != AgentTimeout {
		t.Errorf("agent timeout = %v, want %v", prog.Steps[3].Timeout, AgentTimeout)
	}
	// Every step must appear verbatim in the single-script form.
	for _, s := range prog.Steps {
		if !strings.Contains(prog.Script, s.Command) {
			t.Errorf("step %q not present in script", s.Name)
		}
	}
}

func TestCompose_PromptNeverInterpolated(t *testing.T) {
	p := validParams()
	p.Prompt = `fix this'; rm -rf / #$(reboot)`
	prog, err := Compose(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The raw injection sequence must only appear inside a single-quoted
	// printf argument, with the embedded quote escaped.
	if strings.Contains(prog.Script, p.Prompt) {
		t.Error("prompt embedded unescaped in script")
	}
	if !strings.Contains(prog.Script, `fix this'\''; rm -rf / #$(reboot)`) {
		t.Error("prompt not single-quote escaped")
	}
	// The agent reads the prompt from the file, not from the command line.
	if !strings.Contains(prog.Script, `"$(cat /workspace/prompt.txt)"`) {
		t.Error("agent invocation does not read prompt file")
	}
}

func TestCompose_AgentSelection(t *testing.T) {
	p := validParams()
	p.AgentClass = domain.AgentCodex
	prog, err := Compose(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prog.Script, "codex exec") {
		t.Error("codex class did not select codex runner")
	}
	if strings.Contains(prog.Script, "claude --print") {
		t.Error("codex class selected claude runner")
	}
}

func TestCompose_RejectsBadInputs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"empty prompt", func(p *Params) { p.Prompt = "" }},
		{"bad class", func(p *Params) { p.AgentClass = "gpt" }},
		{"empty branch", func(p *Params) { p.Branch = "" }},
		{"branch traversal", func(p *Params) { p.Branch = "main/../evil" }},
		{"branch option injection", func(p *Params) { p.Branch = "--upload-pack=/bin/sh" }},
		{"branch with space", func(p *Params) { p.Branch = "ma in" }},
		{"empty url", func(p *Params) { p.RepoURL = "" }},
		{"url with space", func(p *Params) { p.RepoURL = "https://x.com/a b" }},
		{"url option injection", func(p *Params) { p.RepoURL = "--upload-pack=/bin/sh" }},
		{"file scheme", func(p *Params) { p.RepoURL = "file:///etc/passwd" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			if _, err := Compose(p); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestCompose_AcceptsScpRemote(t *testing.T) {
	p := validParams()
	p.RepoURL = "git@github.com:jkaninda/demo.git"
	if _, err := Compose(p); err != nil {
		t.Fatalf("scp-style remote rejected: %v", err)
	}
}

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"plain":        "'plain'",
		"with 'quote'": `'with '\''quote'\'''`,
		"$(sub) `cmd`": "'$(sub) `cmd`'",
		"":             "''",
	}
	for in, want := range cases {
		if got := quote(in); got != want {
			t.Errorf("quote(%q) = %s, want %s", in, got, want)
		}
	}
}
