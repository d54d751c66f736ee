// Package script composes the shell program executed inside a sandbox: clone
// the repository, run the selected agent against the user's prompt, commit
// whatever changed, and emit the results as the marker-delimited stream
// decoded by the protocol package.
//
// Every value embedded in the program is shell-escaped by construction. The
// repo URL, branch name, and prompt are attacker-influenced strings; they
// never reach an interpolated command position unquoted.
package script

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/protocol"
)

const (
	// WorkspacePath is the fixed clone target inside every sandbox.
	WorkspacePath = "/workspace/repo"

	// promptPath is where the prompt is written before the agent runs.
	// The agent reads it back with $(cat …) so the prompt text itself is
	// never part of a command line the shell parses.
	promptPath = "/workspace/prompt.txt"

	defaultCommitterName  = "kazi-agent"
	defaultCommitterEmail = "agent@kazi.local"
	commitMessage         = "kazi: apply requested change"
)

// Per-step execution budgets. The remote driver enforces these per command;
// the local driver bounds the whole script with the sandbox timeout.
const (
	CloneTimeout   = 60 * time.Second
	CommandTimeout = 30 * time.Second
	AgentTimeout   = 300 * time.Second
)

// Params are the inputs to script composition.
type Params struct {
	RepoURL        string
	Branch         string
	Prompt         string
	AgentClass     domain.AgentClass
	CommitterName  string // optional, defaults to kazi-agent
	CommitterEmail string // optional
}

// Step is one discrete command of the program, for drivers that have no
// single "run script and wait" primitive. Command is a POSIX sh snippet
// executed as `sh -c`.
type Step struct {
	Name    string
	Command string
	Timeout time.Duration
}

// Program is the composed execution program in both shapes: a single
// self-contained script for drivers that stream one process, and the same
// work as discrete steps for drivers that issue remote commands. Both are
// derived from one set of snippets, so they cannot drift apart.
type Program struct {
	Script string
	Steps  []Step
}

// scpLikeRemote matches git's scp-style remotes: git@host:owner/repo.git
var scpLikeRemote = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9._-]+:[A-Za-z0-9._/-]+$`)

// branchPattern is a conservative subset of valid git ref names.
var branchPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// Compose builds the execution program for one task.
func Compose(p Params) (*Program, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	name := p.CommitterName
	if name == "" {
		name = defaultCommitterName
	}
	email := p.CommitterEmail
	if email == "" {
		email = defaultCommitterEmail
	}

	agentCmd, err := agentCommand(p.AgentClass)
	if err != nil {
		return nil, err
	}

	steps := []Step{
		{
			Name: "clone",
			Command: fmt.Sprintf("git clone --branch %s --single-branch %s %s",
				quote(p.Branch), quote(p.RepoURL), WorkspacePath),
			Timeout: CloneTimeout,
		},
		{
			Name: "identity",
			Command: fmt.Sprintf("cd %s && git config user.name %s && git config user.email %s",
				WorkspacePath, quote(name), quote(email)),
			Timeout: CommandTimeout,
		},
		{
			Name:    "prompt",
			Command: fmt.Sprintf("printf '%%s\\n' %s > %s", quote(p.Prompt), promptPath),
			Timeout: CommandTimeout,
		},
		{
			Name:    "agent",
			Command: fmt.Sprintf("cd %s && %s", WorkspacePath, agentCmd),
			Timeout: AgentTimeout,
		},
		{
			Name:    "extract",
			Command: extractSnippet(),
			Timeout: CommandTimeout,
		},
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -eu\n")
	for _, s := range steps {
		b.WriteString("\n# step: " + s.Name + "\n")
		b.WriteString(s.Command + "\n")
	}

	return &Program{Script: b.String(), Steps: steps}, nil
}

func validate(p Params) error {
	if p.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if !p.AgentClass.Valid() {
		return fmt.Errorf("unknown agent class %q", p.AgentClass)
	}
	if !branchPattern.MatchString(p.Branch) || strings.Contains(p.Branch, "..") {
		return fmt.Errorf("invalid branch name %q", p.Branch)
	}
	if err := validateRepoURL(p.RepoURL); err != nil {
		return err
	}
	return nil
}

func validateRepoURL(raw string) error {
	if raw == "" || strings.ContainsAny(raw, " \t\n") || strings.HasPrefix(raw, "-") {
		return fmt.Errorf("invalid repo URL %q", raw)
	}
	if scpLikeRemote.MatchString(raw) {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid repo URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "ssh":
		if u.Host == "" {
			return fmt.Errorf("invalid repo URL %q: missing host", raw)
		}
		return nil
	default:
		return fmt.Errorf("invalid repo URL %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// agentCommand selects the agent CLI invocation for the class. The prompt is
// read back from the prompt file via command substitution, never spliced
// into the command text.
func agentCommand(class domain.AgentClass) (string, error) {
	switch class {
	case domain.AgentClaude:
		return fmt.Sprintf(`claude --print --dangerously-skip-permissions -- "$(cat %s)"`, promptPath), nil
	case domain.AgentCodex:
		return fmt.Sprintf(`codex exec --full-auto "$(cat %s)"`, promptPath), nil
	default:
		return "", fmt.Errorf("no agent runner for class %q", class)
	}
}

// extractSnippet emits the result sections. A clean working tree is a valid
// outcome: it produces the no-changes block and an empty commit hash, not an
// error. Marker strings come from the protocol package so the two sides of
// the contract cannot diverge.
func extractSnippet() string {
	var b strings.Builder
	echo := func(s string) { b.WriteString("echo " + quote(s) + "\n") }

	b.WriteString("cd " + WorkspacePath + "\n")
	b.WriteString(`if [ -z "$(git status --porcelain)" ]; then` + "\n")
	echo(protocol.NoChangesStart)
	echo("working tree clean")
	echo(protocol.NoChangesEnd)
	echo(protocol.CommitHashPrefix)
	b.WriteString("else\n")
	b.WriteString("git add -A\n")
	b.WriteString("git commit --quiet -m " + quote(commitMessage) + "\n")
	b.WriteString(`echo ` + quote(protocol.CommitHashPrefix) + `"$(git rev-parse HEAD)"` + "\n")
	echo(protocol.PatchStart)
	b.WriteString("git format-patch -1 HEAD --stdout\n")
	echo(protocol.PatchEnd)
	echo(protocol.DiffStart)
	b.WriteString("git diff HEAD^ HEAD\n")
	echo(protocol.DiffEnd)
	echo(protocol.ChangedFilesStart)
	b.WriteString("git diff --name-status HEAD^ HEAD\n")
	echo(protocol.ChangedFilesEnd)
	echo(protocol.FileChangesStart)
	b.WriteString("git diff --name-only HEAD^ HEAD | while IFS= read -r f; do\n")
	b.WriteString(`echo ` + quote(protocol.FilePrefix) + `"$f"` + "\n")
	echo(protocol.BeforeStart)
	b.WriteString(`if git cat-file -e "HEAD^:$f" 2>/dev/null; then git show "HEAD^:$f"; else echo ` + quote(protocol.AbsentSentinel) + `; fi` + "\n")
	echo(protocol.BeforeEnd)
	echo(protocol.AfterStart)
	b.WriteString(`if git cat-file -e "HEAD:$f" 2>/dev/null; then git show "HEAD:$f"; else echo ` + quote(protocol.AbsentSentinel) + `; fi` + "\n")
	echo(protocol.AfterEnd)
	b.WriteString("done\n")
	echo(protocol.FileChangesEnd)
	b.WriteString("fi")
	return b.String()
}

// quote single-quotes s for POSIX sh. Embedded single quotes are closed,
// escaped, and reopened: ' → '\''.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
