package protocol

import (
	"strings"

	"github.com/jkaninda/kazi/internal/domain"
)

// ExecutionResult is the decoded, structured outcome of one sandbox run.
// Immutable after construction; the orchestrator merges it into the task
// record.
type ExecutionResult struct {
	// CommitHash is empty for a no-change run. The distinction between
	// "no commit" and "commit hash missing from output" is carried by
	// NoChanges and Violations, never by null-vs-empty ambiguity.
	CommitHash string

	// NoChanges is true when the script reported a clean working tree.
	// A no-op run is a valid, non-error outcome.
	NoChanges bool

	DiffText      string
	PatchText     string
	ChangedFiles  []domain.ChangedFile
	FileSnapshots []domain.FileSnapshot

	// AgentStdout is everything the agent printed outside marker blocks.
	AgentStdout string

	// Violations lists protocol irregularities found while decoding
	// (unterminated sections, stray end markers). Decoding is total:
	// violations degrade the result, they never abort it.
	Violations []string
}

// Violated reports whether the output stream broke the marker protocol.
func (r *ExecutionResult) Violated() bool {
	return len(r.Violations) > 0
}

// section identifies the block currently being captured.
type section int

const (
	secNone section = iota
	secPatch
	secDiff
	secChangedFiles
	secFileChanges
	secNoChanges
)

func (s section) name() string {
	switch s {
	case secPatch:
		return "PATCH"
	case secDiff:
		return "DIFF"
	case secChangedFiles:
		return "CHANGED FILES"
	case secFileChanges:
		return "FILE CHANGES"
	case secNoChanges:
		return "NO CHANGES"
	default:
		return "NONE"
	}
}

// subSection identifies the nested capture inside a FILE CHANGES block.
type subSection int

const (
	subNone subSection = iota
	subBefore
	subAfter
)

// fileCapture accumulates one per-file record inside a FILE CHANGES block.
type fileCapture struct {
	path      string
	before    []string
	hasBefore bool
	after     []string
	hasAfter  bool
}

// Decode parses raw combined sandbox output into an ExecutionResult.
//
// Decode is deterministic and total: malformed input never panics or
// errors, it yields empty fields for sections that cannot be located and
// records the irregularity in Violations. Line classification is done
// strictly by marker matching, never by diff +/- prefixes.
func Decode(raw string) *ExecutionResult {
	res := &ExecutionResult{}

	var (
		cur        = secNone
		sub        = subNone
		stdout     []string
		patch      []string
		diff       []string
		changed    []string
		curFile    *fileCapture
		commitSeen bool
	)

	flushFile := func() {
		if curFile == nil {
			return
		}
		res.FileSnapshots = append(res.FileSnapshots, curFile.snapshot())
		curFile = nil
	}

	for _, line := range strings.Split(raw, "\n") {
		// Start markers open a new section; an already-open section at
		// that point is itself a violation but decoding continues.
		if next, ok := startSection(line); ok {
			if cur != secNone {
				res.Violations = append(res.Violations, "section "+cur.name()+" not terminated before "+next.name())
				if cur == secFileChanges {
					flushFile()
					sub = subNone
				}
			}
			cur = next
			if cur == secNoChanges {
				res.NoChanges = true
			}
			continue
		}

		if end, ok := endSection(line); ok {
			if end != cur {
				res.Violations = append(res.Violations, "stray end marker for "+end.name())
				continue
			}
			if cur == secFileChanges {
				flushFile()
				sub = subNone
			}
			cur = secNone
			continue
		}

		switch cur {
		case secNone:
			if strings.HasPrefix(line, CommitHashPrefix) {
				res.CommitHash = strings.TrimPrefix(line, CommitHashPrefix)
				commitSeen = true
				continue
			}
			stdout = append(stdout, line)

		case secPatch:
			patch = append(patch, line)

		case secDiff:
			diff = append(diff, line)

		case secChangedFiles:
			changed = append(changed, line)

		case secFileChanges:
			switch {
			case strings.HasPrefix(line, FilePrefix):
				flushFile()
				sub = subNone
				curFile = &fileCapture{path: strings.TrimPrefix(line, FilePrefix)}
			case line == BeforeStart && curFile != nil:
				sub = subBefore
				curFile.hasBefore = true
			case line == BeforeEnd:
				sub = subNone
			case line == AfterStart && curFile != nil:
				sub = subAfter
				curFile.hasAfter = true
			case line == AfterEnd:
				sub = subNone
			default:
				if curFile == nil {
					continue
				}
				switch sub {
				case subBefore:
					curFile.before = append(curFile.before, line)
				case subAfter:
					curFile.after = append(curFile.after, line)
				}
			}

		case secNoChanges:
			// Free-form explanation inside the block is discarded:
			// the block's presence is the signal.
		}
	}

	if cur != secNone {
		res.Violations = append(res.Violations, "unterminated section "+cur.name())
		if cur == secFileChanges {
			flushFile()
		}
	}
	if !commitSeen && !res.NoChanges {
		res.Violations = append(res.Violations, "commit hash line missing")
	}

	res.AgentStdout = joinTrimmed(stdout)
	res.PatchText = strings.Join(patch, "\n")
	res.DiffText = strings.Join(diff, "\n")
	res.ChangedFiles = parseChangedFiles(changed)
	return res
}

func (f *fileCapture) snapshot() domain.FileSnapshot {
	snap := domain.FileSnapshot{Path: f.path}
	if f.hasBefore {
		snap.Before = blockContent(f.before)
	}
	if f.hasAfter {
		snap.After = blockContent(f.after)
	}
	return snap
}

// blockContent turns captured block lines into file content. A block whose
// sole line is the absent sentinel means "no file on this side" (nil).
func blockContent(lines []string) *string {
	if len(lines) == 1 && lines[0] == AbsentSentinel {
		return nil
	}
	s := strings.Join(lines, "\n")
	return &s
}

// parseChangedFiles parses `git diff --name-status` lines: a status letter,
// a tab, and the path. Unknown status letters degrade to "modified".
func parseChangedFiles(lines []string) []domain.ChangedFile {
	var files []domain.ChangedFile
	for _, line := range lines {
		if line == "" {
			continue
		}
		status, path, ok := strings.Cut(line, "\t")
		if !ok || path == "" {
			continue
		}
		var kind domain.ChangeKind
		switch {
		case strings.HasPrefix(status, "A"):
			kind = domain.ChangeAdded
		case strings.HasPrefix(status, "D"):
			kind = domain.ChangeDeleted
		default:
			kind = domain.ChangeModified
		}
		files = append(files, domain.ChangedFile{Path: path, Kind: kind})
	}
	return files
}

// joinTrimmed joins stray output lines, dropping leading/trailing blanks
// that the script's echo framing produces.
func joinTrimmed(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

func startSection(line string) (section, bool) {
	switch line {
	case PatchStart:
		return secPatch, true
	case DiffStart:
		return secDiff, true
	case ChangedFilesStart:
		return secChangedFiles, true
	case FileChangesStart:
		return secFileChanges, true
	case NoChangesStart:
		return secNoChanges, true
	}
	return secNone, false
}

func endSection(line string) (section, bool) {
	switch line {
	case PatchEnd:
		return secPatch, true
	case DiffEnd:
		return secDiff, true
	case ChangedFilesEnd:
		return secChangedFiles, true
	case FileChangesEnd:
		return secFileChanges, true
	case NoChangesEnd:
		return secNoChanges, true
	}
	return secNone, false
}
