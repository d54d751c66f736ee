// Package patch performs the narrow unified-diff reconstruction needed to
// push a single commit's changes through a hosting content API.
//
// This is a forward-apply: for each touched path the post-change file body
// is rebuilt from the hunk's context and added lines. It is only correct
// when the hunks cover the whole file or the remote branch matches the
// patch's stated parent. It is deliberately not a full diff parser, a hunk
// offset resolver, or a 3-way merge; paths it cannot reconstruct are
// flagged instead of truncated.
package patch

import "strings"

// FileChange is one path touched by a patch, with the raw hunk body needed
// to rebuild its content.
type FileChange struct {
	Path string

	// Deleted is true when the patch removes the file (+++ /dev/null).
	Deleted bool

	// Created is true when the patch adds the file (--- /dev/null).
	Created bool

	// hunkLines are the body lines from the first @@ onward, verbatim.
	hunkLines []string
}

// Parse scans patch text for `--- a/…` / `+++ b/…` header pairs and returns
// one FileChange per touched path, in patch order. Input it cannot make
// sense of is skipped, never fatal.
func Parse(patchText string) []FileChange {
	lines := strings.Split(patchText, "\n")
	var changes []FileChange
	var cur *FileChange
	inHunks := false

	flush := func() {
		if cur != nil {
			changes = append(changes, *cur)
			cur = nil
		}
		inHunks = false
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
			flush()
			oldSide := strings.TrimSpace(strings.TrimPrefix(line, "--- "))
			newSide := strings.TrimSpace(strings.TrimPrefix(lines[i+1], "+++ "))
			cur = headerPair(oldSide, newSide)
			i++ // consume the +++ line
			continue
		}

		if cur == nil {
			continue
		}

		if strings.HasPrefix(line, "@@") {
			inHunks = true
			cur.hunkLines = append(cur.hunkLines, line)
			continue
		}
		if inHunks {
			cur.hunkLines = append(cur.hunkLines, line)
		}
	}
	flush()
	return changes
}

// headerPair resolves the touched path from a ---/+++ header pair.
// Returns nil for pairs naming no usable path.
func headerPair(oldSide, newSide string) *FileChange {
	fc := &FileChange{}
	switch {
	case newSide == "/dev/null":
		fc.Deleted = true
		fc.Path = stripPrefix(oldSide, "a/")
	case oldSide == "/dev/null":
		fc.Created = true
		fc.Path = stripPrefix(newSide, "b/")
	default:
		fc.Path = stripPrefix(newSide, "b/")
	}
	if fc.Path == "" || fc.Path == "/dev/null" {
		return nil
	}
	return fc
}

func stripPrefix(p, prefix string) string {
	return strings.TrimPrefix(p, prefix)
}

// Reconstruct rebuilds the post-change content of one file from its hunk
// body: context lines (leading space) and added lines (leading '+') are
// kept in order, removed lines (leading '-') and diff metadata are
// discarded. The second return is false when nothing could be
// reconstructed; callers must leave the file untouched and flag it rather
// than write an empty body.
func Reconstruct(fc FileChange) (string, bool) {
	if fc.Deleted {
		return "", false
	}

	var out []string
	seen := false
	for _, line := range fc.hunkLines {
		switch {
		case strings.HasPrefix(line, "@@"):
			continue
		case strings.HasPrefix(line, "+"):
			out = append(out, line[1:])
			seen = true
		case strings.HasPrefix(line, " "):
			out = append(out, line[1:])
			seen = true
		case line == "":
			// Unified diffs render empty context lines as a single
			// space that trailing-whitespace stripping may have
			// removed in transit. Keep them.
			out = append(out, "")
		case strings.HasPrefix(line, "-"):
			// dropped
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"
		default:
			// Diff metadata (format-patch trailers, signatures),
			// not part of the file body.
		}
	}
	if !seen {
		return "", false
	}

	body := strings.Join(out, "\n")
	// A trailing blank element is the newline at end of file.
	if strings.HasSuffix(body, "\n") {
		return body, true
	}
	return body + "\n", true
}
