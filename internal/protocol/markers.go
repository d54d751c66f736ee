// Package protocol implements the sentinel-delimited output contract between
// the composed sandbox script and the orchestrator. The script emits result
// sections bounded by unique marker lines; Decode demultiplexes them into an
// ExecutionResult without ever interpreting diff +/- semantics.
//
// The marker strings are part of the protocol version and must stay
// byte-stable: the script composer embeds them, and any change breaks
// decoding of in-flight sandbox output.
package protocol

// CommitHashPrefix introduces the commit hash line, emitted outside any
// block. An empty value after '=' is the valid "no commit" case.
const CommitHashPrefix = "KAZI_COMMIT_HASH="

// Section markers. The KAZI_ prefix and the === framing make collisions with
// ordinary program output or diff content implausible; a diff line carrying a
// marker would itself be prefixed by '+', '-' or ' '.
const (
	PatchStart = "=== KAZI PATCH START ==="
	PatchEnd   = "=== KAZI PATCH END ==="

	DiffStart = "=== KAZI DIFF START ==="
	DiffEnd   = "=== KAZI DIFF END ==="

	ChangedFilesStart = "=== KAZI CHANGED FILES START ==="
	ChangedFilesEnd   = "=== KAZI CHANGED FILES END ==="

	FileChangesStart = "=== KAZI FILE CHANGES START ==="
	FileChangesEnd   = "=== KAZI FILE CHANGES END ==="

	NoChangesStart = "=== KAZI NO CHANGES START ==="
	NoChangesEnd   = "=== KAZI NO CHANGES END ==="
)

// Nested markers, valid only inside a FILE CHANGES section.
const (
	// FilePrefix starts a new per-file record: "KAZI_FILE: <path>".
	FilePrefix = "KAZI_FILE: "

	BeforeStart = "=== KAZI BEFORE START ==="
	BeforeEnd   = "=== KAZI BEFORE END ==="

	AfterStart = "=== KAZI AFTER START ==="
	AfterEnd   = "=== KAZI AFTER END ==="

	// AbsentSentinel as the sole line of a BEFORE/AFTER block means the
	// file did not exist on that side (added or deleted file).
	AbsentSentinel = "KAZI_FILE_ABSENT"
)
