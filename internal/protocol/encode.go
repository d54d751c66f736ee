package protocol

import (
	"strings"

	"github.com/jkaninda/kazi/internal/domain"
)

// Encode renders an ExecutionResult as the marker-delimited stream the
// sandbox script produces. The composed shell script is the production
// encoder; this function is its Go mirror, used to pin the byte format in
// round-trip tests and as executable documentation of the contract.
func Encode(res *ExecutionResult) string {
	var b strings.Builder

	if res.AgentStdout != "" {
		b.WriteString(res.AgentStdout)
		b.WriteString("\n")
	}

	if res.NoChanges {
		b.WriteString(NoChangesStart + "\n")
		b.WriteString("working tree clean\n")
		b.WriteString(NoChangesEnd + "\n")
		b.WriteString(CommitHashPrefix + "\n")
		return b.String()
	}

	b.WriteString(CommitHashPrefix + res.CommitHash + "\n")

	writeBlock(&b, PatchStart, PatchEnd, res.PatchText)
	writeBlock(&b, DiffStart, DiffEnd, res.DiffText)

	b.WriteString(ChangedFilesStart + "\n")
	for _, cf := range res.ChangedFiles {
		b.WriteString(statusLetter(cf.Kind) + "\t" + cf.Path + "\n")
	}
	b.WriteString(ChangedFilesEnd + "\n")

	b.WriteString(FileChangesStart + "\n")
	for _, snap := range res.FileSnapshots {
		b.WriteString(FilePrefix + snap.Path + "\n")
		writeContentBlock(&b, BeforeStart, BeforeEnd, snap.Before)
		writeContentBlock(&b, AfterStart, AfterEnd, snap.After)
	}
	b.WriteString(FileChangesEnd + "\n")

	return b.String()
}

func writeBlock(b *strings.Builder, start, end, body string) {
	b.WriteString(start + "\n")
	b.WriteString(body + "\n")
	b.WriteString(end + "\n")
}

func writeContentBlock(b *strings.Builder, start, end string, content *string) {
	b.WriteString(start + "\n")
	if content == nil {
		b.WriteString(AbsentSentinel + "\n")
	} else {
		b.WriteString(*content + "\n")
	}
	b.WriteString(end + "\n")
}

func statusLetter(kind domain.ChangeKind) string {
	switch kind {
	case domain.ChangeAdded:
		return "A"
	case domain.ChangeDeleted:
		return "D"
	default:
		return "M"
	}
}
