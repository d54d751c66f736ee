package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/kazi/internal/patch"
)

// ApplyReport summarizes a forward-apply of a task's patch through the
// content API. A file that could not be applied is recorded, never fatal:
// partial application with an honest report beats an all-or-nothing abort
// the reviewer cannot inspect.
type ApplyReport struct {
	Written  []string // created or updated
	Deleted  []string
	Skipped  []string // changes the forward-only reconstruction cannot express
	Failures []FileFailure
}

// FileFailure records one file the provider rejected.
type FileFailure struct {
	Path   string
	Reason string
}

// Clean reports whether every change landed.
func (r *ApplyReport) Clean() bool {
	return len(r.Skipped) == 0 && len(r.Failures) == 0
}

// Applier pushes a task's patch onto a hosting branch file by file.
type Applier struct {
	client HostingClient
	logger *slog.Logger
}

// NewApplier creates an applier.
func NewApplier(client HostingClient, logger *slog.Logger) *Applier {
	return &Applier{client: client, logger: logger}
}

// Apply reconstructs each changed file's full post-image from the patch
// and writes it to the branch. Deletions go through the delete endpoint.
// Files whose post-image cannot be reconstructed (binary, renames without
// content) are skipped and flagged. One file failing does not stop the
// rest.
func (a *Applier) Apply(ctx context.Context, patchText, branch, message string) (*ApplyReport, error) {
	changes := patch.Parse(patchText)
	if len(changes) == 0 {
		return nil, fmt.Errorf("patch contains no file changes")
	}

	report := &ApplyReport{}
	for _, fc := range changes {
		if err := a.applyOne(ctx, fc, branch, message, report); err != nil {
			report.Failures = append(report.Failures, FileFailure{Path: fc.Path, Reason: err.Error()})
			a.logger.Warn("content API apply failed for file",
				slog.String("path", fc.Path),
				slog.String("branch", branch),
				slog.String("error", err.Error()),
			)
		}
	}
	return report, nil
}

func (a *Applier) applyOne(ctx context.Context, fc patch.FileChange, branch, message string, report *ApplyReport) error {
	if fc.Deleted {
		existing, err := a.client.GetFile(ctx, fc.Path, branch)
		if errors.Is(err, ErrFileNotFound) {
			// Already gone on the branch; the intent is satisfied.
			report.Deleted = append(report.Deleted, fc.Path)
			return nil
		}
		if err != nil {
			return err
		}
		if err := a.client.DeleteFile(ctx, fc.Path, branch, message, existing.SHA); err != nil {
			return err
		}
		report.Deleted = append(report.Deleted, fc.Path)
		return nil
	}

	content, ok := patch.Reconstruct(fc)
	if !ok {
		report.Skipped = append(report.Skipped, fc.Path)
		a.logger.Warn("cannot reconstruct post-image, skipping",
			slog.String("path", fc.Path),
		)
		return nil
	}

	existing, err := a.client.GetFile(ctx, fc.Path, branch)
	switch {
	case errors.Is(err, ErrFileNotFound):
		if err := a.client.CreateFile(ctx, fc.Path, branch, content, message); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := a.client.UpdateFile(ctx, fc.Path, branch, content, message, existing.SHA); err != nil {
			return err
		}
	}
	report.Written = append(report.Written, fc.Path)
	return nil
}

// PublishParams drives Publish.
type PublishParams struct {
	PatchText     string
	TargetBranch  string // PR base
	WorkBranch    string // branch to cut and push onto
	CommitMessage string
	Title         string
	Body          string
}

// Publish cuts the work branch off the target branch head, applies the
// patch onto it, and opens a pull request. Returns the PR URL and the
// apply report.
func (a *Applier) Publish(ctx context.Context, p PublishParams) (string, *ApplyReport, error) {
	head, err := a.client.BranchHead(ctx, p.TargetBranch)
	if err != nil {
		return "", nil, err
	}
	if err := a.client.CreateBranch(ctx, p.WorkBranch, head); err != nil {
		return "", nil, err
	}

	report, err := a.Apply(ctx, p.PatchText, p.WorkBranch, p.CommitMessage)
	if err != nil {
		return "", nil, err
	}
	if len(report.Written)+len(report.Deleted) == 0 {
		return "", report, fmt.Errorf("no file changes could be applied to %s", p.WorkBranch)
	}

	body := p.Body
	if !report.Clean() {
		body += fmt.Sprintf("\n\n> Note: %d file(s) skipped and %d failed during content-API apply; see task record.",
			len(report.Skipped), len(report.Failures))
	}
	prURL, err := a.client.OpenPullRequest(ctx, PullRequest{
		Title: p.Title,
		Body:  body,
		Head:  p.WorkBranch,
		Base:  p.TargetBranch,
	})
	if err != nil {
		return "", report, err
	}
	return prURL, report, nil
}
