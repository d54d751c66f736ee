// Package vcs talks to the repository hosting provider. The sandbox holds
// the only full clone; everything here works through the provider's
// content API: reading single files, writing single files, cutting
// branches, and opening pull requests.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrFileNotFound is returned by GetFile for paths absent on the ref.
var ErrFileNotFound = errors.New("file not found")

// RemoteFile is one file as the hosting provider sees it.
type RemoteFile struct {
	Path    string
	Content string
	// SHA is the provider's blob identifier, required for updates and
	// deletions of an existing file.
	SHA string
}

// PullRequest describes a pull request to open.
type PullRequest struct {
	Title string
	Body  string
	// Head is the branch carrying the changes, Base the target.
	Head string
	Base string
}

// HostingClient is the provider-side content and review surface.
type HostingClient interface {
	// GetFile reads one file at a ref. Returns ErrFileNotFound when the
	// path does not exist there.
	GetFile(ctx context.Context, path, ref string) (*RemoteFile, error)

	// CreateFile adds a new file on the branch.
	CreateFile(ctx context.Context, path, branch, content, message string) error

	// UpdateFile replaces an existing file's content. sha must be the
	// current blob SHA from GetFile.
	UpdateFile(ctx context.Context, path, branch, content, message, sha string) error

	// DeleteFile removes an existing file. sha as for UpdateFile.
	DeleteFile(ctx context.Context, path, branch, message, sha string) error

	// BranchHead returns the commit SHA at the tip of the branch.
	BranchHead(ctx context.Context, branch string) (string, error)

	// CreateBranch cuts a new branch at the given commit SHA.
	CreateBranch(ctx context.Context, name, sha string) error

	// OpenPullRequest opens a PR and returns its URL.
	OpenPullRequest(ctx context.Context, pr PullRequest) (string, error)
}

// RepoRef is the owner/name pair a hosting API addresses repositories by.
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string { return r.Owner + "/" + r.Name }

var (
	httpsRepoPattern = regexp.MustCompile(`^(?:https?|ssh)://[^/]+/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	scpRepoPattern   = regexp.MustCompile(`^[A-Za-z0-9._-]+@[^:]+:([^/]+)/([^/]+?)(?:\.git)?$`)
)

// ParseRepoURL extracts the owner/name pair from a clone URL, accepting
// both https and scp-like forms.
func ParseRepoURL(repoURL string) (RepoRef, error) {
	repoURL = strings.TrimSpace(repoURL)
	for _, pat := range []*regexp.Regexp{httpsRepoPattern, scpRepoPattern} {
		if m := pat.FindStringSubmatch(repoURL); m != nil {
			return RepoRef{Owner: m[1], Name: m[2]}, nil
		}
	}
	return RepoRef{}, fmt.Errorf("unrecognized repository URL %q", repoURL)
}
