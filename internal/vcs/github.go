package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubClient implements HostingClient against the GitHub REST API's
// contents, refs, and pulls endpoints.
type GitHubClient struct {
	baseURL    string
	token      string
	repo       RepoRef
	httpClient *http.Client
}

// GitHubOption configures the client.
type GitHubOption func(*GitHubClient)

// WithBaseURL points the client at a different API host (GitHub
// Enterprise, or a test server).
func WithBaseURL(u string) GitHubOption {
	return func(c *GitHubClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithGitHubHTTPClient sets a custom HTTP client.
func WithGitHubHTTPClient(hc *http.Client) GitHubOption {
	return func(c *GitHubClient) { c.httpClient = hc }
}

// NewGitHubClient creates a client scoped to one repository.
func NewGitHubClient(repo RepoRef, token string, opts ...GitHubOption) *GitHubClient {
	c := &GitHubClient{
		baseURL:    defaultGitHubAPI,
		token:      token,
		repo:       repo,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type contentsResponse struct {
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type contentsRequest struct {
	Message string `json:"message"`
	Content string `json:"content,omitempty"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

func (c *GitHubClient) GetFile(ctx context.Context, path, ref string) (*RemoteFile, error) {
	endpoint := c.contentsURL(path)
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	var resp contentsResponse
	status, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", path, err)
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%s at %s: %w", path, ref, ErrFileNotFound)
	}
	if status >= 300 {
		return nil, fmt.Errorf("getting %s: status %d", path, status)
	}
	content := resp.Content
	if resp.Encoding == "base64" {
		raw, decErr := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
		if decErr != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, decErr)
		}
		content = string(raw)
	}
	return &RemoteFile{Path: resp.Path, Content: content, SHA: resp.SHA}, nil
}

func (c *GitHubClient) CreateFile(ctx context.Context, path, branch, content, message string) error {
	return c.putContents(ctx, path, contentsRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString([]byte(content)),
		Branch:  branch,
	})
}

func (c *GitHubClient) UpdateFile(ctx context.Context, path, branch, content, message, sha string) error {
	return c.putContents(ctx, path, contentsRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString([]byte(content)),
		Branch:  branch,
		SHA:     sha,
	})
}

func (c *GitHubClient) putContents(ctx context.Context, path string, body contentsRequest) error {
	status, err := c.do(ctx, http.MethodPut, c.contentsURL(path), body, nil)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if status >= 300 {
		return fmt.Errorf("writing %s: status %d", path, status)
	}
	return nil
}

func (c *GitHubClient) DeleteFile(ctx context.Context, path, branch, message, sha string) error {
	body := contentsRequest{Message: message, Branch: branch, SHA: sha}
	status, err := c.do(ctx, http.MethodDelete, c.contentsURL(path), body, nil)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	if status >= 300 {
		return fmt.Errorf("deleting %s: status %d", path, status)
	}
	return nil
}

func (c *GitHubClient) BranchHead(ctx context.Context, branch string) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/git/ref/%s", c.baseURL, c.repo, url.PathEscape("heads/"+branch))
	var resp struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	status, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	if err != nil {
		return "", fmt.Errorf("resolving branch %s: %w", branch, err)
	}
	if status >= 300 {
		return "", fmt.Errorf("resolving branch %s: status %d", branch, status)
	}
	return resp.Object.SHA, nil
}

func (c *GitHubClient) CreateBranch(ctx context.Context, name, sha string) error {
	endpoint := fmt.Sprintf("%s/repos/%s/git/refs", c.baseURL, c.repo)
	body := map[string]string{
		"ref": "refs/heads/" + name,
		"sha": sha,
	}
	status, err := c.do(ctx, http.MethodPost, endpoint, body, nil)
	if err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	// 422 means the ref already exists; the caller reuses it.
	if status >= 300 && status != http.StatusUnprocessableEntity {
		return fmt.Errorf("creating branch %s: status %d", name, status)
	}
	return nil
}

func (c *GitHubClient) OpenPullRequest(ctx context.Context, pr PullRequest) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/pulls", c.baseURL, c.repo)
	body := map[string]string{
		"title": pr.Title,
		"body":  pr.Body,
		"head":  pr.Head,
		"base":  pr.Base,
	}
	var resp struct {
		HTMLURL string `json:"html_url"`
	}
	status, err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	if err != nil {
		return "", fmt.Errorf("opening pull request: %w", err)
	}
	if status >= 300 {
		return "", fmt.Errorf("opening pull request: status %d", status)
	}
	return resp.HTMLURL, nil
}

func (c *GitHubClient) contentsURL(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/repos/%s/contents/%s", c.baseURL, c.repo, strings.Join(segments, "/"))
}

// do sends one JSON request. Non-2xx statuses are returned, not errors;
// callers decide which statuses are exceptional for their endpoint.
func (c *GitHubClient) do(ctx context.Context, method, endpoint string, in, out any) (int, error) {
	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if out != nil && resp.StatusCode < 300 && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
