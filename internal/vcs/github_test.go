package vcs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestGitHub(t *testing.T, handler http.HandlerFunc) *GitHubClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGitHubClient(RepoRef{Owner: "acme", Name: "widgets"}, "tok",
		WithBaseURL(srv.URL), WithGitHubHTTPClient(srv.Client()))
}

func TestGetFile(t *testing.T) {
	c := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/contents/docs/readme.md" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("ref"); got != "main" {
			t.Errorf("ref = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth = %q", got)
		}
		json.NewEncoder(w).Encode(contentsResponse{
			Path:     "docs/readme.md",
			SHA:      "abc123",
			Content:  base64.StdEncoding.EncodeToString([]byte("hello\n")),
			Encoding: "base64",
		})
	})

	f, err := c.GetFile(context.Background(), "docs/readme.md", "main")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f.Content != "hello\n" {
		t.Errorf("content = %q", f.Content)
	}
	if f.SHA != "abc123" {
		t.Errorf("sha = %q", f.SHA)
	}
}

func TestGetFile_NotFound(t *testing.T) {
	c := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.GetFile(context.Background(), "missing.txt", "main")
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("want ErrFileNotFound, got %v", err)
	}
}

func TestCreateAndUpdateFile(t *testing.T) {
	var puts []contentsRequest
	c := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		var req contentsRequest
		json.NewDecoder(r.Body).Decode(&req)
		puts = append(puts, req)
		w.WriteHeader(http.StatusCreated)
	})

	if err := c.CreateFile(context.Background(), "new.txt", "feature", "hello\n", "add new.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := c.UpdateFile(context.Background(), "old.txt", "feature", "bye\n", "update", "sha1"); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}

	if len(puts) != 2 {
		t.Fatalf("got %d PUTs", len(puts))
	}
	if puts[0].SHA != "" {
		t.Errorf("create must not carry a sha: %q", puts[0].SHA)
	}
	if got, _ := base64.StdEncoding.DecodeString(puts[0].Content); string(got) != "hello\n" {
		t.Errorf("create content = %q", got)
	}
	if puts[1].SHA != "sha1" {
		t.Errorf("update sha = %q", puts[1].SHA)
	}
	if puts[0].Branch != "feature" || puts[1].Branch != "feature" {
		t.Errorf("branch not carried: %+v", puts)
	}
}

func TestDeleteFile(t *testing.T) {
	c := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		var req contentsRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.SHA != "sha9" {
			t.Errorf("delete sha = %q", req.SHA)
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := c.DeleteFile(context.Background(), "gone.txt", "feature", "remove", "sha9"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
}

func TestBranchHeadAndCreateBranch(t *testing.T) {
	c := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"object": map[string]string{"sha": "deadbeef"},
			})
		case r.Method == http.MethodPost:
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			if req["ref"] != "refs/heads/kazi/task-1" {
				t.Errorf("ref = %q", req["ref"])
			}
			if req["sha"] != "deadbeef" {
				t.Errorf("sha = %q", req["sha"])
			}
			w.WriteHeader(http.StatusCreated)
		}
	})

	head, err := c.BranchHead(context.Background(), "main")
	if err != nil {
		t.Fatalf("BranchHead: %v", err)
	}
	if head != "deadbeef" {
		t.Errorf("head = %q", head)
	}
	if err := c.CreateBranch(context.Background(), "kazi/task-1", head); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
}

func TestCreateBranch_AlreadyExists(t *testing.T) {
	c := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	if err := c.CreateBranch(context.Background(), "kazi/task-1", "deadbeef"); err != nil {
		t.Fatalf("existing branch should be reused, got %v", err)
	}
}

func TestOpenPullRequest(t *testing.T) {
	c := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["head"] != "kazi/task-1" || req["base"] != "main" {
			t.Errorf("head/base = %q/%q", req["head"], req["base"])
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"html_url": "https://github.com/acme/widgets/pull/7",
		})
	})

	url, err := c.OpenPullRequest(context.Background(), PullRequest{
		Title: "Add readme",
		Head:  "kazi/task-1",
		Base:  "main",
	})
	if err != nil {
		t.Fatalf("OpenPullRequest: %v", err)
	}
	if url != "https://github.com/acme/widgets/pull/7" {
		t.Errorf("url = %q", url)
	}
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		in      string
		want    RepoRef
		wantErr bool
	}{
		{in: "https://github.com/acme/widgets.git", want: RepoRef{"acme", "widgets"}},
		{in: "https://github.com/acme/widgets", want: RepoRef{"acme", "widgets"}},
		{in: "git@github.com:acme/widgets.git", want: RepoRef{"acme", "widgets"}},
		{in: "ssh://git@github.com/acme/widgets.git", want: RepoRef{"acme", "widgets"}},
		{in: "not a url", wantErr: true},
		{in: "https://github.com/acme", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRepoURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRepoURL(%q) should fail", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRepoURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRepoURL(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
