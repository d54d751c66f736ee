package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the task command.
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitTaskFailed        = 2
	ExitServerUnavailable = 3
)

var (
	taskPrompt     string
	taskRepoURL    string
	taskBranch     string
	taskAgentClass string
	taskOpenPR     bool
	taskServerURL  string
	taskAPIKey     string
	taskFollow     bool
	taskTimeout    int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit a code-change task to a running server",
	Long: `Submit a natural-language code-change task to the Kazi server.
The server clones the repository into an ephemeral sandbox, runs the
chosen agent against it, and extracts the resulting commit.

Examples:
  kazi task -p "add a retry to the uploader" --repo https://github.com/acme/widgets --branch main
  kazi task -p "fix the flaky test" --repo git@github.com:acme/widgets.git --branch main --follow
  kazi task -p "bump deps" --repo https://github.com/acme/widgets --branch main --open-pr

Exit codes:
  0  task accepted (or completed, with --follow)
  1  submission failure
  2  task failed
  3  server unavailable`,
	RunE: runTask,
}

func init() {
	taskCmd.Flags().StringVarP(&taskPrompt, "prompt", "p", "", "change request prompt (required)")
	taskCmd.Flags().StringVar(&taskRepoURL, "repo", "", "repository URL (required)")
	taskCmd.Flags().StringVar(&taskBranch, "branch", "", "target branch (required)")
	taskCmd.Flags().StringVar(&taskAgentClass, "agent", "claude", "agent class (claude or codex)")
	taskCmd.Flags().BoolVar(&taskOpenPR, "open-pr", false, "open a pull request on success")
	taskCmd.Flags().StringVar(&taskServerURL, "server-url", "http://localhost:8080", "server HTTP API URL")
	taskCmd.Flags().StringVar(&taskAPIKey, "api-key", "", "API key (or KAZI_API_KEY env)")
	taskCmd.Flags().BoolVar(&taskFollow, "follow", false, "stream status events until the task finishes")
	taskCmd.Flags().IntVar(&taskTimeout, "timeout", 600, "timeout in seconds")

	_ = taskCmd.MarkFlagRequired("prompt")
	_ = taskCmd.MarkFlagRequired("repo")
	_ = taskCmd.MarkFlagRequired("branch")
}

func runTask(_ *cobra.Command, _ []string) error {
	apiKey := goutils.Env("KAZI_API_KEY", taskAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set KAZI_API_KEY)")
		os.Exit(ExitFailure)
	}
	serverURL := goutils.Env("KAZI_SERVER_URL", taskServerURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(taskTimeout)*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(map[string]any{
		"repo_url":          taskRepoURL,
		"target_branch":     taskBranch,
		"agent_class":       taskAgentClass,
		"prompt":            taskPrompt,
		"open_pull_request": taskOpenPR,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", serverURL+"/v1/tasks", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
		os.Exit(ExitServerUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		// Accepted, fall through.
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitFailure)
	case http.StatusBadRequest:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &body)
		fmt.Fprintf(os.Stderr, "Error: %s\n", body.Error)
		os.Exit(ExitFailure)
	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}

	var task struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(respBody, &task)
	fmt.Printf("task %s accepted\n", task.ID)

	if !taskFollow {
		os.Exit(ExitSuccess)
	}
	return followTask(ctx, serverURL, apiKey, task.ID)
}

// followTask streams the task's SSE events and prints status transitions
// until the task reaches a terminal state.
func followTask(ctx context.Context, serverURL, apiKey, taskID string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", serverURL+"/v1/tasks/"+taskID+"/events", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
		os.Exit(ExitServerUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(ExitFailure)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event struct {
			Type           string `json:"type"`
			Status         string `json:"status"`
			Error          string `json:"error"`
			CommitHash     string `json:"commit_hash"`
			PullRequestURL string `json:"pull_request_url"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "status":
			fmt.Printf("status: %s\n", event.Status)
		case "done":
			if event.Status == "failed" {
				fmt.Fprintf(os.Stderr, "task failed: %s\n", event.Error)
				os.Exit(ExitTaskFailed)
			}
			if event.CommitHash != "" {
				fmt.Printf("commit: %s\n", event.CommitHash)
			}
			if event.PullRequestURL != "" {
				fmt.Printf("pull request: %s\n", event.PullRequestURL)
			}
			os.Exit(ExitSuccess)
		case "error":
			fmt.Fprintf(os.Stderr, "Error: %s\n", event.Error)
			os.Exit(ExitFailure)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: event stream interrupted: %v\n", err)
		os.Exit(ExitServerUnavailable)
	}
	return nil
}
