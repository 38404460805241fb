// Package main implements the wfctl CLI for manual operations against
// the workflowd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workflowd/internal/vcs"
)

var (
	// serverURL is the base URL for the workflowd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wfctl",
	Short: "CLI for workflowd HTTP server operations",
	Long: `wfctl is a command-line interface for interacting with the workflowd HTTP server.
It provides commands for managing workflow sessions and context snapshots.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8420", "workflowd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check workflowd server health",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	body, err := httpGet("/health")
	if err != nil {
		return err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Server status: %s\n", resp.Status)
	return nil
}

var (
	startProjectID    string
	startWorkflowType string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage workflow sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a workflow session",
	Long: `Start a new workflow session in the ready state.

Examples:
  wfctl session start --project myproject --type refactor`,
	RunE: runSessionStart,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow sessions",
	RunE:  runSessionList,
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show a workflow session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionGet,
}

var (
	transitionReason  string
	transitionBy      string
	transitionVersion uint64
	transitionRepo    string
)

var sessionTransitionCmd = &cobra.Command{
	Use:   "transition <session-id> <state>",
	Short: "Apply a state transition to a session",
	Long: `Apply a state transition with an optimistic version check.

Examples:
  wfctl session transition 3f2a planning --expected-version 0
  wfctl session transition 3f2a cancelled --expected-version 4 --by operator --reason "wrong branch"`,
	Args: cobra.ExactArgs(2),
	RunE: runSessionTransition,
}

func init() {
	sessionStartCmd.Flags().StringVar(&startProjectID, "project", "", "project id (required)")
	sessionStartCmd.Flags().StringVar(&startWorkflowType, "type", "", "workflow type")
	_ = sessionStartCmd.MarkFlagRequired("project")

	sessionTransitionCmd.Flags().StringVar(&transitionReason, "reason", "", "reason for the transition")
	sessionTransitionCmd.Flags().StringVar(&transitionBy, "by", "", "who raised the transition")
	sessionTransitionCmd.Flags().Uint64Var(&transitionVersion, "expected-version", 0, "session version last observed")
	sessionTransitionCmd.Flags().StringVar(&transitionRepo, "repo", "", "worktree to observe for context freshness signals")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionTransitionCmd)
}

// sessionView is the subset of the session JSON the CLI prints.
type sessionView struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	WorkflowType string `json:"workflow_type"`
	State        string `json:"state"`
	Version      uint64 `json:"version"`
}

func runSessionStart(cmd *cobra.Command, args []string) error {
	body, err := httpPost("/api/v1/sessions", map[string]any{
		"project_id":    startProjectID,
		"workflow_type": startWorkflowType,
	})
	if err != nil {
		return err
	}
	var s sessionView
	if err := json.Unmarshal(body, &s); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Started session %s (project %s, state %s)\n", s.ID, s.ProjectID, s.State)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	body, err := httpGet("/api/v1/sessions")
	if err != nil {
		return err
	}
	var sessions []sessionView
	if err := json.Unmarshal(body, &sessions); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-12s  v%-3d  %s/%s\n", s.ID, s.State, s.Version, s.ProjectID, s.WorkflowType)
	}
	return nil
}

func runSessionGet(cmd *cobra.Command, args []string) error {
	body, err := httpGet("/api/v1/sessions/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Println(pretty.String())
	return nil
}

func runSessionTransition(cmd *cobra.Command, args []string) error {
	payload := map[string]any{
		"to":               args[1],
		"reason":           transitionReason,
		"by":               transitionBy,
		"expected_version": transitionVersion,
	}
	if transitionRepo != "" {
		obs, err := observeRepo(cmd, transitionRepo)
		if err != nil {
			return err
		}
		payload["context"] = obs.contextBlock()
	}

	body, err := httpPost("/api/v1/sessions/"+url.PathEscape(args[0])+"/transitions", payload)
	if err != nil {
		return err
	}
	var s sessionView
	if err := json.Unmarshal(body, &s); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Session %s is now %s (version %d)\n", s.ID, s.State, s.Version)
	return nil
}

var (
	snapshotSummary string
	snapshotVCSHead string
	snapshotRepo    string
	searchK         int
	pruneOlderThan  string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage context snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <session-id>",
	Short: "Capture a context snapshot for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotCreate,
}

var snapshotTimelineCmd = &cobra.Command{
	Use:   "timeline <session-id>",
	Short: "Show a session's snapshot timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotTimeline,
}

var snapshotSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over snapshot summaries",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotSearch,
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune snapshots older than a cutoff",
	Long: `Prune snapshots captured before the given duration ago.

Examples:
  wfctl snapshot prune --older-than 720h`,
	RunE: runSnapshotPrune,
}

func init() {
	snapshotCreateCmd.Flags().StringVar(&snapshotSummary, "summary", "", "searchable summary (required)")
	snapshotCreateCmd.Flags().StringVar(&snapshotVCSHead, "vcs-head", "", "VCS head commit at capture time")
	snapshotCreateCmd.Flags().StringVar(&snapshotRepo, "repo", "", "worktree to observe for head commit and freshness signals")
	_ = snapshotCreateCmd.MarkFlagRequired("summary")

	snapshotSearchCmd.Flags().IntVar(&searchK, "k", 10, "maximum results")
	snapshotPruneCmd.Flags().StringVar(&pruneOlderThan, "older-than", "", "age cutoff as a Go duration (required)")
	_ = snapshotPruneCmd.MarkFlagRequired("older-than")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotTimelineCmd)
	snapshotCmd.AddCommand(snapshotSearchCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
}

// snapshotJSON is the subset of the snapshot JSON the CLI prints.
type snapshotJSON struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Version       uint64    `json:"version"`
	CapturedAt    time.Time `json:"captured_at"`
	WorkflowState string    `json:"workflow_state"`
	Freshness     string    `json:"freshness"`
	Summary       string    `json:"summary"`
	Invalidated   bool      `json:"invalidated"`
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	payload := map[string]any{
		"summary":  snapshotSummary,
		"vcs_head": snapshotVCSHead,
	}
	if snapshotRepo != "" {
		obs, err := observeRepo(cmd, snapshotRepo)
		if err != nil {
			return err
		}
		if snapshotVCSHead == "" {
			payload["vcs_head"] = obs.head
		}
		payload["context"] = obs.contextBlock()
	}

	body, err := httpPost("/api/v1/sessions/"+url.PathEscape(args[0])+"/snapshots", payload)
	if err != nil {
		return err
	}
	var snap snapshotJSON
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Snapshot %s captured (version %d)\n", snap.ID, snap.Version)
	return nil
}

func runSnapshotTimeline(cmd *cobra.Command, args []string) error {
	body, err := httpGet("/api/v1/sessions/" + url.PathEscape(args[0]) + "/timeline")
	if err != nil {
		return err
	}
	var snaps []snapshotJSON
	if err := json.Unmarshal(body, &snaps); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots")
		return nil
	}
	for _, snap := range snaps {
		marker := ""
		if snap.Invalidated {
			marker = " (invalidated)"
		}
		fmt.Printf("v%-3d  %s  %-10s  %s%s\n",
			snap.Version, snap.CapturedAt.Format(time.RFC3339), snap.WorkflowState, snap.Summary, marker)
	}
	return nil
}

func runSnapshotSearch(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("q", args[0])
	q.Set("k", fmt.Sprintf("%d", searchK))

	body, err := httpGet("/api/v1/snapshots/search?" + q.Encode())
	if err != nil {
		return err
	}
	var results []struct {
		Snapshot   snapshotJSON `json:"snapshot"`
		Similarity float32      `json:"similarity"`
	}
	if err := json.Unmarshal(body, &results); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No matches")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%.3f  %s v%d  %s\n", r.Similarity, r.Snapshot.ID, r.Snapshot.Version, r.Snapshot.Summary)
	}
	return nil
}

func runSnapshotPrune(cmd *cobra.Command, args []string) error {
	age, err := time.ParseDuration(pruneOlderThan)
	if err != nil {
		return fmt.Errorf("invalid --older-than duration: %w", err)
	}

	body, err := httpPost("/api/v1/snapshots/prune", map[string]any{
		"older_than": time.Now().Add(-age).Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	var resp struct {
		Pruned int `json:"pruned"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Pruned %d snapshots\n", resp.Pruned)
	return nil
}

// repoObservation is one look at a local worktree, taken just before the
// request so the server's freshness check sees a current capture time.
type repoObservation struct {
	head        string
	uncommitted bool
	unverified  bool
	at          time.Time
}

func (o *repoObservation) contextBlock() map[string]any {
	return map[string]any{
		"captured_at":         o.at.Format(time.RFC3339Nano),
		"uncommitted_changes": o.uncommitted,
		"unverified":          o.unverified,
	}
}

func observeRepo(cmd *cobra.Command, path string) (*repoObservation, error) {
	provider, err := vcs.NewGitProvider(path, zap.NewNop())
	if err != nil {
		return nil, err
	}

	obs := &repoObservation{at: time.Now()}
	st, err := provider.State(cmd.Context())
	if err != nil {
		// An unreadable worktree is reported, not hidden: the server
		// classifies unverified context as at-risk.
		fmt.Fprintf(os.Stderr, "warning: could not observe %s: %v\n", path, err)
		obs.unverified = true
		return obs, nil
	}
	obs.head = st.Head
	obs.uncommitted = st.Uncommitted
	return obs, nil
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func httpGet(path string) ([]byte, error) {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("request failed (is workflowd running at %s?): %w", serverURL, err)
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func httpPost(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("request failed (is workflowd running at %s?): %w", serverURL, err)
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var httpErr struct {
			Message any `json:"message"`
		}
		if json.Unmarshal(body, &httpErr) == nil && httpErr.Message != nil {
			return nil, fmt.Errorf("server returned %d: %v", resp.StatusCode, httpErr.Message)
		}
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
