package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sciencelive/nanopub-viewer/internal/config"
	"github.com/sciencelive/nanopub-viewer/internal/domain"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/nanopub"
	"github.com/sciencelive/nanopub-viewer/internal/reconciler"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
	"github.com/sciencelive/nanopub-viewer/pkg/client"
)

var (
	outputJSON bool
	endpoint   string
	useLegacy  bool

	batchID      string
	contentTypes []string
	model        string
	instructions string
	description  string
	source       string
	wait         bool

	runID       int64
	interval    time.Duration
	maxAttempts int
)

// pollClock paces watch; tests swap in a fake clock
var pollClock = schedule.RealClock()

var rootCmd = &cobra.Command{
	Use:   "nanopub",
	Short: "Science Live nanopublication processing tool",
	Long: `A CLI for submitting nanopublication batches to the processing workflow
and following them to their results.

Commands talk to a running nanopub-viewer API server; fetch reads RDF directly.`,
	SilenceUsage: true,
}

var submitCmd = &cobra.Command{
	Use:   "submit [url...]",
	Short: "Submit nanopublications for processing",
	Long:  `Submit one or more nanopublication URLs, optionally requesting generated content.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Show the status of a batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch [batch-id]",
	Short: "Poll a batch until it finishes",
	Long:  `Poll the status of a batch at a fixed interval until it completes, fails or runs out of attempts.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var resultsCmd = &cobra.Command{
	Use:   "results [batch-id]",
	Short: "Show the result files a run committed",
	Args:  cobra.ExactArgs(1),
	RunE:  runResults,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [uri]",
	Short: "Fetch the RDF of a nanopublication",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Check the server's health and GitHub access",
	Args:  cobra.NoArgs,
	RunE:  runDiagnose,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "API endpoint (default API_ENDPOINT or http://localhost:8080)")
	rootCmd.PersistentFlags().BoolVar(&useLegacy, "legacy", false, "use the legacy function routes")

	submitCmd.Flags().StringVar(&batchID, "batch-id", "", "batch ID (generated when empty)")
	submitCmd.Flags().StringSliceVar(&contentTypes, "content-types", nil, "content to generate: linkedin_post, bluesky_post, scientific_paper, opinion_paper")
	submitCmd.Flags().StringVar(&model, "model", "", "AI model for content generation (default "+domain.DefaultModel+")")
	submitCmd.Flags().StringVar(&instructions, "instructions", "", "extra instructions for content generation")
	submitCmd.Flags().StringVar(&description, "description", "", "batch description")
	submitCmd.Flags().StringVar(&source, "source", "", "submission source tag")
	submitCmd.Flags().BoolVar(&wait, "wait", false, "poll until the batch finishes")

	for _, cmd := range []*cobra.Command{statusCmd, watchCmd, resultsCmd} {
		cmd.Flags().Int64Var(&runID, "run-id", 0, "workflow run ID")
	}
	_ = resultsCmd.MarkFlagRequired("run-id")

	watchCmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "time between status checks")
	watchCmd.Flags().IntVar(&maxAttempts, "max-attempts", 20, "maximum number of status checks")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(diagnoseCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func apiClient() (*client.Client, error) {
	target := endpoint
	if target == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		target = cfg.APIEndpoint
	}
	var opts []client.Option
	if useLegacy {
		opts = append(opts, client.WithPrefix("/.netlify/functions"))
	}
	return client.NewClient(target, opts...), nil
}

func handleFor(id string) domain.JobHandle {
	handle := domain.JobHandle{BatchID: id}
	if runID > 0 {
		handle = handle.WithRunID(runID)
	}
	return handle
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}

	var generation *domain.GenerationInput
	if len(contentTypes) > 0 {
		generation = &domain.GenerationInput{
			Enabled:          true,
			ContentTypes:     contentTypes,
			AIModel:          model,
			UserInstructions: instructions,
			BatchDescription: description,
		}
	}
	req := domain.NewSubmitRequest(args, batchID, generation)
	req.Source = source

	result, err := c.Submit(cmd.Context(), req)
	if err != nil {
		return errors.Wrap(err, "failed to submit batch")
	}

	if outputJSON && !wait {
		return printJSON(cmd.OutOrStdout(), result)
	}
	if !outputJSON {
		printSubmitResult(cmd.OutOrStdout(), result)
	}
	if !wait {
		return nil
	}

	policy := reconciler.PolicyFor(result.PollingInfo)
	return watch(cmd, c, result.Handle(), policy, result.StatusURL)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}

	report, err := c.Status(cmd.Context(), handleFor(args[0]))
	if err != nil {
		return errors.Wrap(err, "failed to get status")
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), report)
	}
	printStatusReport(cmd.OutOrStdout(), report)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	return watch(cmd, c, handleFor(args[0]), reconciler.Policy{Interval: interval, MaxAttempts: maxAttempts}, "")
}

func watch(cmd *cobra.Command, checker reconciler.Checker, handle domain.JobHandle, policy reconciler.Policy, dashboard string) error {
	log, err := logger.New(false)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	opts := []reconciler.Option{reconciler.WithLogger(log), reconciler.WithDashboard(dashboard)}
	if !outputJSON {
		opts = append(opts, reconciler.WithUpdates(func(u reconciler.Update) {
			printUpdate(out, u, policy.MaxAttempts)
		}))
	}

	poller := reconciler.NewPoller(checker, handle, policy, pollClock, opts...)
	outcome, err := poller.Run(cmd.Context())
	if err != nil && outcome == nil {
		return errors.Wrap(err, "failed to watch batch")
	}

	if outputJSON {
		return printJSON(out, outcome)
	}
	printOutcome(out, outcome)
	if outcome.State == reconciler.StateFailed {
		return errors.Newf("batch %s failed", outcome.Handle.BatchID)
	}
	return nil
}

func runResults(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}

	results, err := c.BranchResults(cmd.Context(), args[0], runID)
	if err != nil {
		return errors.Wrap(err, "failed to get results")
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), results)
	}
	printBranchResults(cmd.OutOrStdout(), results)
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	fetcher := nanopub.NewFetcher(&http.Client{Timeout: 30 * time.Second}, nil)

	doc, err := fetcher.Fetch(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), doc)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Fetched %s as %s\n", doc.SourceURL, doc.Format)
	_, err = io.WriteString(cmd.OutOrStdout(), doc.Content)
	return err
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if err := c.HealthCheck(ctx); err != nil {
		return errors.Wrap(err, "API server is not healthy")
	}

	diag, err := c.Diagnostics(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get diagnostics")
	}

	access, err := c.TestAccess(ctx)
	if err != nil {
		// Without a token the probe cannot run; the diagnostics still help
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) {
			return errors.Wrap(err, "failed to test GitHub access")
		}
		access = nil
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{"token": diag, "access": access})
	}
	printDiagnostics(cmd.OutOrStdout(), diag, access)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runIDText(id *int64) string {
	if id == nil {
		return "unknown"
	}
	return strconv.FormatInt(*id, 10)
}

func printSubmitResult(w io.Writer, r *domain.SubmitResult) {
	fmt.Fprintf(w, "\n%s\n\n", r.Message)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"Batch ID", r.BatchID})
	table.Append([]string{"Tracking ID", r.TrackingID})
	table.Append([]string{"Workflow Run", runIDText(r.WorkflowRunID)})
	table.Append([]string{"Nanopubs", fmt.Sprintf("%d", r.ProcessedURLs)})
	if r.DroppedURLs > 0 {
		table.Append([]string{"Dropped URLs", fmt.Sprintf("%d", r.DroppedURLs)})
	}
	if r.ContentGeneration.Enabled {
		table.Append([]string{"Content Types", joinKinds(r.ContentGeneration.ContentTypes)})
		table.Append([]string{"AI Model", r.ContentGeneration.AIModel})
	}
	table.Append([]string{"Estimated Completion", r.EstimatedCompletion})
	table.Append([]string{"Status URL", r.StatusURL})
	table.Render()

	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
}

func joinKinds(kinds []domain.ContentKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func printStatusReport(w io.Writer, r *domain.StatusReport) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"Batch ID", r.BatchID})
	table.Append([]string{"Status", r.Status})
	if r.WorkflowRun != nil {
		table.Append([]string{"Workflow Run", fmt.Sprintf("%d", r.WorkflowRun.ID)})
		table.Append([]string{"Run Status", r.WorkflowRun.Status + "/" + r.WorkflowRun.Conclusion})
	}
	if dashboard := statusDashboard(r); dashboard != "" {
		table.Append([]string{"Dashboard", dashboard})
	}
	if r.Artifacts != nil {
		table.Append([]string{"Artifact", r.Artifacts.Name})
	}
	table.Append([]string{"Message", r.Message})
	table.Render()
}

func statusDashboard(r *domain.StatusReport) string {
	if r.WorkflowRun != nil && r.WorkflowRun.HTMLURL != "" {
		return r.WorkflowRun.HTMLURL
	}
	return r.DashboardURL
}

func printUpdate(w io.Writer, u reconciler.Update, budget int) {
	switch {
	case u.Err != nil:
		fmt.Fprintf(w, "[%d/%d] check failed: %v\n", u.Attempt, budget, u.Err)
	case u.Report != nil:
		fmt.Fprintf(w, "[%d/%d] %s: %s\n", u.Attempt, budget, u.Report.Status, u.Report.Message)
	}
}

func printOutcome(w io.Writer, o *reconciler.Outcome) {
	fmt.Fprintf(w, "\nBatch %s finished polling: %s\n", o.Handle.BatchID, o.State)
	if o.Reason != "" {
		fmt.Fprintf(w, "Reason: %s\n", o.Reason)
	}
	if o.Skipped > 0 {
		fmt.Fprintf(w, "Skipped checks: %d\n", o.Skipped)
	}
	if o.DashboardURL != "" {
		fmt.Fprintf(w, "Dashboard: %s\n", o.DashboardURL)
	}
	if o.Bundle != nil {
		printBundle(w, o.Bundle)
	}
}

func printBundle(w io.Writer, b *domain.ResultBundle) {
	fmt.Fprintf(w, "\n%s (source: %s", b.Message, b.Source)
	if b.Partial {
		fmt.Fprint(w, ", partial")
	}
	fmt.Fprintln(w, ")")

	if b.Summary != nil {
		fmt.Fprintf(w, "\n%s\n", *b.Summary)
	}
	if b.Report != "" {
		fmt.Fprintf(w, "\n%s\n", b.Report)
	}
	if len(b.IndividualFiles) > 0 {
		printFiles(w, b.IndividualFiles)
	}
}

func printBranchResults(w io.Writer, r *domain.BranchResults) {
	fmt.Fprintf(w, "\n%s\n", r.Message)
	fmt.Fprintf(w, "Branch: %s (%s)\n", r.ResultsBranch, r.BranchURL)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"File", "Present"})
	table.Append([]string{domain.SummaryFile, presence(r.ProcessingSummary != nil)})
	table.Append([]string{domain.BatchResultsFile, presence(len(r.BatchResults) > 0)})
	table.Append([]string{domain.CombinedAnalysisFile, presence(len(r.CombinedAnalysis) > 0)})
	table.Append([]string{domain.IndividualResultsDir + "/", fmt.Sprintf("%d files", len(r.IndividualFiles))})
	table.Render()

	if r.ProcessingSummary != nil {
		fmt.Fprintf(w, "\n%s\n", *r.ProcessingSummary)
	}
	if len(r.IndividualFiles) > 0 {
		printFiles(w, r.IndividualFiles)
	}
}

func printFiles(w io.Writer, files []domain.IndividualFile) {
	fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Path", "Size"})
	for _, f := range files {
		table.Append([]string{f.Name, f.Path, fmt.Sprintf("%d", f.Size)})
	}
	table.Render()
}

func presence(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}

func printDiagnostics(w io.Writer, d *domain.TokenDiagnostics, access *domain.AccessReport) {
	fmt.Fprintln(w, "\nServer token")
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Check", "Value"})
	table.Append([]string{"Token Configured", presence(d.TokenExists)})
	table.Append([]string{"Token Length", fmt.Sprintf("%d", d.TokenLength)})
	table.Append([]string{"Token Prefix", d.TokenPrefix})
	table.Append([]string{"Token Kind", d.TokenKind})
	table.Append([]string{"Related Variables", strings.Join(d.GitHubRelatedVars, ", ")})
	table.Append([]string{"Deploy Context", d.DeployContext})
	table.Render()

	if access == nil {
		fmt.Fprintln(w, "\nGitHub access could not be tested")
		return
	}

	fmt.Fprintln(w, "\nGitHub access")
	table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Probe", "Status", "Result"})
	for _, p := range []struct {
		name  string
		probe domain.AccessProbe
	}{
		{"User", access.UserTest},
		{"Repository", access.RepoTest},
		{"Dispatch", access.DispatchTest},
	} {
		result := p.probe.Detail
		if !p.probe.OK() {
			result = p.probe.Error
		}
		if result == "" {
			result = "ok"
		}
		table.Append([]string{p.name, fmt.Sprintf("%d", p.probe.Status), result})
	}
	table.Render()
}
