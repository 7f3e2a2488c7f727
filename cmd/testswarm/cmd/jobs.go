package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/VenkatGGG/testswarm/internal/config"
	"github.com/VenkatGGG/testswarm/internal/jobstore"
	"github.com/VenkatGGG/testswarm/internal/swarmclient"
)

const clientTimeout = 30 * time.Second

var (
	jobDescription    string
	jobBrowsers       []string
	jobTests          []string
	jobFilter         string
	jobSnapshot       bool
	jobIdempotencyKey string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage test jobs on a running server",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with every assignment",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job",
	Args:  cobra.NoArgs,
	RunE:  runJobsCreate,
}

var jobsEditCmd = &cobra.Command{
	Use:   "edit <job-id>",
	Short: "Change a job's description or browsers",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsEdit,
}

var jobsRestartCmd = &cobra.Command{
	Use:   "restart <job-id>",
	Short: "Reset every assignment of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRestart,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCreateCmd, jobsEditCmd, jobsRestartCmd, jobsDeleteCmd)

	jobsCreateCmd.Flags().StringVar(&jobDescription, "description", "", "job description")
	jobsCreateCmd.Flags().StringSliceVar(&jobBrowsers, "browsers", nil, "browser profile ids (e.g. chrome,firefox,ie9)")
	jobsCreateCmd.Flags().StringSliceVar(&jobTests, "tests", nil, "test ids from the catalog")
	jobsCreateCmd.Flags().StringVar(&jobFilter, "filter", "", "test filter passed to workers")
	jobsCreateCmd.Flags().BoolVar(&jobSnapshot, "snapshot", false, "ask workers to capture snapshots")
	jobsCreateCmd.Flags().StringVar(&jobIdempotencyKey, "idempotency-key", "", "makes retried submissions create one job")
	_ = jobsCreateCmd.MarkFlagRequired("browsers")
	_ = jobsCreateCmd.MarkFlagRequired("tests")

	jobsEditCmd.Flags().StringVar(&jobDescription, "description", "", "new description")
	jobsEditCmd.Flags().StringSliceVar(&jobBrowsers, "browsers", nil, "new browser profile ids (unchanged when omitted)")
}

func newClient() *swarmclient.Client {
	key := apiKey
	if key == "" {
		v := viper.New()
		v.SetEnvPrefix(config.EnvPrefix)
		_ = v.BindEnv("api_key")
		key = v.GetString("api_key")
	}
	return swarmclient.New(swarmclient.Options{BaseURL: serverURL, APIKey: key, Timeout: clientTimeout})
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jobs, err := newClient().ListJobs(cmd.Context())
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(map[string]any{"jobs": jobs})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Description", "Created", "Completed", "Results")
	for _, job := range jobs {
		completed := "-"
		if job.Completed != nil {
			completed = job.Completed.Format(time.RFC3339)
		}
		table.Append(job.ID, job.Description, job.Created.Format(time.RFC3339), completed, formatResults(job))
	}
	return table.Render()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	job, err := newClient().GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(job)
	}
	return renderJob(job)
}

func runJobsCreate(cmd *cobra.Command, _ []string) error {
	id, err := newClient().CreateJob(cmd.Context(), swarmclient.CreateJobInput{
		Description: jobDescription,
		Browsers:    jobBrowsers,
		Tests:       jobTests,
		Filter:      jobFilter,
		Snapshot:    jobSnapshot,
	}, jobIdempotencyKey)
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(map[string]string{"id": id})
	}
	fmt.Printf("Job created: %s\n", id)
	return nil
}

func runJobsEdit(cmd *cobra.Command, args []string) error {
	input := swarmclient.EditJobInput{Description: jobDescription}
	if cmd.Flags().Changed("browsers") {
		input.Browsers = jobBrowsers
	}
	job, err := newClient().EditJob(cmd.Context(), args[0], input)
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(job)
	}
	return renderJob(job)
}

func runJobsRestart(cmd *cobra.Command, args []string) error {
	return simpleJobAction(cmd.Context(), args[0], "restarted", newClient().RestartJob)
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	return simpleJobAction(cmd.Context(), args[0], "deleted", newClient().DeleteJob)
}

func simpleJobAction(ctx context.Context, id, verb string, action func(context.Context, string) error) error {
	if err := action(ctx, id); err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(map[string]string{"id": id, "status": verb})
	}
	fmt.Printf("Job %s %s\n", id, verb)
	return nil
}

func renderJob(job jobstore.Job) error {
	summary := tablewriter.NewWriter(os.Stdout)
	summary.Header("Field", "Value")
	summary.Append("ID", job.ID)
	summary.Append("Description", job.Description)
	summary.Append("Browsers", strings.Join(job.Browsers, ", "))
	if job.Filter != "" {
		summary.Append("Filter", job.Filter)
	}
	summary.Append("Created", job.Created.Format(time.RFC3339))
	if job.Completed != nil {
		summary.Append("Completed", job.Completed.Format(time.RFC3339))
	}
	summary.Append("Results", formatResults(job))
	if err := summary.Render(); err != nil {
		return err
	}

	if len(job.Tests) == 0 {
		return nil
	}
	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Test", "Browser", "Status", "Retries", "Worker", "Duration", "Errors")
	for _, test := range job.Tests {
		for _, a := range test.Assignments {
			table.Append(
				test.ID,
				a.Browser,
				string(a.Status),
				fmt.Sprintf("%d", a.Retries),
				a.WorkerID,
				fmt.Sprintf("%dms", a.Duration),
				formatErrors(a.Errors),
			)
		}
	}
	return table.Render()
}

func formatResults(job jobstore.Job) string {
	browsers := make([]string, 0, len(job.Results))
	for browser := range job.Results {
		browsers = append(browsers, browser)
	}
	sort.Strings(browsers)

	parts := make([]string, 0, len(browsers))
	for _, browser := range browsers {
		parts = append(parts, browser+"="+string(job.Results[browser]))
	}
	return strings.Join(parts, " ")
}

func formatErrors(errs []jobstore.AssertionError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Name+": "+e.Error)
	}
	return strings.Join(parts, "; ")
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
