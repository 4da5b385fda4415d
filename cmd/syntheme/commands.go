package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and job counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Workers: %d/%d busy\n", status.Running, status.MaxWorkers)
			fmt.Fprintf(cmd.OutOrStdout(), "Synthemes: %d loaded\n", status.Synthemes)
			fmt.Fprintf(cmd.OutOrStdout(), "Upload limit: %s\n", humanize.IBytes(uint64(status.MaxUploadBytes)))

			if len(status.Jobs) > 0 {
				rows := make([][]string, 0, len(status.Jobs))
				for _, state := range []string{"queued", "running", "succeeded", "failed", "cancelled", "timed_out"} {
					if count, ok := status.Jobs[state]; ok {
						rows = append(rows, []string{state, strconv.Itoa(count)})
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"State", "Jobs"}, rows))
			}
			return nil
		},
	}
}

func newSynthemesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "synthemes",
		Short: "List available synthemes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			themes, err := client.synthemes(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(themes))
			for _, theme := range themes {
				rows = append(rows, []string{theme.Name, theme.Title, theme.Extension, theme.Description})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Name", "Title", "Output", "Description"}, rows))
			return nil
		},
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var stateFlag string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List render jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobs, err := client.jobs(cmd.Context(), strings.TrimSpace(stateFlag))
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					strconv.FormatInt(job.ID, 10),
					job.Syntheme,
					job.State,
					humanize.Time(job.CreatedAt),
					jobElapsed(job),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Syntheme", "State", "Submitted", "Elapsed"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&stateFlag, "state", "", "Filter by state (comma separated)")
	return cmd
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.job(cmd.Context(), id)
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var themeFlag string
	var contentTypeFlag string
	var waitFlag bool

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a media file and enqueue a render",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(themeFlag) == "" {
				return fmt.Errorf("--syntheme is required")
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}

			job, err := client.submit(cmd.Context(), args[0], themeFlag, strings.TrimSpace(contentTypeFlag))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d queued with syntheme %s\n", job.ID, job.Syntheme)

			if !waitFlag {
				return nil
			}
			settled, err := waitForJob(cmd, client, job.ID)
			if err != nil {
				return err
			}
			printJob(cmd, settled)
			if settled.State != "succeeded" {
				return fmt.Errorf("job %d ended %s", settled.ID, settled.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&themeFlag, "syntheme", "s", "", "Syntheme to render with (required)")
	cmd.Flags().StringVar(&contentTypeFlag, "content-type", "", "Override the detected content type")
	cmd.Flags().BoolVarP(&waitFlag, "wait", "w", false, "Wait for the job to finish")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := client.cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d is now %s\n", job.ID, job.State)
			return nil
		},
	}
}

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var outFlag string
	cmd := &cobra.Command{
		Use:   "fetch <id>",
		Short: "Download the artifact of a succeeded job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			path, err := client.fetch(cmd.Context(), id, strings.TrimSpace(outFlag))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFlag, "output", "o", "", "Destination path for the artifact")
	return cmd
}

func waitForJob(cmd *cobra.Command, client *apiClient, id int64) (*jobPayload, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		job, err := client.job(cmd.Context(), id)
		if err != nil {
			return nil, err
		}
		switch job.State {
		case "queued", "running":
		default:
			return job, nil
		}
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func printJob(cmd *cobra.Command, job *jobPayload) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %d\n", job.ID)
	fmt.Fprintf(out, "  Syntheme:  %s\n", job.Syntheme)
	fmt.Fprintf(out, "  State:     %s\n", job.State)
	fmt.Fprintf(out, "  Upload:    %s\n", job.UploadID)
	fmt.Fprintf(out, "  Submitted: %s\n", job.CreatedAt.Local().Format(time.RFC1123))
	if elapsed := jobElapsed(*job); elapsed != "" {
		fmt.Fprintf(out, "  Elapsed:   %s\n", elapsed)
	}
	if job.ErrorDetail != "" {
		fmt.Fprintf(out, "  Error:     %s\n", job.ErrorDetail)
	}
	if job.ExitCode != nil {
		fmt.Fprintf(out, "  Exit code: %d\n", *job.ExitCode)
	}
}

// jobElapsed formats how long a job has been or was running.
func jobElapsed(job jobPayload) string {
	if job.StartedAt == nil {
		return ""
	}
	end := time.Now()
	if job.FinishedAt != nil {
		end = *job.FinishedAt
	}
	elapsed := end.Sub(*job.StartedAt)
	if elapsed < 0 {
		return ""
	}
	return elapsed.Round(time.Second).String()
}

func parseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}
