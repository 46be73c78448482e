package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/credit-extractor/internal/entity"
)

var submitCmd = &cobra.Command{
	Use:   "submit <document_id>",
	Short: "Create a job for a document and queue it for the workers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docID, err := parseID("document_id", args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		job, err := a.Orchestrator.Submit(cmd.Context(), docID)
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <document_id>",
	Short: "Create a job and run it to completion in this process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docID, err := parseID("document_id", args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), a.Config.Pipeline.JobTimeout)
		defer cancel()
		job, err := a.Orchestrator.RunNow(ctx, docID)
		if err != nil {
			return err
		}
		return printJob(job)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show a job's state, stage and worker log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := parseID("job_id", args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		job, err := a.Orchestrator.Status(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		return printJob(job)
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <job_id>",
	Short: "Print the pipeline result of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := parseID("job_id", args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.Orchestrator.Result(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Request cancellation of a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := parseID("job_id", args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		job, err := a.Orchestrator.Cancel(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		return printJob(job)
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs <document_id>",
	Short: "List a document's jobs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docID, err := parseID("document_id", args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		jobs, err := a.Jobs.ListByDocument(cmd.Context(), docID)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			code := ""
			if j.ErrorCode != nil {
				code = *j.ErrorCode
			}
			fmt.Printf("%s\t%-11s\t%-8s\t%d\t%s\t%s\n", j.ID, j.Stage, j.State, j.Attempts, j.CreatedAt.Format("2006-01-02 15:04:05"), code)
		}
		return nil
	},
}

// printJob prints the job without its result payload, and the worker log
// as plain lines.
func printJob(job *entity.ExtractionJob) error {
	out := *job
	out.ResultJSON = nil
	log := out.WorkerLog
	out.WorkerLog = ""
	if err := printJSON(out); err != nil {
		return err
	}
	if log = strings.TrimSpace(log); log != "" {
		fmt.Println(log)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(submitCmd, runCmd, statusCmd, resultCmd, cancelCmd, jobsCmd)
}
