package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/queue"
	"github.com/spf13/cobra"
)

func newSubmitCmd(s *session) *cobra.Command {
	var (
		key     string
		chain   string
		payload string
	)

	cmd := &cobra.Command{
		Use:         "submit",
		Short:       "Submit a mint or transfer job",
		Example:     `queuectl submit --key order-42 --chain solana --payload '{"operation":"mint","recipient":"...","asset_ref":"...","amount":1}'`,
		Annotations: map[string]string{needsChains: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.get()
			if err != nil {
				return err
			}

			var p domain.Payload
			if err := json.Unmarshal([]byte(payload), &p); err != nil {
				return fmt.Errorf("invalid payload json: %w", err)
			}

			handle, err := app.Coordinator.Submit(cmd.Context(), key, domain.ParseChain(chain), p)
			if err != nil {
				return err
			}

			if handle.Existing {
				fmt.Fprintf(cmd.OutOrStdout(), "Job already exists: %s (%s)\n", handle.JobID, handle.State)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job enqueued: %s\n", handle.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Idempotency key")
	cmd.Flags().StringVar(&chain, "chain", "", "Target chain (ethereum, solana)")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload as JSON")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func newStatusCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.get()
			if err != nil {
				return err
			}

			job, err := app.Coordinator.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job, time.Now())
			return nil
		},
	}
}

func newListCmd(s *session) *cobra.Command {
	var (
		chain  string
		state  string
		limit  int
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.get()
			if err != nil {
				return err
			}

			filter := queue.ListFilter{PageSize: limit, Cursor: cursor}
			if chain != "" {
				filter.Chain = domain.ParseChain(chain)
			}
			if state != "" {
				if filter.State, err = domain.ParseState(state); err != nil {
					return err
				}
			}

			page, err := app.Coordinator.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(page.Jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			printJobTable(out, page.Jobs, time.Now())
			if page.NextCursor != "" {
				fmt.Fprintf(out, "\nMore: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chain, "chain", "", "Filter by chain")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (pending,submitted,confirming,confirmed,failed,abandoned)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Cursor from a previous page")
	return cmd
}

func newWatchCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Print state changes of a job until it is terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.get()
			if err != nil {
				return err
			}

			sub, err := app.Coordinator.Subscribe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer sub.Close()

			out := cmd.OutOrStdout()
			for ev := range sub.Events {
				line := fmt.Sprintf("%s  %-10s attempts=%d", ev.At.Format(time.RFC3339), ev.State, ev.Attempts)
				if ev.ChainTxRef != "" {
					line += " tx=" + ev.ChainTxRef
				}
				if ev.LastError != "" {
					line += " error=" + ev.LastError
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func newCancelCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not been submitted yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.get()
			if err != nil {
				return err
			}

			job, err := app.Coordinator.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is now %s\n", job.ID, job.State)
			return nil
		},
	}
}

func newAbandonCmd(s *session) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abandon <job-id>",
		Short: "Stop tracking a non-terminal job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := s.get()
			if err != nil {
				return err
			}

			job, err := app.Coordinator.Abandon(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is now %s\n", job.ID, job.State)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded as the job's last error")
	return cmd
}
