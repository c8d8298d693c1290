package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/dustin/go-humanize"
)

func printJob(w io.Writer, job *domain.Job, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "Job:\t%s\n", job.ID)
	fmt.Fprintf(tw, "Idempotency key:\t%s\n", job.IdempotencyKey)
	fmt.Fprintf(tw, "Chain:\t%s\n", job.Chain)
	fmt.Fprintf(tw, "Operation:\t%s %s -> %s\n", job.Payload.Operation, job.Payload.AssetRef, job.Payload.Recipient)
	fmt.Fprintf(tw, "State:\t%s\n", job.State)
	fmt.Fprintf(tw, "Attempts:\t%d/%d\n", job.Attempts, job.MaxAttempts)
	if job.ChainTxRef != "" {
		fmt.Fprintf(tw, "Tx:\t%s\n", job.ChainTxRef)
	}
	if len(job.PriorTxRefs) > 0 {
		fmt.Fprintf(tw, "Prior txs:\t%s\n", strings.Join(job.PriorTxRefs, ", "))
	}
	if job.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", job.LastError)
	}
	if job.State == domain.StatePending && job.NotBefore.After(now) {
		fmt.Fprintf(tw, "Next attempt:\t%s\n", humanize.RelTime(job.NotBefore, now, "ago", "from now"))
	}
	if job.SubmittedAt != nil {
		fmt.Fprintf(tw, "Submitted:\t%s\n", humanize.RelTime(*job.SubmittedAt, now, "ago", "from now"))
	}
	if job.State.IsTerminal() {
		delivered := "pending"
		if job.CallbackDeliveredAt != nil {
			delivered = humanize.RelTime(*job.CallbackDeliveredAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "Callback:\t%s\n", delivered)
	}
	fmt.Fprintf(tw, "Created:\t%s\n", humanize.RelTime(job.CreatedAt, now, "ago", "from now"))
	fmt.Fprintf(tw, "Updated:\t%s\n", humanize.RelTime(job.UpdatedAt, now, "ago", "from now"))
}

func printJobTable(w io.Writer, jobs []*domain.Job, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "JOB\tCHAIN\tSTATE\tATTEMPTS\tTX\tUPDATED")
	for _, j := range jobs {
		tx := j.ChainTxRef
		if tx == "" {
			tx = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Chain, j.State, j.Attempts, j.MaxAttempts, shorten(tx, 18),
			humanize.RelTime(j.UpdatedAt, now, "ago", "from now"))
	}
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
