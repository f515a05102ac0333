package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type deadLetterView struct {
	ID            string          `json:"id"`
	OriginalQueue string          `json:"originalQueue"`
	OriginalJobID string          `json:"originalJobId"`
	TenantID      string          `json:"tenantId"`
	Payload       json.RawMessage `json:"payload"`
	ErrorKind     string          `json:"errorKind"`
	ErrorMessage  string          `json:"errorMessage"`
	AttemptsMade  int             `json:"attemptsMade"`
	AutoRetries   int             `json:"autoRetries"`
	CreatedAt     time.Time       `json:"createdAt"`
	Status        string          `json:"status"`
	Resolution    *struct {
		Actor      string    `json:"actor"`
		Reason     string    `json:"reason,omitempty"`
		At         time.Time `json:"at"`
		RetryJobID string    `json:"retryJobId,omitempty"`
	} `json:"resolution,omitempty"`
}

type deadLetterList struct {
	Items []deadLetterView `json:"items"`
	Count int              `json:"count"`
}

type resolveRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and resolve dead letters",
	Long:  `List dead letters and retry or discard them. Requires the operator role.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	Long: `List dead letters matching the given filters.

Example:
  jobctl dlq list --queue invoice-cae --status pending --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"queue", "status", "tenant"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				q.Set(name, v)
			}
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}

		var list deadLetterList
		if err := call(cmd.Context(), http.MethodGet, "/dlq", q, nil, &list); err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		return render(cmd, list, func(w io.Writer) {
			if len(list.Items) == 0 {
				fmt.Fprintln(w, "No dead letters found")
				return
			}
			for _, it := range list.Items {
				fmt.Fprintf(w, "%s  %-9s  %s  tenant=%s  attempts=%d  %s: %s\n",
					it.ID, it.Status, it.OriginalQueue, it.TenantID, it.AttemptsMade, it.ErrorKind, it.ErrorMessage)
			}
			fmt.Fprintf(w, "\n%d dead letter(s)\n", list.Count)
		})
	},
}

var dlqGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one dead letter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var it deadLetterView
		if err := call(cmd.Context(), http.MethodGet, "/dlq/"+url.PathEscape(args[0]), nil, nil, &it); err != nil {
			return fmt.Errorf("failed to get dead letter: %w", err)
		}
		return render(cmd, it, func(w io.Writer) {
			fmt.Fprintf(w, "Dead letter %s (%s)\n", it.ID, it.Status)
			fmt.Fprintf(w, "  Queue: %s\n", it.OriginalQueue)
			fmt.Fprintf(w, "  Original job: %s\n", it.OriginalJobID)
			fmt.Fprintf(w, "  Tenant: %s\n", it.TenantID)
			fmt.Fprintf(w, "  Error: %s: %s\n", it.ErrorKind, it.ErrorMessage)
			fmt.Fprintf(w, "  Attempts: %d (auto retries %d)\n", it.AttemptsMade, it.AutoRetries)
			fmt.Fprintf(w, "  Created: %s\n", formatTime(it.CreatedAt))
			if len(it.Payload) > 0 {
				fmt.Fprintf(w, "  Payload: %s\n", it.Payload)
			}
			if r := it.Resolution; r != nil {
				fmt.Fprintf(w, "  Resolved by %s at %s\n", r.Actor, formatTime(r.At))
				if r.Reason != "" {
					fmt.Fprintf(w, "  Reason: %s\n", r.Reason)
				}
				if r.RetryJobID != "" {
					fmt.Fprintf(w, "  Retry job: %s\n", r.RetryJobID)
				}
			}
		})
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Re-enqueue a dead letter into its original queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		var resp map[string]string
		if err := call(cmd.Context(), http.MethodPost, "/dlq/"+url.PathEscape(args[0])+"/retry", nil, resolveRequest{Actor: actor}, &resp); err != nil {
			return fmt.Errorf("failed to retry dead letter: %w", err)
		}
		return render(cmd, resp, func(w io.Writer) {
			fmt.Fprintf(w, "Dead letter %s retried as job %s\n", args[0], resp["jobId"])
		})
	},
}

var dlqDiscardCmd = &cobra.Command{
	Use:   "discard [id]",
	Short: "Discard a dead letter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")
		var resp map[string]string
		if err := call(cmd.Context(), http.MethodPost, "/dlq/"+url.PathEscape(args[0])+"/discard", nil, resolveRequest{Actor: actor, Reason: reason}, &resp); err != nil {
			return fmt.Errorf("failed to discard dead letter: %w", err)
		}
		return render(cmd, resp, func(w io.Writer) {
			fmt.Fprintf(w, "Dead letter %s discarded\n", args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqGetCmd, dlqRetryCmd, dlqDiscardCmd)

	dlqListCmd.Flags().String("queue", "", "filter by queue")
	dlqListCmd.Flags().String("status", "", "filter by status (pending, retried, discarded)")
	dlqListCmd.Flags().String("tenant", "", "filter by tenant")
	dlqListCmd.Flags().Int("limit", 50, "maximum number of items")

	for _, c := range []*cobra.Command{dlqRetryCmd, dlqDiscardCmd} {
		c.Flags().String("actor", "", "operator recorded on the resolution")
	}
	dlqDiscardCmd.Flags().String("reason", "", "why the item is discarded")
}
