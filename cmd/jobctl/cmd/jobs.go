package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type enqueueRequest struct {
	QueueName        string            `json:"queueName"`
	TenantID         string            `json:"tenantId,omitempty"`
	IdempotencyKey   string            `json:"idempotencyKey,omitempty"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
	OrderingEntityID string            `json:"orderingEntityId,omitempty"`
	CorrelationID    string            `json:"correlationId,omitempty"`
	Delay            string            `json:"delay,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

type enqueueResponse struct {
	JobID     string          `json:"jobId"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	QueueOnly bool            `json:"queueOnly,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Recorded  string          `json:"recorded,omitempty"`
}

type jobView struct {
	ID             string            `json:"id"`
	Queue          string            `json:"queue"`
	TenantID       string            `json:"tenantId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Payload        json.RawMessage   `json:"payload"`
	Attempt        int               `json:"attempt"`
	MaxAttempts    int               `json:"maxAttempts"`
	OrderingKey    string            `json:"orderingKey,omitempty"`
	Dependency     string            `json:"dependency,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	State          string            `json:"state"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	NotBefore      time.Time         `json:"notBefore"`
}

type recordView struct {
	Key       string          `json:"key"`
	JobID     string          `json:"jobId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type statsView struct {
	Queue   string `json:"queue"`
	Waiting int64  `json:"waiting"`
	Active  int64  `json:"active"`
	Delayed int64  `json:"delayed"`
	Failed  int64  `json:"failed"`
}

// readPayload returns the inline payload or the contents of file. Either
// must be valid JSON.
func readPayload(inline, file string) (json.RawMessage, error) {
	data := []byte(inline)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		data = b
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [queue]",
	Short: "Enqueue a job",
	Long: `Submit a job to a queue. The tenant defaults to the one in the token.

Example:
  jobctl enqueue invoice-cae --tenant acme --key inv-42 --entity pos-1 \
    --payload '{"invoice":"0001-00000042"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		key, _ := cmd.Flags().GetString("key")
		entity, _ := cmd.Flags().GetString("entity")
		correlation, _ := cmd.Flags().GetString("correlation-id")
		delay, _ := cmd.Flags().GetDuration("delay")
		tags, _ := cmd.Flags().GetStringToString("tag")
		inline, _ := cmd.Flags().GetString("payload")
		file, _ := cmd.Flags().GetString("payload-file")

		payload, err := readPayload(inline, file)
		if err != nil {
			return err
		}
		req := enqueueRequest{
			QueueName:        args[0],
			TenantID:         tenant,
			IdempotencyKey:   key,
			Payload:          payload,
			OrderingEntityID: entity,
			CorrelationID:    correlation,
			Tags:             tags,
		}
		if delay > 0 {
			req.Delay = delay.String()
		}

		var resp enqueueResponse
		if err := call(cmd.Context(), http.MethodPost, "/v1/enqueue", nil, req, &resp); err != nil {
			return fmt.Errorf("failed to enqueue: %w", err)
		}
		return render(cmd, resp, func(w io.Writer) {
			fmt.Fprintf(w, "Job %s %s\n", resp.JobID, resp.Status)
			if resp.QueueOnly {
				fmt.Fprintln(w, "  Dependency breaker is open: the job waits until it closes")
			}
			if resp.Recorded != "" {
				fmt.Fprintf(w, "  Recorded status: %s\n", resp.Recorded)
			}
			if len(resp.Result) > 0 {
				fmt.Fprintf(w, "  Result: %s\n", resp.Result)
			}
		})
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs and idempotency records",
}

var jobGetCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Show a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var j jobView
		if err := call(cmd.Context(), http.MethodGet, "/v1/jobs/"+url.PathEscape(args[0]), nil, nil, &j); err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		return render(cmd, j, func(w io.Writer) {
			fmt.Fprintf(w, "Job %s\n", j.ID)
			fmt.Fprintf(w, "  Queue: %s\n", j.Queue)
			fmt.Fprintf(w, "  Tenant: %s\n", j.TenantID)
			fmt.Fprintf(w, "  State: %s\n", j.State)
			fmt.Fprintf(w, "  Attempt: %d/%d\n", j.Attempt+1, j.MaxAttempts)
			if j.OrderingKey != "" {
				fmt.Fprintf(w, "  Ordering key: %s\n", j.OrderingKey)
			}
			if j.LastError != "" {
				fmt.Fprintf(w, "  Last error: %s\n", j.LastError)
			}
			fmt.Fprintf(w, "  Created: %s\n", formatTime(j.CreatedAt))
			fmt.Fprintf(w, "  Not before: %s\n", formatTime(j.NotBefore))
		})
	},
}

var jobLookupCmd = &cobra.Command{
	Use:   "lookup [tenant] [idempotency-key]",
	Short: "Show the recorded outcome for an idempotency key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec recordView
		path := "/v1/idempotency/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
		if err := call(cmd.Context(), http.MethodGet, path, nil, nil, &rec); err != nil {
			return fmt.Errorf("failed to look up key: %w", err)
		}
		return render(cmd, rec, func(w io.Writer) {
			fmt.Fprintf(w, "Key %s/%s: %s (job %s)\n", args[0], args[1], rec.Status, rec.JobID)
			if len(rec.Result) > 0 {
				fmt.Fprintf(w, "  Result: %s\n", rec.Result)
			}
			if rec.Error != "" {
				fmt.Fprintf(w, "  Error: %s\n", rec.Error)
			}
			fmt.Fprintf(w, "  Expires: %s\n", formatTime(rec.ExpiresAt))
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [queue]",
	Short: "Show queue depth",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s statsView
		if err := call(cmd.Context(), http.MethodGet, "/queues/"+url.PathEscape(args[0])+"/stats", nil, nil, &s); err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		return render(cmd, s, func(w io.Writer) {
			fmt.Fprintf(w, "Queue %s: waiting=%d active=%d delayed=%d failed=%d\n", s.Queue, s.Waiting, s.Active, s.Delayed, s.Failed)
		})
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd, jobCmd, statsCmd)
	jobCmd.AddCommand(jobGetCmd, jobLookupCmd)

	f := enqueueCmd.Flags()
	f.String("tenant", "", "tenant id (defaults to the token's tenant)")
	f.String("key", "", "idempotency key (defaults to a hash of the payload)")
	f.String("entity", "", "ordering entity id")
	f.String("correlation-id", "", "correlation id propagated to the handler")
	f.Duration("delay", 0, "delay before the job becomes eligible")
	f.StringToString("tag", nil, "tag as key=value (repeatable)")
	f.String("payload", "", "JSON payload")
	f.String("payload-file", "", "read the JSON payload from a file")
	enqueueCmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
}
