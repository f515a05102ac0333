package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

type healthView struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// grpcHealth asks the standard gRPC health service for the overall status.
func grpcHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if jwtToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+jwtToken)
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the engine",
	Long:  `Check the engine's HTTP health endpoint, or its gRPC health service with --grpc.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("grpc"); addr != "" {
			status, err := grpcHealth(cmd.Context(), addr)
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			return render(cmd, map[string]string{"status": status.String()}, func(w io.Writer) {
				if status == healthpb.HealthCheckResponse_SERVING {
					fmt.Fprintln(w, "✓ Engine is serving (gRPC)")
				} else {
					fmt.Fprintf(w, "✗ Engine is %s (gRPC)\n", status)
				}
			})
		}

		var h healthView
		err := call(cmd.Context(), http.MethodGet, "/healthz", nil, nil, &h)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
			h = healthView{}
			err = json.Unmarshal(apiErr.Body, &h)
		}
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		return render(cmd, h, func(w io.Writer) {
			if h.OK {
				fmt.Fprintln(w, "✓ Engine is healthy")
			} else {
				fmt.Fprintf(w, "✗ Engine is unhealthy: %s\n", h.Message)
			}
			for name, ok := range h.Checks {
				mark := "✓"
				if !ok {
					mark = "✗"
				}
				fmt.Fprintf(w, "  %s %s\n", mark, name)
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("grpc", "", "gRPC address (host:port) to check instead of HTTP")
}
