package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

type breakerView struct {
	Dependency  string    `json:"dependency"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	OpenedAt    time.Time `json:"openedAt,omitzero"`
	OutageSince time.Time `json:"outageSince,omitzero"`
	LastProbeAt time.Time `json:"lastProbeAt,omitzero"`
	PanicSince  time.Time `json:"panicSince,omitzero"`
}

type panicRequest struct {
	Enable bool   `json:"enable"`
	Actor  string `json:"actor,omitempty"`
}

var breakersCmd = &cobra.Command{
	Use:     "breakers",
	Aliases: []string{"circuit-breakers"},
	Short:   "Show and override dependency circuit breakers",
}

var breakersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List circuit breakers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Breakers []breakerView `json:"breakers"`
		}
		if err := call(cmd.Context(), http.MethodGet, "/circuit-breakers", nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to list breakers: %w", err)
		}
		return render(cmd, resp, func(w io.Writer) {
			if len(resp.Breakers) == 0 {
				fmt.Fprintln(w, "No circuit breakers")
				return
			}
			for _, b := range resp.Breakers {
				fmt.Fprintf(w, "%-20s %-9s failures=%d", b.Dependency, b.State, b.Failures)
				if !b.OutageSince.IsZero() {
					fmt.Fprintf(w, " outage since %s", formatTime(b.OutageSince))
				}
				fmt.Fprintln(w)
			}
		})
	},
}

func setPanic(cmd *cobra.Command, dependency string, enable bool) error {
	actor, _ := cmd.Flags().GetString("actor")
	var b breakerView
	path := "/circuit-breakers/" + url.PathEscape(dependency) + "/panic"
	if err := call(cmd.Context(), http.MethodPost, path, nil, panicRequest{Enable: enable, Actor: actor}, &b); err != nil {
		return fmt.Errorf("failed to update breaker: %w", err)
	}
	return render(cmd, b, func(w io.Writer) {
		fmt.Fprintf(w, "Breaker %s is now %s\n", b.Dependency, b.State)
	})
}

var breakersPanicCmd = &cobra.Command{
	Use:   "panic [dependency]",
	Short: "Force a dependency into panic: new jobs for it are rejected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPanic(cmd, args[0], true)
	},
}

var breakersAckCmd = &cobra.Command{
	Use:   "ack [dependency]",
	Short: "Acknowledge a panicked dependency and close its breaker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPanic(cmd, args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(breakersCmd)
	breakersCmd.AddCommand(breakersListCmd, breakersPanicCmd, breakersAckCmd)
	for _, c := range []*cobra.Command{breakersPanicCmd, breakersAckCmd} {
		c.Flags().String("actor", "", "operator recorded on the transition")
	}
}
