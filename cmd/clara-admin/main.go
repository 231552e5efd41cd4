// ABOUTME: Admin CLI for clara-gateway
// ABOUTME: Inspects nodes, requests and sessions, and controls adapters, tasks and hooks over HTTP

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

type options struct {
	url    string
	token  string
	asJSON bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:          "clara-admin",
		Short:        "Administer a running clara-gateway",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", defaultGatewayURL(), "gateway base URL (env CLARA_GATEWAY_URL)")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", defaultToken(), "bearer token (env CLARA_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newStatusCmd(opts),
		newNodesCmd(opts),
		newAdaptersCmd(opts),
		newRequestsCmd(opts),
		newSessionsCmd(opts),
		newTasksCmd(opts),
		newHooksCmd(opts),
		newEventsCmd(opts),
		newToolsCmd(opts),
		newReloadCmd(opts),
	)
	return rootCmd
}

func (o *options) client() *apiClient {
	return newAPIClient(o.url, o.token)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	bold := color.New(color.Bold)
	fmt.Fprintln(tw, bold.Sprint(strings.Join(headers, "\t")))
	return tw
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func stateColor(state string) string {
	switch state {
	case "RUNNING", "active", "ok":
		return color.GreenString(state)
	case "CRASHED", "FAILED", "error":
		return color.RedString(state)
	case "STARTING", "STOPPING", "queued":
		return color.YellowString(state)
	default:
		return state
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
