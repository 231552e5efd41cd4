// ABOUTME: clara-admin subcommands, one per admin API resource
// ABOUTME: Each command prints a table by default and raw JSON with --json

package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type statusView struct {
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Nodes          int    `json:"nodes"`
	Channels       int    `json:"channels"`
	ActiveRequests int    `json:"active_requests"`
	QueuedRequests int    `json:"queued_requests"`
	Adapters       int    `json:"adapters"`
	Tasks          int    `json:"tasks"`
	Tools          int    `json:"tools"`
	LLMProvider    string `json:"llm_provider"`
}

type nodeView struct {
	NodeID       string    `json:"node_id"`
	Platform     string    `json:"platform"`
	Capabilities []string  `json:"capabilities"`
	SessionID    string    `json:"session_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	QueuedFrames int       `json:"queued_frames"`
}

type adapterView struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	PID       int       `json:"pid"`
	Restarts  int       `json:"total_restarts"`
	StartedAt time.Time `json:"started_at"`
	LastError string    `json:"last_error"`
}

type requestView struct {
	RequestID   string    `json:"request_id"`
	ChannelID   string    `json:"channel_id"`
	NodeID      string    `json:"node_id"`
	State       string    `json:"state"`
	Position    int       `json:"position"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type sessionView struct {
	ID             string    `json:"id"`
	Platform       string    `json:"platform"`
	UserID         string    `json:"user_id"`
	ChannelID      string    `json:"channel_id"`
	Archived       bool      `json:"archived"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type taskView struct {
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	Schedule   string     `json:"schedule"`
	Enabled    bool       `json:"enabled"`
	Running    bool       `json:"running"`
	NextFireAt *time.Time `json:"next_fire_at"`
	RunCount   int        `json:"run_count"`
	LastError  string     `json:"last_error"`
}

type hookView struct {
	Name      string `json:"name"`
	EventType string `json:"event_type"`
	Enabled   bool   `json:"enabled"`
	Kind      string `json:"kind"`
}

type eventView struct {
	Type      string    `json:"type"`
	NodeID    string    `json:"node_id"`
	RequestID string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
}

type toolView struct {
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway load",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st statusView
			if err := opts.client().get(cmd.Context(), "/api/status", &st); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "uptime:    %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
			fmt.Fprintf(out, "llm:       %s\n", st.LLMProvider)
			fmt.Fprintf(out, "nodes:     %d\n", st.Nodes)
			fmt.Fprintf(out, "requests:  %d active, %d queued on %d channels\n", st.ActiveRequests, st.QueuedRequests, st.Channels)
			fmt.Fprintf(out, "adapters:  %d\n", st.Adapters)
			fmt.Fprintf(out, "tasks:     %d\n", st.Tasks)
			fmt.Fprintf(out, "tools:     %d\n", st.Tools)
			return nil
		},
	}
}

func newNodesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List connected adapter nodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var nodes []nodeView
			if err := opts.client().get(cmd.Context(), "/api/nodes", &nodes); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), nodes)
			}
			tw := newTable(cmd.OutOrStdout(), "NODE", "PLATFORM", "SESSION", "CONNECTED", "QUEUED")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", n.NodeID, n.Platform, n.SessionID, ago(n.ConnectedAt), n.QueuedFrames)
			}
			return tw.Flush()
		},
	}
}

func newAdaptersCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "List and control supervised adapter processes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var adapters []adapterView
			if err := opts.client().get(cmd.Context(), "/api/adapters", &adapters); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), adapters)
			}
			tw := newTable(cmd.OutOrStdout(), "NAME", "STATE", "PID", "RESTARTS", "STARTED", "ERROR")
			for _, a := range adapters {
				pid := "-"
				if a.PID > 0 {
					pid = strconv.Itoa(a.PID)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", a.Name, stateColor(a.State), pid, a.Restarts, ago(a.StartedAt), orDash(a.LastError))
			}
			return tw.Flush()
		},
	}
	for _, action := range []string{"start", "stop", "restart", "enable", "disable"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " NAME",
			Short: action + " an adapter",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var a adapterView
				path := "/api/adapters/" + url.PathEscape(args[0]) + "/" + action
				if err := opts.client().post(cmd.Context(), path, &a); err != nil {
					return err
				}
				if opts.asJSON {
					return printJSON(cmd.OutOrStdout(), a)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", a.Name, stateColor(a.State))
				return err
			},
		})
	}
	return cmd
}

func newRequestsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List queued and active requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Requests []requestView `json:"requests"`
			}
			if err := opts.client().get(cmd.Context(), "/api/requests", &resp); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), resp.Requests)
			}
			tw := newTable(cmd.OutOrStdout(), "REQUEST", "CHANNEL", "NODE", "STATE", "POS", "SUBMITTED")
			for _, r := range resp.Requests {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.RequestID, r.ChannelID, r.NodeID, stateColor(r.State), r.Position, ago(r.SubmittedAt))
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel REQUEST_ID",
		Short: "Cancel a queued or active request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().post(cmd.Context(), "/api/requests/"+url.PathEscape(args[0])+"/cancel", nil); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return err
		},
	})
	return cmd
}

func newSessionsCmd(opts *options) *cobra.Command {
	var (
		active   bool
		platform string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List conversation sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if active {
				q.Set("active", "true")
			}
			if platform != "" {
				q.Set("platform", platform)
			}
			q.Set("limit", strconv.Itoa(limit))

			var sessions []sessionView
			if err := opts.client().get(cmd.Context(), "/api/sessions?"+q.Encode(), &sessions); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			tw := newTable(cmd.OutOrStdout(), "SESSION", "PLATFORM", "USER", "CHANNEL", "STATE", "LAST ACTIVITY")
			for _, s := range sessions {
				state := "active"
				if s.Archived {
					state = "archived"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Platform, s.UserID, s.ChannelID, stateColor(state), ago(s.LastActivityAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "only sessions that are not archived")
	cmd.Flags().StringVar(&platform, "platform", "", "filter by platform")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "show SESSION_ID",
		Short: "Show a session and its recent transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail struct {
				Session  sessionView `json:"session"`
				Messages []struct {
					Role      string    `json:"role"`
					Content   string    `json:"content"`
					CreatedAt time.Time `json:"created_at"`
				} `json:"messages"`
			}
			if err := opts.client().get(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0]), &detail); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), detail)
			}
			out := cmd.OutOrStdout()
			s := detail.Session
			fmt.Fprintf(out, "%s  %s/%s  user %s\n\n", color.CyanString(s.ID), s.Platform, s.ChannelID, s.UserID)
			for _, m := range detail.Messages {
				fmt.Fprintf(out, "%s %s\n%s\n\n", color.HiBlackString(m.CreatedAt.Local().Format("15:04:05")), color.New(color.Bold).Sprint(m.Role), m.Content)
			}
			return nil
		},
	})
	return cmd
}

func newTasksCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List and control scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var tasks []taskView
			if err := opts.client().get(cmd.Context(), "/api/tasks", &tasks); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			tw := newTable(cmd.OutOrStdout(), "TASK", "KIND", "SCHEDULE", "ENABLED", "NEXT", "RUNS", "ERROR")
			for _, t := range tasks {
				next := "-"
				if t.NextFireAt != nil {
					next = t.NextFireAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\t%s\n", t.Name, t.Kind, t.Schedule, t.Enabled, next, t.RunCount, orDash(t.LastError))
			}
			return tw.Flush()
		},
	}
	for _, action := range []string{"run", "enable", "disable"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " NAME",
			Short: action + " a task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out map[string]any
				if err := opts.client().post(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0])+"/"+action, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		})
	}
	return cmd
}

func newHooksCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "List and toggle hook subscriptions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var hooks []hookView
			if err := opts.client().get(cmd.Context(), "/api/hooks", &hooks); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), hooks)
			}
			tw := newTable(cmd.OutOrStdout(), "HOOK", "EVENT", "KIND", "ENABLED")
			for _, h := range hooks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", h.Name, h.EventType, h.Kind, h.Enabled)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "results",
		Short: "Show recent hook results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var results []map[string]any
			if err := opts.client().get(cmd.Context(), "/api/hooks/results", &results); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	})
	for _, action := range []string{"enable", "disable"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " NAME",
			Short: action + " a hook",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := opts.client().post(cmd.Context(), "/api/hooks/"+url.PathEscape(args[0])+"/"+action, nil); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", args[0], action)
				return err
			},
		})
	}
	return cmd
}

func newEventsCmd(opts *options) *cobra.Command {
	var (
		eventType string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show persisted hook events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if eventType != "" {
				q.Set("type", eventType)
			}
			q.Set("limit", strconv.Itoa(limit))

			var events []eventView
			if err := opts.client().get(cmd.Context(), "/api/events?"+q.Encode(), &events); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), events)
			}
			tw := newTable(cmd.OutOrStdout(), "TIME", "TYPE", "NODE", "REQUEST")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.Type, orDash(e.NodeID), orDash(e.RequestID))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type, e.g. message:sent")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}

func newToolsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List tools available to the model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var tools []toolView
			if err := opts.client().get(cmd.Context(), "/api/tools", &tools); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), tools)
			}
			tw := newTable(cmd.OutOrStdout(), "TOOL", "PROVIDER", "DESCRIPTION")
			for _, t := range tools {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, orDash(t.Provider), t.Description)
			}
			return tw.Flush()
		},
	}
}

func newReloadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload hooks and scheduled tasks from the gateway's config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var summary struct {
				Hooks int `json:"hooks"`
				Tasks int `json:"tasks"`
			}
			if err := opts.client().post(cmd.Context(), "/api/reload", &summary); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "reloaded %d hooks and %d tasks\n", summary.Hooks, summary.Tasks)
			return err
		},
	}
}
