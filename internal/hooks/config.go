// ABOUTME: Builds hook subscriptions from configuration entries
// ABOUTME: Each configured hook becomes a shell CommandAction subscription

package hooks

import (
	"github.com/2389/clara-gateway/internal/config"
)

// BuiltinPrefix marks in-process subscriptions that survive Replace.
const BuiltinPrefix = "builtin:"

// SubscriptionsFromConfig converts configured hooks into subscriptions.
// Timeouts are expected to be parsed already by config.Load.
func SubscriptionsFromConfig(hooks []config.HookConfig) []Subscription {
	subs := make([]Subscription, 0, len(hooks))
	for _, h := range hooks {
		subs = append(subs, Subscription{
			Name:      h.Name,
			EventType: h.Event,
			Action: CommandAction{
				Command:    h.Command,
				WorkingDir: h.WorkingDir,
			},
			Timeout:     h.Timeout,
			Priority:    h.Priority,
			Enabled:     h.IsEnabled(),
			Description: h.Description,
		})
	}
	return subs
}
