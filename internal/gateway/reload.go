// ABOUTME: Hot reload of hook subscriptions and scheduled tasks from the config file
// ABOUTME: Listener, adapter and model settings need a restart and are left untouched

package gateway

import (
	"errors"
	"fmt"

	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/hooks"
	"github.com/2389/clara-gateway/internal/scheduler"
)

// ReloadSummary reports what a reload applied.
type ReloadSummary struct {
	Hooks int `json:"hooks"`
	Tasks int `json:"tasks"`
}

// Reload re-reads path and swaps in its hooks and scheduled tasks. Nothing
// changes when the file fails to load or validate.
func (g *Gateway) Reload(path string) (ReloadSummary, error) {
	if path == "" {
		return ReloadSummary{}, errors.New("no config file to reload")
	}
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	cfg, err := config.Load(path)
	if err != nil {
		return ReloadSummary{}, fmt.Errorf("loading config: %w", err)
	}
	tasks, err := scheduler.TasksFromConfig(cfg.Scheduler.Tasks, g.messageAction)
	if err != nil {
		return ReloadSummary{}, fmt.Errorf("loading scheduled tasks: %w", err)
	}
	for _, t := range tasks {
		if err := scheduler.Validate(t); err != nil {
			return ReloadSummary{}, err
		}
	}

	subs := hooks.SubscriptionsFromConfig(cfg.Hooks)
	if err := g.bus.Replace(subs); err != nil {
		return ReloadSummary{}, fmt.Errorf("replacing hooks: %w", err)
	}
	if err := g.scheduler.Replace(tasks); err != nil {
		return ReloadSummary{}, fmt.Errorf("replacing scheduled tasks: %w", err)
	}

	summary := ReloadSummary{Hooks: len(subs), Tasks: len(tasks)}
	g.logger.Info("configuration reloaded", "hooks", summary.Hooks, "tasks", summary.Tasks)
	return summary, nil
}
