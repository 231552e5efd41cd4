// ABOUTME: Default memory collaborator built on the user's saved notes
// ABOUTME: Also builds the scheduler action that turns a message task into a proactive envelope

package gateway

import (
	"context"
	"fmt"

	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/hooks"
	"github.com/2389/clara-gateway/internal/orchestrator"
	"github.com/2389/clara-gateway/internal/router"
	"github.com/2389/clara-gateway/internal/store"
)

// maxNoteFacts caps how many notes are offered to the model as context.
const maxNoteFacts = 20

// notesMemory serves remembered facts from the notes store. The transcript
// itself is persisted by the processor, so RecordExchange has nothing to do.
type notesMemory struct {
	store store.Store
}

func (m notesMemory) FetchContext(ctx context.Context, userID, _, _ string) (*orchestrator.ContextBundle, error) {
	if userID == "" {
		return &orchestrator.ContextBundle{}, nil
	}
	notes, err := m.store.ListNotes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	bundle := &orchestrator.ContextBundle{}
	for i, n := range notes {
		if i == maxNoteFacts {
			break
		}
		bundle.Facts = append(bundle.Facts, n.Key+": "+n.Value)
	}
	return bundle, nil
}

func (notesMemory) RecordExchange(context.Context, string, string, []orchestrator.Message) error {
	return nil
}

// messageAction enqueues a proactive envelope when a message task fires.
// The response reaches the platform's nodes as a proactive_message.
func (g *Gateway) messageAction(task string, msg config.MessageAction) hooks.Action {
	return hooks.CallbackAction(func(_ context.Context, _ hooks.Event) error {
		env := router.NewEnvelope(router.Envelope{
			Platform:  msg.Platform,
			UserID:    msg.UserID,
			ChannelID: msg.ChannelID,
			Content:   msg.Content,
			Proactive: true,
			Task:      task,
		})
		if _, err := g.router.Enqueue(env); err != nil {
			return fmt.Errorf("enqueueing scheduled message %s: %w", task, err)
		}
		g.logger.Info("scheduled message enqueued",
			"task", task,
			"request_id", env.RequestID,
			"platform", msg.Platform,
			"channel_id", msg.ChannelID,
		)
		return nil
	})
}
