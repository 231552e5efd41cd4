// ABOUTME: Notes tools give the assistant per-user key-value storage
// ABOUTME: Notes are scoped by the requesting user id and persisted in the store

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/clara-gateway/internal/store"
	"github.com/2389/clara-gateway/internal/tools"
)

func notesTools(s store.Store) []tools.BuiltinTool {
	n := &notesHandlers{store: s}
	return []tools.BuiltinTool{
		{
			Definition: tools.Definition{
				Name:        "save_note",
				Description: "Store a note for the current user",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string","minLength":1},"value":{"type":"string"}},"required":["key","value"]}`),
			},
			Handler: n.Save,
		},
		{
			Definition: tools.Definition{
				Name:        "get_note",
				Description: "Retrieve a note for the current user",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
			},
			Handler: n.Get,
		},
		{
			Definition: tools.Definition{
				Name:        "list_notes",
				Description: "List the current user's note keys",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			},
			Handler: n.List,
		},
		{
			Definition: tools.Definition{
				Name:        "delete_note",
				Description: "Delete a note for the current user",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
			},
			Handler: n.Delete,
		},
	}
}

type notesHandlers struct {
	store store.Store
}

type noteSaveInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (n *notesHandlers) Save(ctx context.Context, ictx tools.InvocationContext, input json.RawMessage) (json.RawMessage, error) {
	var in noteSaveInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	note := &store.Note{
		UserID: ictx.UserID,
		Key:    in.Key,
		Value:  in.Value,
	}
	if err := n.store.SaveNote(ctx, note); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{"key": in.Key, "status": "saved"})
}

type noteKeyInput struct {
	Key string `json:"key"`
}

func (n *notesHandlers) Get(ctx context.Context, ictx tools.InvocationContext, input json.RawMessage) (json.RawMessage, error) {
	var in noteKeyInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	note, err := n.store.GetNote(ctx, ictx.UserID, in.Key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no note named %q", in.Key)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{"key": note.Key, "value": note.Value})
}

func (n *notesHandlers) List(ctx context.Context, ictx tools.InvocationContext, _ json.RawMessage) (json.RawMessage, error) {
	notes, err := n.store.ListNotes(ctx, ictx.UserID)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(notes))
	for i, note := range notes {
		keys[i] = note.Key
	}

	return json.Marshal(map[string]any{"keys": keys, "count": len(keys)})
}

func (n *notesHandlers) Delete(ctx context.Context, ictx tools.InvocationContext, input json.RawMessage) (json.RawMessage, error) {
	var in noteKeyInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	err := n.store.DeleteNote(ctx, ictx.UserID, in.Key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no note named %q", in.Key)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{"key": in.Key, "status": "deleted"})
}
