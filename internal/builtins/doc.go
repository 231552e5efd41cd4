// Package builtins provides the gateway's built-in tool pack.
//
// # Tools
//
// NewProvider returns one tools.BuiltinProvider named "builtin:clara":
//
//   - get_current_time: current time, optionally in an IANA zone
//   - session_info: the caller's session (needs Deps.Sessions)
//   - save_note, get_note, list_notes, delete_note: per-user notes
//     (needs Deps.Store)
//   - schedule_reminder: one-shot message task delivered back to the
//     requesting channel (needs Deps.Scheduler and Deps.ReminderAction)
//
// Tools whose collaborator is missing are omitted from the pack.
//
// # Scoping
//
// Handlers read identity from tools.InvocationContext. Notes are keyed by
// UserID, so two users on the same channel never see each other's notes.
// Reminders capture Platform, UserID and ChannelID at request time.
package builtins
