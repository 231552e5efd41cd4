// Package hooks provides the gateway's lifecycle event bus.
//
// # Overview
//
// Components publish Events (adapter connected, session start, tool end, ...)
// through the Publisher interface. The Bus fans each event out to every
// enabled Subscription whose EventType matches exactly or is the "*"
// wildcard.
//
// # Execution
//
// Publish never blocks the caller. Each matching subscriber runs in its own
// goroutine through Run, which bounds it by the subscription timeout
// (DefaultTimeout when unset) and converts panics into failed Results. A
// subscriber that ignores cancellation is abandoned once its timeout fires.
//
// Actions come in two forms:
//
//   - CommandAction: a shell command run with CLARA_* environment variables
//     describing the event; ${VAR} references in the command are expanded
//     from the same set
//   - CallbackAction: an in-process function
//
// # History
//
// The bus keeps the last 100 events and the last 100 subscriber Results in
// memory for the admin API, and optionally persists every event through an
// EventSink.
//
// # Reload
//
// Replace swaps the config-defined subscriptions atomically. Subscriptions
// whose name carries BuiltinPrefix are registered in-process and survive it.
package hooks
