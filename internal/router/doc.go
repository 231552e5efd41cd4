// Package router serializes inbound message envelopes per channel.
//
// # Ordering
//
// Every channel has a queue and at most one worker. The worker dispatches one
// envelope at a time and only dequeues the next after the handler returns, so
// work within a channel is strictly FIFO and mutually exclusive. Channels are
// independent of each other; a semaphore bounds how many dispatch at once.
//
// Envelopes with a higher Priority are inserted ahead of lower-priority ones;
// ties keep arrival order.
//
// # Batching
//
// With Config.Batching set, consecutive Batchable envelopes that piled up
// while the channel was busy are coalesced before dispatch. The last member
// becomes the primary request; the others are reported through
// Handler.EnvelopeDropped with DropMerged.
//
// # Cancellation
//
// Cancel drops a queued envelope (reported with DropCancelled) or cancels the
// context of an active one with cause ErrCancelled. CancelChannel does both
// for a whole channel. Close drops everything queued with DropShutdown and
// cancels active work with cause ErrClosed.
//
// Every envelope accepted by Enqueue ends in exactly one HandleEnvelope or
// EnvelopeDropped call.
package router
