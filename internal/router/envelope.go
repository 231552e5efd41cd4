// ABOUTME: Message envelope model routed through per-channel queues
// ABOUTME: Envelopes are immutable once enqueued; batching builds a new combined envelope

package router

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priorities. Higher values are moved ahead of lower ones within a channel.
const (
	PriorityNormal    = 0
	PriorityInterrupt = 10
)

// Attachment is a file carried with a message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"` // base64 when inline
	Size     int64  `json:"size,omitempty"`
}

// Envelope is one routable unit of inbound work.
type Envelope struct {
	RequestID   string
	NodeID      string
	Platform    string
	UserID      string
	ChannelID   string
	Content     string
	Attachments []Attachment
	Priority    int
	Batchable   bool
	Tier        string
	SubmittedAt time.Time

	// Proactive marks envelopes synthesized by the scheduler; their response
	// is delivered as a proactive message rather than a reply.
	Proactive bool
	// Task names the scheduled task behind a proactive envelope.
	Task string

	// Merged lists the envelopes coalesced into this one, oldest first.
	// Empty unless the router batched them.
	Merged []*Envelope
}

// NewEnvelope fills in a request id and submission time when absent.
func NewEnvelope(env Envelope) *Envelope {
	if env.RequestID == "" {
		env.RequestID = uuid.New().String()
	}
	if env.SubmittedAt.IsZero() {
		env.SubmittedAt = time.Now()
	}
	return &env
}

// RequestIDs returns the id of this envelope and of every envelope merged into it.
func (e *Envelope) RequestIDs() []string {
	ids := make([]string, 0, len(e.Merged)+1)
	for _, m := range e.Merged {
		ids = append(ids, m.RequestID)
	}
	return append(ids, e.RequestID)
}

// coalesce combines a run of envelopes into one. The last member is the
// primary: its request id and routing carry the combined work. Content keeps
// the original order.
func coalesce(run []*Envelope) *Envelope {
	primary := run[len(run)-1]
	combined := *primary

	parts := make([]string, 0, len(run))
	var attachments []Attachment
	for _, e := range run {
		if e.Content != "" {
			parts = append(parts, e.Content)
		}
		attachments = append(attachments, e.Attachments...)
	}
	combined.Content = strings.Join(parts, "\n")
	combined.Attachments = attachments
	combined.Merged = append([]*Envelope(nil), run[:len(run)-1]...)
	return &combined
}
