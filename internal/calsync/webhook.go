package calsync

import "context"

// Outcome is the terminal state of webhook ingestion for one notification:
// received -> validated -> triggered, or received -> rejected. Malformed
// requests never enter the state machine and are reported to the sender.
type Outcome int

const (
	// OutcomeMalformed: required headers missing; the sender sees a client
	// error.
	OutcomeMalformed Outcome = iota
	// OutcomeRejected: headers present but channel/token did not verify.
	// Acknowledged with success so the push service stops retrying; which
	// part of validation failed is never leaked.
	OutcomeRejected
	// OutcomeValidated: authentic handshake ping; acknowledged, no sync.
	OutcomeValidated
	// OutcomeTriggered: authentic change notification; an incremental sync
	// was dispatched.
	OutcomeTriggered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMalformed:
		return "malformed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeValidated:
		return "validated"
	case OutcomeTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// ResourceStateSync is the remote's bare handshake ping sent right after
// channel creation; it carries no change to fetch.
const ResourceStateSync = "sync"

// Notification is one inbound push notification, decoded from the
// remote-defined headers. MessageNumber increases monotonically per channel.
type Notification struct {
	ChannelID     string
	Token         string
	ResourceID    string
	ResourceState string
	MessageNumber int64
}

func (n Notification) complete() bool {
	return n.ChannelID != "" && n.Token != "" && n.ResourceID != "" &&
		n.ResourceState != "" && n.MessageNumber > 0
}

// TriggerFunc dispatches an incremental sync for a calendar link. It must
// not block: the webhook response never waits on a sync cycle.
type TriggerFunc func(linkID int64)

// Ingestor turns untrusted inbound notifications into safe sync triggers.
type Ingestor struct {
	channels *ChannelManager
	trigger  TriggerFunc
	logger   Logger
}

func NewIngestor(channels *ChannelManager, trigger TriggerFunc, logger Logger) *Ingestor {
	return &Ingestor{channels: channels, trigger: trigger, logger: logger}
}

// Ingest validates a notification against stored channel state and, for
// meaningful changes, fires the sync trigger.
func (in *Ingestor) Ingest(ctx context.Context, n Notification) Outcome {
	if !n.complete() {
		return OutcomeMalformed
	}
	linkID, ok := in.channels.VerifyChannelToken(ctx, n.ChannelID, n.Token)
	if !ok {
		// Logged for audit; the sender still sees success to suppress
		// retry storms from forged or stale channels.
		in.logf("webhook rejected: channel=%s resource=%s state=%s msg=%d",
			n.ChannelID, n.ResourceID, n.ResourceState, n.MessageNumber)
		return OutcomeRejected
	}
	if n.ResourceState == ResourceStateSync {
		return OutcomeValidated
	}
	if in.trigger != nil {
		in.trigger(linkID)
	}
	return OutcomeTriggered
}

func (in *Ingestor) logf(format string, args ...any) {
	if in.logger == nil {
		return
	}
	in.logger.Printf(format, args...)
}
