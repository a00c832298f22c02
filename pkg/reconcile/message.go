package reconcile

// MessageStatus is the delivery state of a message in the local timeline.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders statuses for monotonic receipt application: a receipt
// never downgrades seen back to delivered, or delivered back to sent.
// failed ranks with pending: a receipt arriving for a message we thought
// failed proves the peer got it after all.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusFailed:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusSeen:      3,
}

// Message is one entry in a conversation timeline. Outgoing messages keep
// their locally generated ID even after the network-assigned EventID
// becomes known; the EventID is an attribute, never a key change, so UI
// references stay stable across the optimistic-send reconciliation.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`

	// Timestamp is the coarse second-resolution send time; TimestampMS is
	// the optional millisecond hint used only to break coarse ties.
	Timestamp   int64 `json:"timestamp"`
	TimestampMS int64 `json:"timestamp_ms,omitempty"`

	IsFromMe bool          `json:"is_from_me"`
	Status   MessageStatus `json:"status"`

	// RumorID is the content-addressed ID of the decrypted payload, stable
	// across retransmission. At most one Message exists per rumor ID per
	// session.
	RumorID string `json:"rumor_id"`

	// EventID is the outer network event ID, assigned once the network has
	// accepted the send (or observed on arrival for incoming messages).
	EventID string `json:"event_id,omitempty"`

	ReplyTo string `json:"reply_to,omitempty"`

	// Reactions maps reaction emoji to the set of reactor keys.
	Reactions map[string]map[string]bool `json:"reactions,omitempty"`

	// Sending marks an optimistic outgoing message whose network echo
	// hasn't been observed yet. In-memory only.
	Sending bool `json:"-"`
}

// clone returns a deep-enough copy for handing to background persistence
// writes while the original keeps being mutated under the engine lock.
func (m *Message) clone() *Message {
	out := *m
	if m.Reactions != nil {
		out.Reactions = make(map[string]map[string]bool, len(m.Reactions))
		for emoji, reactors := range m.Reactions {
			set := make(map[string]bool, len(reactors))
			for key := range reactors {
				set[key] = true
			}
			out.Reactions[emoji] = set
		}
	}
	return &out
}

// Preferences are the local user's receipt-emission switches. They gate
// outbound side effects only: inbound receipts are always applied to
// local message status regardless of these settings.
type Preferences struct {
	SendTyping           bool `yaml:"send_typing" json:"send_typing"`
	SendDeliveryReceipts bool `yaml:"send_delivery_receipts" json:"send_delivery_receipts"`
	SendReadReceipts     bool `yaml:"send_read_receipts" json:"send_read_receipts"`
}
