package mailbox

// UnknownSender is reported for messages whose metadata carries no sender
// participant, such as drafts and some calendar items.
const UnknownSender = "NA"

// MessageRecord is the per-message metadata kept from a mailbox search.
// Date is in epoch seconds.
type MessageRecord struct {
	ID             string
	ConversationID string
	Date           int64
	From           string
	Size           int64
	Flags          string
}

// Sender returns the sender address, or UnknownSender when the message
// had none.
func (r MessageRecord) Sender() string {
	if r.From == "" {
		return UnknownSender
	}
	return r.From
}
