package broadcast

// Outcome is the result of one delivery attempt. It is one of Sent, Failed
// or Incomplete; consumers switch on the concrete type.
type Outcome interface {
	outcome()
}

// Sent means the provider accepted the message and assigned MessageID.
type Sent struct {
	MessageID string
}

// Failed means the attempt completed and the message was not accepted.
// StatusCode is the provider HTTP status, 0 when no response was received.
type Failed struct {
	StatusCode int
	Reason     string
}

// Incomplete means the attempt never finished, e.g. the send routine panicked.
type Incomplete struct {
	Reason string
}

func (Sent) outcome()       {}
func (Failed) outcome()     {}
func (Incomplete) outcome() {}
