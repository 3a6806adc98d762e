package domain

// AudioRef points at an audio resource held by the transport.
type AudioRef struct {
	FileID  string
	Seconds float64
}

// Event is one inbound conversational trigger from the transport.
type Event struct {
	Chat      ChatRef
	MessageID int
	From      Identity
	Text      string
}
