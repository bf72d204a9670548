package rpc

// Codec translates between wire payloads and the message model. Codecs
// own everything protocol-specific about message shape: how the three
// kinds are encoded, how correlation ids are allocated, and what a
// cancellation looks like on the wire. A codec instance belongs to
// exactly one connection; implementations may keep per-connection
// state such as an id counter.
type Codec interface {
	// NextID allocates a fresh outbound correlation id, never reused
	// for the connection's lifetime.
	NextID() ID

	// Decode parses one frame body. A failure here is fatal for the
	// connection, since framing state cannot be trusted afterwards.
	Decode(payload []byte) (*Message, error)

	// Encode serializes a message to a frame body.
	Encode(msg *Message) ([]byte, error)

	// CancelNotice returns a wire message asking the peer to cancel
	// the request with the given id, or false if the protocol has no
	// out-of-band cancellation.
	CancelNotice(id ID) (*Message, bool)

	// CancelTarget reports whether msg is an inbound out-of-band
	// cancellation and, if so, which id it targets. Protocols whose
	// cancellation is an ordinary method (the debug adapter's cancel
	// request) return false here and register a handler instead.
	CancelTarget(msg *Message) (ID, bool)
}
