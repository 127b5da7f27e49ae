package redisstream

// Stream entry fields.
const (
	fieldChannel    = "channel"
	fieldPayload    = "payload"    // raw []byte, no base64
	fieldProducedAt = "producedAt" // int64 ns
)
