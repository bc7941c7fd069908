package redisstream

// Stream entry fields.
const (
	fieldData   = "data"   // serialized xmbus.Message
	fieldOrigin = "origin" // consumer name of the sender, used to skip echoes
	fieldError  = "error"  // dead-letter entries only
)
