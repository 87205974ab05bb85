// Package protocol implements the MCS wire protocol: a 4-byte big-endian
// length prefix followed by a variant-tagged CBOR payload.
//
// The payload encoding also travels bare (without the length prefix) on the
// cluster pub/sub channel, so both framed and unframed forms are exported.
package protocol

// SystemSender marks packets generated by the cluster itself rather than a
// logged-in user.
const SystemSender = "server"

// ChatPacket is a single chat line as stored, published, and delivered.
type ChatPacket struct {
	Sender    string
	Content   string
	Timestamp int64 // seconds since epoch
}

// Message is the tagged union carried by every frame. Exactly the variant
// types in this package implement it.
type Message interface {
	isMessage()
}

// Chat carries one user or system packet.
type Chat ChatPacket

// Join opens a session. It must be the first frame on every client
// connection.
type Join struct {
	Username string
	Password string
}

// Heartbeat keeps the sender's presence key alive.
type Heartbeat struct{}

// HistoryRequest asks for the stored messages immediately preceding the
// given epoch-seconds timestamp.
type HistoryRequest int64

// HistoryResponse carries one history page, ascending by timestamp.
type HistoryResponse []ChatPacket

// ChatError is the error variant clients see on the wire.
type ChatError uint8

const (
	ErrNetwork ChatError = iota + 1
	ErrUsernameTaken
	ErrUsernameTooShort
	ErrInternal
)

func (Chat) isMessage()            {}
func (Join) isMessage()            {}
func (Heartbeat) isMessage()       {}
func (HistoryRequest) isMessage()  {}
func (HistoryResponse) isMessage() {}
func (ChatError) isMessage()       {}

func (e ChatError) String() string {
	switch e {
	case ErrNetwork:
		return "network error"
	case ErrUsernameTaken:
		return "username already taken"
	case ErrUsernameTooShort:
		return "username too short"
	case ErrInternal:
		return "internal error"
	default:
		return "unknown error"
	}
}
