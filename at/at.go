package at

const (
	// Terminal control
	CRLF = "\r\n"

	// ResponsePrefix introduces every framed response line, e.g. "+JOIN: Done".
	ResponsePrefix = "+"
)

// ResponseType tags a classified modem line.
type ResponseType int

const (
	TypeOK      ResponseType = iota // final success (Done, OK)
	TypeError                       // final module error with numeric code
	TypeData                        // intermediate output of the pending command
	TypeEvent                       // asynchronous notification (join result, ACK, downlink)
	TypeUnknown                     // unrecognized line, discarded with a diagnostic
)

func (t ResponseType) String() string {
	switch t {
	case TypeOK:
		return "ok"
	case TypeError:
		return "error"
	case TypeData:
		return "data"
	case TypeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// EventKind identifies which asynchronous operation an event line completes.
type EventKind int

const (
	KindNone EventKind = iota
	KindJoin
	KindTxAck
	KindDownlink
)

func (k EventKind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindTxAck:
		return "txack"
	case KindDownlink:
		return "downlink"
	default:
		return "none"
	}
}

// Response is one classified modem line. It is transient: produced per read
// and consumed by exactly one of the command in flight, an event waiter, or
// the diagnostic log.
type Response struct {
	// Type is the classification tag.
	Type ResponseType
	// Verb is the command verb, e.g. "JOIN" for "+JOIN: Done".
	Verb string
	// Payload is the text following "+VERB: ".
	Payload string
	// Code is the module error code, set for TypeError.
	Code int
	// Kind is the event kind, set for TypeEvent.
	Kind EventKind
	// Raw is the line as received, terminator stripped.
	Raw string
}
