package at

import (
	"strconv"
	"strings"
)

// EventRule matches unsolicited lines by command verb and payload prefix.
// An empty Verb matches any verb.
type EventRule struct {
	Verb    string
	Payload string
	Kind    EventKind
}

// Profile describes one firmware's response token set: which payloads
// terminate a command, how module errors are marked, and which lines are
// asynchronous events. The token set is configuration data; the engine is
// generic over it.
type Profile struct {
	// Done lists payloads that terminate a command successfully.
	Done []string
	// ErrorMark is the payload prefix introducing a module error code,
	// e.g. "ERROR(" for "+MSGHEX: ERROR(-20)".
	ErrorMark string
	// Events lists the rules classifying unsolicited lines.
	Events []EventRule
}

// DefaultProfile returns the token set of the Seeed LoRa-E5 firmware.
func DefaultProfile() *Profile {
	return &Profile{
		Done:      []string{"OK", "Done"},
		ErrorMark: "ERROR(",
		Events: []EventRule{
			{Verb: "JOIN", Payload: "Network joined", Kind: KindJoin},
			{Verb: "JOIN", Payload: "Join failed", Kind: KindJoin},
			{Verb: "JOIN", Payload: "Joined already", Kind: KindJoin},
			{Payload: "ACK Received", Kind: KindTxAck},
			{Payload: "RXWIN", Kind: KindDownlink},
			{Payload: "PORT: ", Kind: KindDownlink},
		},
	}
}

// Classify identifies the nature of one module output line.
//
// Lines that do not follow the "+VERB: payload" framing match no known
// pattern and are classified TypeUnknown; the caller discards them with a
// diagnostic rather than merging them into a command's result.
func (p *Profile) Classify(line string) Response {
	r := Response{Type: TypeUnknown, Raw: line}

	rest, ok := strings.CutPrefix(line, ResponsePrefix)
	if !ok {
		return r
	}
	verb, payload, ok := strings.Cut(rest, ": ")
	if !ok || verb == "" {
		return r
	}
	r.Verb = verb
	r.Payload = payload

	if code, ok := p.errorCode(payload); ok {
		r.Type = TypeError
		r.Code = code
		return r
	}

	for _, done := range p.Done {
		if payload == done {
			r.Type = TypeOK
			return r
		}
	}

	for _, ev := range p.Events {
		if ev.Verb != "" && ev.Verb != verb {
			continue
		}
		if strings.HasPrefix(payload, ev.Payload) {
			r.Type = TypeEvent
			r.Kind = ev.Kind
			return r
		}
	}

	r.Type = TypeData
	return r
}

func (p *Profile) errorCode(payload string) (int, bool) {
	rest, ok := strings.CutPrefix(payload, p.ErrorMark)
	if !ok {
		return 0, false
	}
	num, _, found := strings.Cut(rest, ")")
	if !found {
		return 0, true
	}
	code, err := strconv.Atoi(num)
	if err != nil {
		return 0, true
	}
	return code, true
}
