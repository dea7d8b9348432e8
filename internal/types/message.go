package types

import "fmt"

// Kind identifies what a Message carries.
type Kind uint8

const (
	KindTap Kind = iota
	KindHoldStart
	KindHoldRelease
	KindInactivityTimeout
	KindSafetyShutdown
	KindSafetyWarning
	KindSystemShutdown
	KindConfigReload
	KindReinit
)

func (k Kind) String() string {
	switch k {
	case KindTap:
		return "tap"
	case KindHoldStart:
		return "hold-start"
	case KindHoldRelease:
		return "hold-release"
	case KindInactivityTimeout:
		return "inactivity-timeout"
	case KindSafetyShutdown:
		return "safety-shutdown"
	case KindSafetyWarning:
		return "safety-warning"
	case KindSystemShutdown:
		return "system-shutdown"
	case KindConfigReload:
		return "config-reload"
	case KindReinit:
		return "reinit"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsInput reports whether the kind comes from the input classifier.
func (k Kind) IsInput() bool {
	return k == KindTap || k == KindHoldStart || k == KindHoldRelease
}

// IsSafety reports whether the kind comes from the safety monitor.
func (k Kind) IsSafety() bool {
	return k == KindSafetyShutdown || k == KindSafetyWarning
}

// MessageSize is the wire size of a Message.
const MessageSize = 4

// Message is the fixed-size record carried by the dispatcher. Count is only
// meaningful for input kinds, Severity only for safety kinds.
type Message struct {
	Kind     Kind
	Count    uint8
	Severity uint8
	Reserved uint8
}

// SeverityCritical is the severity used for emergency shutdowns.
const SeverityCritical uint8 = 255

func Tap(count uint8) Message         { return Message{Kind: KindTap, Count: count} }
func HoldStart(count uint8) Message   { return Message{Kind: KindHoldStart, Count: count} }
func HoldRelease(count uint8) Message { return Message{Kind: KindHoldRelease, Count: count} }

func InactivityTimeout() Message { return Message{Kind: KindInactivityTimeout} }

func SafetyShutdown() Message {
	return Message{Kind: KindSafetyShutdown, Severity: SeverityCritical}
}

func SafetyWarning(severity uint8) Message {
	return Message{Kind: KindSafetyWarning, Severity: severity}
}

func SystemShutdown() Message { return Message{Kind: KindSystemShutdown} }
func ConfigReload() Message   { return Message{Kind: KindConfigReload} }
func Reinit() Message         { return Message{Kind: KindReinit} }

// Bytes returns the 4-byte wire form: kind, count, severity, reserved.
func (m Message) Bytes() [MessageSize]byte {
	return [MessageSize]byte{byte(m.Kind), m.Count, m.Severity, m.Reserved}
}

// MessageFromBytes decodes the wire form produced by Bytes.
func MessageFromBytes(b []byte) (Message, error) {
	if len(b) != MessageSize {
		return Message{}, fmt.Errorf("message must be %d bytes, got %d", MessageSize, len(b))
	}
	return Message{Kind: Kind(b[0]), Count: b[1], Severity: b[2], Reserved: b[3]}, nil
}

func (m Message) String() string {
	switch {
	case m.Kind.IsInput():
		return fmt.Sprintf("%s(%d)", m.Kind, m.Count)
	case m.Kind.IsSafety():
		return fmt.Sprintf("%s(sev=%d)", m.Kind, m.Severity)
	default:
		return m.Kind.String()
	}
}
