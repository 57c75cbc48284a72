package types

// Initiator is the attribution sent upstream in the X-Initiator header.
type Initiator string

const (
	InitiatorUser  Initiator = "user"
	InitiatorAgent Initiator = "agent"
)

func (i Initiator) String() string { return string(i) }

// IsUser reports whether the call is attributed to a human.
func (i Initiator) IsUser() bool { return i == InitiatorUser }

func ParseInitiator(s string) (Initiator, bool) {
	switch Initiator(s) {
	case InitiatorUser, InitiatorAgent:
		return Initiator(s), true
	default:
		return "", false
	}
}
