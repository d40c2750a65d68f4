package negotiate

// State of one link's negotiation machine.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateAnswerPending
	StateConnected
	StateRestarting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswerPending:
		return "answer_pending"
	case StateConnected:
		return "connected"
	case StateRestarting:
		return "restarting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
