package handshake

// Phase is a step of the authorization handshake.
type Phase int

const (
	PhaseInitiated Phase = iota
	PhasePendingCallback
	PhaseExchanging
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitiated:
		return "INITIATED"
	case PhasePendingCallback:
		return "PENDING_CALLBACK"
	case PhaseExchanging:
		return "EXCHANGING"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
