// Package health classifies how a ledger node behaved on its most recent
// request.
package health

// Health is recomputed after every request; it is never sticky.
type Health int

const (
	// Healthy nodes may receive more concurrent work.
	Healthy Health = iota
	// Throttled nodes answered BUSY and must not receive additional load.
	Throttled
	// Unhealthy nodes timed out, were unreachable, or lost a receipt.
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Throttled:
		return "throttled"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Worse returns the more severe of h and other.
func (h Health) Worse(other Health) Health {
	if other > h {
		return other
	}
	return h
}
