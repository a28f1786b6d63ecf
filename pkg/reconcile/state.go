package reconcile

// State is the lifecycle stage of a Reconciler.
type State int32

const (
	Uninitialized State = iota
	Backfilling
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Backfilling:
		return "backfilling"
	case Live:
		return "live"
	case Closed:
		return "closed"
	}
	return "unknown"
}
