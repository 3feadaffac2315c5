package system

// State is the lifecycle state of a System. Pending events are tracked
// separately in a request.Set.
type State int

const (
	Constructing State = iota
	NeedsProvisioning
	Provisioned
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Constructing:
		return "constructing"
	case NeedsProvisioning:
		return "needs provisioning"
	case Provisioned:
		return "provisioned"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Alive reports whether the system still accepts work.
func (s State) Alive() bool {
	return s == NeedsProvisioning || s == Provisioned
}

// Retired reports whether the system is being or has been torn down.
func (s State) Retired() bool {
	return s >= Closing
}
