package posting

type State int

const (
	Idle State = iota
	Hijacked
	Fresh
	Allocating
	Active
	Halted
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Hijacked:
		return "hijacked"
	case Fresh:
		return "fresh"
	case Allocating:
		return "allocating"
	case Active:
		return "active"
	case Halted:
		return "halted"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Kind tells, which post a draft is authoring
type Kind int

const (
	// OpenerTakeover drafts take over an already allocated thread opening post
	OpenerTakeover Kind = iota
	FreshReply
)
