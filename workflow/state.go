package workflow

// State is the position of a workflow in its consumption loop
type State int32

const (
	StateIdle State = iota
	StateReceiving
	StateProcessing
	StateCommitting
	StateRollingBack
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateProcessing:
		return "processing"
	case StateCommitting:
		return "committing"
	case StateRollingBack:
		return "rolling back"
	case StateWaiting:
		return "waiting"
	}
	return "unknown"
}
