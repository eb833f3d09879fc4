package engagement

// Status enumerates the lifecycle of a booking. The zero value is invalid;
// records always carry one of the five states below.
type Status string

const (
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusDeclined, StatusCanceled, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusCanceled, StatusCompleted:
		return true
	}
	return false
}

// Rank orders statuses for pair aggregation: accepted outranks requested,
// which outranks every terminal state.
func (s Status) Rank() int {
	switch s {
	case StatusAccepted:
		return 2
	case StatusRequested:
		return 1
	default:
		return 0
	}
}

var transitions = map[Status]map[Status]bool{
	StatusRequested: {
		StatusAccepted: true,
		StatusDeclined: true,
		StatusCanceled: true,
	},
	StatusAccepted: {
		StatusCanceled:  true,
		StatusCompleted: true,
	},
}

// CanTransition reports whether the edge from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}
