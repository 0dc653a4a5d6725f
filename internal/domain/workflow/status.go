package workflow

// Status represents the lifecycle status of a workflow instance
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

var validStatuses = map[Status]bool{
	StatusRunning:   true,
	StatusPaused:    true,
	StatusCancelled: true,
	StatusCompleted: true,
	StatusFailed:    true,
}

var terminalStatuses = map[Status]bool{
	StatusCancelled: true,
	StatusCompleted: true,
	StatusFailed:    true,
}

// IsTerminal returns true if the status is terminal (no further signals allowed)
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a valid instance status
func (s Status) IsValid() bool {
	return validStatuses[s]
}
