package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalType identifies a signal variant
type SignalType string

const (
	SignalCompleteRequirement SignalType = "complete_requirement"
	SignalApprove             SignalType = "approve"
	SignalReject              SignalType = "reject"
	SignalPause               SignalType = "pause"
	SignalResume              SignalType = "resume"
	SignalCancel              SignalType = "cancel"
	SignalAddDeadline         SignalType = "add_deadline"
	SignalEscalate            SignalType = "escalate"
	// SignalDeadlineFired is synthesized by the deadline scheduler, never
	// accepted from external callers.
	SignalDeadlineFired SignalType = "deadline_fired"
)

// Signal is an externally submitted intent to mutate a running instance.
// Variants form a closed tagged union so the dispatcher's validation switch
// is exhaustive.
type Signal interface {
	SignalType() SignalType
}

// CompleteRequirement marks one required task of the current stage done
type CompleteRequirement struct {
	TaskID string `json:"task_id"`
}

func (CompleteRequirement) SignalType() SignalType { return SignalCompleteRequirement }

// Approve records the current approver slot's approval
type Approve struct {
	Comment string `json:"comment,omitempty"`
}

func (Approve) SignalType() SignalType { return SignalApprove }

// Reject records the current approver slot's rejection
type Reject struct {
	Reason string `json:"reason"`
}

func (Reject) SignalType() SignalType { return SignalReject }

// Pause suspends a running instance
type Pause struct{}

func (Pause) SignalType() SignalType { return SignalPause }

// Resume continues a paused instance
type Resume struct{}

func (Resume) SignalType() SignalType { return SignalResume }

// Cancel terminates an instance from any non-terminal status
type Cancel struct {
	Reason string `json:"reason,omitempty"`
}

func (Cancel) SignalType() SignalType { return SignalCancel }

// AddDeadline registers an ad-hoc deadline on the current stage
type AddDeadline struct {
	DueAt time.Time    `json:"due_at"`
	Kind  DeadlineKind `json:"kind,omitempty"`
}

func (AddDeadline) SignalType() SignalType { return SignalAddDeadline }

// Escalate explicitly advances the approval chain to the configured target
type Escalate struct {
	Reason string `json:"reason,omitempty"`
}

func (Escalate) SignalType() SignalType { return SignalEscalate }

// DeadlineFired is the internal signal the scheduler routes through the
// dispatcher when a deadline expires, so deadline effects obey the same
// validation and ordering rules as external signals.
type DeadlineFired struct {
	DeadlineID string       `json:"deadline_id"`
	Kind       DeadlineKind `json:"kind"`
}

func (DeadlineFired) SignalType() SignalType { return SignalDeadlineFired }

// ParseSignal decodes an externally submitted signal from its type tag and
// raw JSON payload. The internal deadline_fired type is rejected here.
func ParseSignal(signalType SignalType, payload []byte) (Signal, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	decode := func(v Signal) (Signal, error) {
		if err := json.Unmarshal(payload, v); err != nil {
			return nil, fmt.Errorf("%w: malformed %s payload: %v", ErrValidation, signalType, err)
		}
		return v, nil
	}

	switch signalType {
	case SignalCompleteRequirement:
		sig, err := decode(&CompleteRequirement{})
		if err != nil {
			return nil, err
		}
		if sig.(*CompleteRequirement).TaskID == "" {
			return nil, fmt.Errorf("%w: complete_requirement requires task_id", ErrValidation)
		}
		return sig, nil
	case SignalApprove:
		return decode(&Approve{})
	case SignalReject:
		sig, err := decode(&Reject{})
		if err != nil {
			return nil, err
		}
		if sig.(*Reject).Reason == "" {
			return nil, fmt.Errorf("%w: reject requires a reason", ErrValidation)
		}
		return sig, nil
	case SignalPause:
		return &Pause{}, nil
	case SignalResume:
		return &Resume{}, nil
	case SignalCancel:
		return decode(&Cancel{})
	case SignalAddDeadline:
		sig, err := decode(&AddDeadline{})
		if err != nil {
			return nil, err
		}
		if sig.(*AddDeadline).DueAt.IsZero() {
			return nil, fmt.Errorf("%w: add_deadline requires due_at", ErrValidation)
		}
		return sig, nil
	case SignalEscalate:
		return decode(&Escalate{})
	default:
		return nil, fmt.Errorf("%w: unknown signal type %q", ErrValidation, signalType)
	}
}
