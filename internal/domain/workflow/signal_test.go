package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name          string
		signalType    SignalType
		payload       string
		want          Signal
		errorContains string
	}{
		{
			name:       "complete requirement",
			signalType: SignalCompleteRequirement,
			payload:    `{"task_id":"verify_parties"}`,
			want:       &CompleteRequirement{TaskID: "verify_parties"},
		},
		{
			name:          "complete requirement without task",
			signalType:    SignalCompleteRequirement,
			payload:       `{}`,
			errorContains: "requires task_id",
		},
		{
			name:       "approve with comment",
			signalType: SignalApprove,
			payload:    `{"comment":"looks good"}`,
			want:       &Approve{Comment: "looks good"},
		},
		{
			name:       "approve with empty body",
			signalType: SignalApprove,
			payload:    "",
			want:       &Approve{},
		},
		{
			name:       "reject",
			signalType: SignalReject,
			payload:    `{"reason":"missing receipts"}`,
			want:       &Reject{Reason: "missing receipts"},
		},
		{
			name:          "reject without reason",
			signalType:    SignalReject,
			payload:       `{}`,
			errorContains: "requires a reason",
		},
		{
			name:       "pause ignores payload",
			signalType: SignalPause,
			payload:    `{"anything":true}`,
			want:       &Pause{},
		},
		{
			name:       "resume",
			signalType: SignalResume,
			payload:    "",
			want:       &Resume{},
		},
		{
			name:       "cancel",
			signalType: SignalCancel,
			payload:    `{"reason":"duplicate"}`,
			want:       &Cancel{Reason: "duplicate"},
		},
		{
			name:          "add deadline without due_at",
			signalType:    SignalAddDeadline,
			payload:       `{}`,
			errorContains: "requires due_at",
		},
		{
			name:       "escalate",
			signalType: SignalEscalate,
			payload:    `{"reason":"stuck"}`,
			want:       &Escalate{Reason: "stuck"},
		},
		{
			name:          "deadline_fired is internal only",
			signalType:    SignalDeadlineFired,
			payload:       `{"deadline_id":"sla-review"}`,
			errorContains: "unknown signal type",
		},
		{
			name:          "unknown type",
			signalType:    "restart",
			payload:       `{}`,
			errorContains: "unknown signal type",
		},
		{
			name:          "malformed payload",
			signalType:    SignalReject,
			payload:       `{"reason":`,
			errorContains: "malformed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := ParseSignal(tt.signalType, []byte(tt.payload))
			if tt.errorContains != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sig)
		})
	}
}

func TestParseSignalAddDeadline(t *testing.T) {
	due := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	payload := `{"due_at":"` + due.Format(time.RFC3339) + `"}`

	sig, err := ParseSignal(SignalAddDeadline, []byte(payload))
	require.NoError(t, err)

	add, ok := sig.(*AddDeadline)
	require.True(t, ok)
	assert.True(t, add.DueAt.Equal(due))
	assert.Empty(t, add.Kind)
}

func TestStatusTerminality(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestInstanceClone(t *testing.T) {
	inst := NewInstance()
	inst.ID = "inst-1"
	inst.CompletedTaskIDs["a"] = true
	inst.ActiveDeadlines["sla-x"] = Deadline{ID: "sla-x", Kind: DeadlineStageSLA}
	inst.Approval = &ApprovalState{
		CurrentApproverIndex: 1,
		Slots:                []SlotStatus{{Decision: SlotApproved}, {Decision: SlotPending}},
	}

	cp := inst.Clone()
	cp.CompletedTaskIDs["b"] = true
	cp.ActiveDeadlines["other"] = Deadline{ID: "other"}
	cp.Approval.Slots[1].Decision = SlotRejected
	cp.Approval.CurrentApproverIndex = 0

	assert.False(t, inst.CompletedTaskIDs["b"])
	assert.NotContains(t, inst.ActiveDeadlines, "other")
	assert.Equal(t, SlotPending, inst.Approval.Slots[1].Decision)
	assert.Equal(t, 1, inst.Approval.CurrentApproverIndex)
}
