package engine

import "testing"

func TestOrderStateTransitions(t *testing.T) {
	tests := []struct {
		from, to OrderState
		want     bool
	}{
		{OrderStateOpen, OrderStateSelected, true},
		{OrderStateOpen, OrderStateSpawning, false},
		{OrderStateSelected, OrderStateSpawning, true},
		{OrderStateSpawning, OrderStateFulfilled, true},
		{OrderStateFulfilled, OrderStateUnableToCheckStatus, true},
		{OrderStateUnableToCheckStatus, OrderStateFulfilled, true},
		{OrderStateFulfilled, OrderStateCheckingDeletion, true},
		{OrderStateCheckingDeletion, OrderStateClosed, true},
		{OrderStateCheckingDeletion, OrderStateFulfilled, false},
		{OrderStateFailedAfterSuccessfulRequest, OrderStateFulfilled, true},
		{OrderStateFailed, OrderStateClosed, true},
		{OrderStateClosed, OrderStateOpen, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestEveryProcessedStateHasPartition(t *testing.T) {
	partitions := make(map[OrderState]bool)
	for _, s := range States {
		partitions[s] = true
	}
	for _, s := range ProcessedStates {
		if !partitions[s] {
			t.Errorf("Expected processed state %s to have a partition", s)
		}
	}
	if partitions[OrderStateClosed] {
		t.Error("Expected CLOSED to have no partition")
	}
}

func TestOrderStateValidate(t *testing.T) {
	if err := OrderStateClosed.Validate(); err != nil {
		t.Errorf("Expected CLOSED to be valid, got %v", err)
	}
	if err := OrderState("PENDING").Validate(); err == nil {
		t.Error("Expected unknown state to be rejected")
	}
}

func TestResourceSpecType(t *testing.T) {
	if got := (ResourceSpec{Volume: &VolumeSpec{SizeGB: 10}}).Type(); got != ResourceTypeVolume {
		t.Errorf("Expected volume, got %q", got)
	}
	if got := (ResourceSpec{}).Type(); got != "" {
		t.Errorf("Expected empty type for empty spec, got %q", got)
	}
	both := ResourceSpec{Volume: &VolumeSpec{}, Network: &NetworkSpec{}}
	if got := both.Type(); got != "" {
		t.Errorf("Expected empty type for ambiguous spec, got %q", got)
	}
}
