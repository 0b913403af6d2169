package engine

import (
	"errors"
	"fmt"
	"testing"
)

func newComputeOrder(t *testing.T) *Order {
	t.Helper()
	o, err := NewOrder("o-1", User{ID: "u-1"}, ResourceSpec{
		Compute: &ComputeSpec{VCPU: 2, MemoryMB: 1024, DiskGB: 20, ImageID: "img"},
	})
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	return o
}

func TestNewOrder(t *testing.T) {
	o := newComputeOrder(t)

	if o.Type != ResourceTypeCompute {
		t.Errorf("Expected compute type, got %s", o.Type)
	}
	if o.State() != OrderStateOpen {
		t.Errorf("Expected OPEN, got %s", o.State())
	}
	if _, ok := o.StateEnteredAt(OrderStateOpen); !ok {
		t.Error("Expected OPEN entry timestamp")
	}

	if _, err := NewOrder("o-2", User{}, ResourceSpec{}); err == nil {
		t.Error("Expected error for empty spec")
	}
	if _, err := NewOrder("", User{}, ResourceSpec{Volume: &VolumeSpec{SizeGB: 1}}); err == nil {
		t.Error("Expected error for empty id")
	}
}

func TestOrderSelectOnce(t *testing.T) {
	o := newComputeOrder(t)

	if err := o.Select("p1", "aws", &Flavor{ID: "t3.micro"}); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if err := o.Select("p2", "sim", nil); err == nil {
		t.Fatal("Expected second Select to fail")
	}
	if o.Cloud() != "aws" || o.Provider() != "p1" || o.Flavor().ID != "t3.micro" {
		t.Errorf("Expected first placement to stick, got %s/%s", o.Provider(), o.Cloud())
	}
}

func TestOrderAttemptsResetOnStateChange(t *testing.T) {
	o := newComputeOrder(t)

	o.RecordAttempt(NewRecoverableError("timeout", nil))
	if n := o.RecordAttempt(NewRecoverableError("timeout", nil)); n != 2 {
		t.Fatalf("Expected 2 attempts, got %d", n)
	}

	o.SetState(OrderStateSelected)
	if o.Attempts() != 0 {
		t.Errorf("Expected attempts reset, got %d", o.Attempts())
	}
	if !IsRecoverable(o.LastError()) {
		t.Error("Expected last error to survive the state change")
	}
}

func TestOrderViewAndRestore(t *testing.T) {
	o := newComputeOrder(t)
	o.RequestingProvider = "local"
	_ = o.Select("local", "sim", &Flavor{ID: "small", VCPU: 2})
	o.SetState(OrderStateSelected)
	o.SetState(OrderStateSpawning)
	o.SetInstanceID("sim-1")
	o.SetCloudState("running")
	o.Fail(NewTerminalError("quota", nil).WithCode(ErrCodeQuotaExceeded))

	view := o.View()
	restored, err := RestoreOrder(view)
	if err != nil {
		t.Fatalf("RestoreOrder failed: %v", err)
	}

	got := restored.View()
	if got.State != OrderStateSpawning || got.InstanceID != "sim-1" || got.Cloud != "sim" {
		t.Errorf("Unexpected restored view: %+v", got)
	}
	if got.LastError == nil || got.LastError.Code != ErrCodeQuotaExceeded {
		t.Errorf("Expected last error to be restored, got %+v", got.LastError)
	}
	if !IsTerminal(restored.LastError()) {
		t.Error("Expected restored error class to be terminal")
	}
	if got.Flavor == nil || got.Flavor.ID != "small" {
		t.Errorf("Expected flavor to be restored, got %+v", got.Flavor)
	}

	// Mutating the view must not leak into the order.
	view.Flavor.ID = "changed"
	if o.Flavor().ID != "small" {
		t.Error("Expected view to be a copy")
	}
}

func TestRestoreOrderRejectsUnknownState(t *testing.T) {
	o := newComputeOrder(t)
	view := o.View()
	view.State = "BOGUS"

	if _, err := RestoreOrder(view); err == nil {
		t.Fatal("Expected error for unknown state")
	}
}

func TestRequestDeletionOnce(t *testing.T) {
	o := newComputeOrder(t)

	if !o.RequestDeletion() {
		t.Fatal("Expected first request to be accepted")
	}
	if o.RequestDeletion() {
		t.Error("Expected second request to report already requested")
	}
	if !o.DeletionRequested() {
		t.Error("Expected deletion flag to be set")
	}
}

func TestNewErrorViewKeepsCause(t *testing.T) {
	capacity := NewNoAvailableResourcesError("no capacity in eu-west-1a", nil)
	exhausted := NewTerminalError("gave up after 3 attempts", fmt.Errorf("request: %w", capacity)).
		WithCode(ErrCodeRetriesExhausted)

	view := NewErrorView(exhausted)
	if view.Class != ErrorClassTerminal || view.Code != ErrCodeRetriesExhausted {
		t.Errorf("Expected terminal RETRIES_EXHAUSTED, got %+v", view)
	}
	if view.CauseClass != ErrorClassNoAvailableResources {
		t.Errorf("Expected cause class %s, got %q", ErrorClassNoAvailableResources, view.CauseClass)
	}
	if view.CauseCode != capacity.Code {
		t.Errorf("Expected cause code %q, got %q", capacity.Code, view.CauseCode)
	}

	if v := NewErrorView(capacity); v.CauseClass != "" || v.CauseCode != "" {
		t.Errorf("Expected no cause on an unwrapped error, got %+v", v)
	}
}

func TestNewErrorViewUnclassified(t *testing.T) {
	view := NewErrorView(errors.New("boom"))
	if view.Class != ErrorClassUnexpected || view.Code != "" {
		t.Errorf("Unexpected view: %+v", view)
	}
	if NewErrorView(nil) != nil {
		t.Error("Expected nil view for nil error")
	}
}
