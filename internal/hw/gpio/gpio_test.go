package gpio

import "testing"

func TestMockDriver_RemembersLevels(t *testing.T) {
	d := &MockDriver{}
	if err := d.SetupPin(18, Output); err != nil {
		t.Fatalf("SetupPin: %v", err)
	}
	if lvl, _ := d.ReadPin(18); lvl != Low {
		t.Errorf("unwritten pin = %v, want Low", lvl)
	}
	if err := d.WritePin(18, High); err != nil {
		t.Fatalf("WritePin: %v", err)
	}
	if lvl, _ := d.ReadPin(18); lvl != High {
		t.Errorf("pin 18 = %v, want High", lvl)
	}
	if lvl, _ := d.ReadPin(17); lvl != Low {
		t.Errorf("pin 17 = %v, want Low", lvl)
	}
}

func TestNewDriver_Mock(t *testing.T) {
	d, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(mock): %v", err)
	}
	if _, ok := d.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) returned %T, want *MockDriver", d)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
