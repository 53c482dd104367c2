package interrupt

import "testing"

func TestInitializeIsIdempotent(t *testing.T) {
	Initialize()
	Initialize()
	Initialize()
}

func TestTriggerAndReset(t *testing.T) {
	Reset()
	if Requested() {
		t.Fatal("flag should be clear after Reset")
	}

	Trigger()
	if !Requested() {
		t.Fatal("flag should be set after Trigger")
	}
	if !Requested() {
		t.Fatal("flag is observed, not consumed")
	}

	Reset()
	if Requested() {
		t.Fatal("flag should be clear after Reset")
	}
}
