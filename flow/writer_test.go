package flow_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vornlabs/remoting/flow"
)

func TestWriterAppliesInOrder(t *testing.T) {
	w := flow.NewWriter(1)
	var order []uint64

	done2 := make(chan error, 1)
	go func() {
		done2 <- w.Submit(2, func() error {
			order = append(order, 2)
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done2:
		t.Fatal("Submit(2) applied before Submit(1)")
	default:
	}

	if err := w.Submit(1, func() error {
		order = append(order, 1)
		return nil
	}); err != nil {
		t.Fatalf("Submit(1): %v", err)
	}

	select {
	case err := <-done2:
		if err != nil {
			t.Fatalf("Submit(2): %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit(2) never unblocked after Submit(1)")
	}

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("application order: got %v, want [1 2]", order)
	}
}

func TestWriterRejectsStaleID(t *testing.T) {
	w := flow.NewWriter(1)
	if err := w.Submit(1, func() error { return nil }); err != nil {
		t.Fatalf("Submit(1): %v", err)
	}
	applied := false
	err := w.Submit(1, func() error { applied = true; return nil })
	if err == nil {
		t.Fatal("Submit with a duplicate id: got nil error")
	}
	if applied {
		t.Error("Submit with a duplicate id called apply")
	}
}

func TestWriterKillUnblocksWaitersWithoutApplying(t *testing.T) {
	w := flow.NewWriter(1)
	applied := false
	errc := make(chan error, 1)
	go func() {
		errc <- w.Submit(5, func() error { applied = true; return nil })
	}()

	time.Sleep(10 * time.Millisecond)
	cause := errors.New("channel closed")
	w.Kill(cause)

	select {
	case err := <-errc:
		if !errors.Is(err, cause) {
			t.Errorf("Submit after Kill: got %v, want %v", err, cause)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit never unblocked after Kill")
	}
	if applied {
		t.Error("Submit called apply after Kill")
	}

	if err := w.Submit(6, func() error { return nil }); !errors.Is(err, cause) {
		t.Errorf("Submit after Kill: got %v, want %v", err, cause)
	}
}

func TestWriterWaitDoesNotApply(t *testing.T) {
	w := flow.NewWriter(1)
	applied := false

	waitErr := make(chan error, 1)
	go func() { waitErr <- w.Wait(2) }()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-waitErr:
		t.Fatal("Wait(2) returned before ioId 2 was applied")
	default:
	}

	if err := w.Submit(1, func() error { return nil }); err != nil {
		t.Fatalf("Submit(1): %v", err)
	}
	if err := w.Submit(2, func() error { applied = true; return nil }); err != nil {
		t.Fatalf("Submit(2): %v", err)
	}

	select {
	case err := <-waitErr:
		if err != nil {
			t.Fatalf("Wait(2): %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait(2) never unblocked")
	}
	if !applied {
		t.Error("Submit(2) never ran its apply function")
	}
	if got, want := w.Next(), uint64(3); got != want {
		t.Errorf("Next: got %d, want %d", got, want)
	}
}

func TestWriterWaitForAlreadyAppliedID(t *testing.T) {
	w := flow.NewWriter(1)
	if err := w.Submit(1, func() error { return nil }); err != nil {
		t.Fatalf("Submit(1): %v", err)
	}
	if err := w.Wait(1); err != nil {
		t.Fatalf("Wait(1): %v", err)
	}
	if err := w.Wait(0); err != nil {
		t.Fatalf("Wait(0): %v", err)
	}
}
