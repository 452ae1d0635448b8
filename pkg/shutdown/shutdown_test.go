package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShutdownRunsHooksInReverseOrder(t *testing.T) {
	m := New(time.Second)
	var order []string
	m.Register("store", func(context.Context) error { order = append(order, "store"); return nil })
	m.Register("http", func(context.Context) error { order = append(order, "http"); return errors.New("busy") })

	errs := m.Shutdown()
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want one error", errs)
	}
	if len(order) != 2 || order[0] != "http" || order[1] != "store" {
		t.Errorf("order = %v, want [http store]", order)
	}

	select {
	case <-m.Done():
	default:
		t.Error("Done not closed after Shutdown")
	}

	// hooks run once
	if errs := m.Shutdown(); len(errs) != 0 || len(order) != 2 {
		t.Errorf("second Shutdown ran hooks again: %v %v", errs, order)
	}
}

func TestWaitWithContextTrigger(t *testing.T) {
	m := New(time.Second)
	ran := make(chan struct{})
	m.Register("hook", func(context.Context) error { close(ran); return nil })

	go m.Trigger()
	if err := m.WaitWithContext(context.Background()); err != nil {
		t.Fatalf("WaitWithContext: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("hook did not run")
	}
}

func TestWaitWithContextCancelled(t *testing.T) {
	m := New(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.WaitWithContext(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
