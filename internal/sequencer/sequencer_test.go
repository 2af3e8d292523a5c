package sequencer

import (
	"context"
	"testing"
	"time"
)

func TestSingleInFlightPerProvider(t *testing.T) {
	r := New(Config{})
	ctx := context.Background()

	s1, err := r.Enter(ctx, "openai", Normal)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}

	admitted := make(chan struct{})
	go func() {
		s2, err := r.Enter(ctx, "openai", Normal)
		if err != nil {
			t.Errorf("second enter: %v", err)
			return
		}
		close(admitted)
		r.Exit(s2)
	}()

	select {
	case <-admitted:
		t.Fatal("second waiter admitted while first still processing")
	case <-time.After(30 * time.Millisecond):
	}

	r.Exit(s1)
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("second waiter never admitted after exit")
	}
}

func TestPriorityOrdering(t *testing.T) {
	r := New(Config{})
	ctx := context.Background()

	// Hold the processing slot so B and A both queue behind it.
	holder, _ := r.Enter(ctx, "openai", Normal)

	order := make(chan string, 2)
	go func() {
		s, _ := r.Enter(ctx, "openai", Normal) // A
		order <- "A"
		r.Exit(s)
	}()
	time.Sleep(10 * time.Millisecond) // ensure A enqueues first
	go func() {
		s, _ := r.Enter(ctx, "openai", High) // B
		order <- "B"
		r.Exit(s)
	}()
	time.Sleep(10 * time.Millisecond)

	r.Exit(holder)

	first := <-order
	second := <-order
	if first != "B" || second != "A" {
		t.Fatalf("expected B before A, got %s then %s", first, second)
	}
}

func TestQueueTimeout(t *testing.T) {
	r := New(Config{})
	holder, _ := r.Enter(context.Background(), "openai", Normal)
	defer r.Exit(holder)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Enter(ctx, "openai", Normal)
	if err != ErrQueueTimeout {
		t.Fatalf("expected queue timeout, got %v", err)
	}
}

func TestModeSwitchToConcurrentDrains(t *testing.T) {
	r := New(Config{})
	ctx := context.Background()

	holder, _ := r.Enter(ctx, "openai", Normal)

	admitted := make(chan struct{})
	go func() {
		s, err := r.Enter(ctx, "openai", Normal)
		if err != nil {
			t.Errorf("enter: %v", err)
			return
		}
		close(admitted)
		r.Exit(s)
	}()
	time.Sleep(10 * time.Millisecond)

	r.SetMode("openai", false) // drain to concurrent

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be admitted on mode switch to concurrent")
	}
	r.Exit(holder)
}
