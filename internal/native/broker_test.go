package native

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mschirtzinger/changeguard/internal/event"
)

func collect(t *testing.T, ch <-chan string) []string {
	t.Helper()

	var got []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, raw)
		case <-timeout:
			t.Fatalf("channel not closed; received %d items", len(got))
		}
	}
}

func TestBroker_DeliversQueuedAfterCancel(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, event.Filesystem)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	for i := 0; i < 50; i++ {
		b.Publish(event.Filesystem, fmt.Sprintf("Write: /f/%d", i))
	}
	cancel()

	// Nothing published after cancel may be delivered, but everything before
	// it must be, in order.
	deadline := time.Now().Add(time.Second)
	for b.Subscribers(event.Filesystem) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(event.Filesystem, "Write: /f/late")

	got := collect(t, ch)
	if len(got) != 50 {
		t.Fatalf("received %d notifications, want 50", len(got))
	}
	for i, raw := range got {
		if want := fmt.Sprintf("Write: /f/%d", i); raw != want {
			t.Fatalf("item %d = %q, want %q", i, raw, want)
		}
	}
}

func TestBroker_FamiliesAreIndependent(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs, _ := b.Subscribe(ctx, event.Filesystem)
	reg, _ := b.Subscribe(ctx, event.Registry)

	b.Publish(event.Registry, "UPDATED: x")
	b.Close()

	if got := collect(t, fs); len(got) != 0 {
		t.Errorf("filesystem subscriber got %v", got)
	}
	if got := collect(t, reg); len(got) != 1 {
		t.Errorf("registry subscriber got %v, want one item", got)
	}
	if _, err := b.Subscribe(ctx, event.Filesystem); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("Subscribe after Close error = %v, want ErrBrokerClosed", err)
	}
}

func TestTimeoutError(t *testing.T) {
	if err := TimeoutError(context.DeadlineExceeded); !errors.Is(err, ErrCallTimeout) {
		t.Errorf("deadline not mapped to ErrCallTimeout: %v", err)
	}
	plain := errors.New("boom")
	if err := TimeoutError(plain); err != plain {
		t.Errorf("TimeoutError changed unrelated error: %v", err)
	}
}
