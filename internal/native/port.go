// Package native defines the boundary to the native monitoring service.
//
// The service is modeled as two ports:
//
//   - EventSource streams raw change notifications, one ordered channel per
//     event family
//   - CommandPort issues the imperative calls that change or query what the
//     service observes
//
// Adapters live in the local (fsnotify) and remote (WebSocket) sub-packages;
// nativetest provides a scripted fake.
package native

import (
	"context"
	"errors"

	"github.com/mschirtzinger/changeguard/internal/event"
)

var (
	// ErrServiceUnavailable is returned when the native service cannot be
	// reached or the connection dropped while a call was in flight.
	ErrServiceUnavailable = errors.New("native service unavailable")

	// ErrUnsupported is returned for families an adapter does not implement.
	ErrUnsupported = errors.New("operation not supported by native service")

	// ErrCallTimeout is returned when a call exceeds its deadline.
	ErrCallTimeout = errors.New("native call timed out")
)

// EventSource delivers raw notifications.
type EventSource interface {
	// Subscribe returns a channel of raw notification blocks for family in
	// the order the service emitted them. Cancelling ctx unsubscribes; the
	// channel is closed only after every notification already queued for the
	// subscriber has been delivered.
	Subscribe(ctx context.Context, family event.Family) (<-chan string, error)
}

// CommandPort issues calls that change or query the watch state.
type CommandPort interface {
	// StartObserving asks the service to begin watching identity.
	StartObserving(ctx context.Context, family event.Family, identity string) error

	// StopObserving asks the service to stop watching identity.
	StopObserving(ctx context.Context, family event.Family, identity string) error

	// ListActiveWatches returns the authoritative set of watched identities.
	ListActiveWatches(ctx context.Context, family event.Family) ([]string, error)

	// IsServiceRunning reports whether the family's monitor is active.
	IsServiceRunning(ctx context.Context, family event.Family) (bool, error)
}

// Service is a complete native service.
type Service interface {
	EventSource
	CommandPort
}

// Closer is implemented by services holding OS or network resources.
type Closer interface {
	Close() error
}

// TimeoutError converts a context deadline into ErrCallTimeout, leaving other
// errors untouched.
func TimeoutError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrCallTimeout) {
		return errors.Join(ErrCallTimeout, err)
	}
	return err
}
