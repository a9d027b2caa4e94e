package live

import (
	"context"
	"sync"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/metrics"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
)

// Loader produces the current full snapshot.
type Loader[T any] func(ctx context.Context) (T, error)

// Subscription delivers snapshots on C until Cancel is called or the parent
// context ends. Only the newest undelivered snapshot is kept.
type Subscription[T any] struct {
	C      <-chan T
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Cancel stops the subscription and waits for its goroutine to exit.
func (s *Subscription[T]) Cancel() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the subscription has stopped.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// WatchOptions tune a subscription.
type WatchOptions struct {
	// Resync reloads on a timer even without events. Zero disables it.
	Resync time.Duration
	// Timeout bounds each load. Zero means no extra bound.
	Timeout time.Duration
}

// Watch subscribes to topic and emits load's result initially and after every
// change event. A failed load is logged and the previous snapshot stands.
func Watch[T any](ctx context.Context, b *Broker, topic string, load Loader[T], opts WatchOptions) (*Subscription[T], error) {
	ctx, cancel := context.WithCancel(ctx)
	events, err := b.Events(ctx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan T, 1)
	sub := &Subscription[T]{C: out, cancel: cancel, done: make(chan struct{})}

	family := topicFamily(topic)
	metrics.LiveSubscriptions.WithLabelValues(family).Inc()

	go func() {
		defer close(sub.done)
		defer close(out)
		defer metrics.LiveSubscriptions.WithLabelValues(family).Dec()

		var tick <-chan time.Time
		if opts.Resync > 0 {
			ticker := time.NewTicker(opts.Resync)
			defer ticker.Stop()
			tick = ticker.C
		}

		reload := func() {
			loadCtx := ctx
			if opts.Timeout > 0 {
				var cancelLoad context.CancelFunc
				loadCtx, cancelLoad = context.WithTimeout(ctx, opts.Timeout)
				defer cancelLoad()
			}
			snap, err := load(loadCtx)
			if err != nil {
				if ctx.Err() == nil {
					logging.Warn().Err(err).Str("topic", topic).Msg("live snapshot load failed")
				}
				return
			}
			deliverLatest(out, snap)
		}

		reload()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				drain(events)
				reload()
			case <-tick:
				reload()
			}
		}
	}()

	return sub, nil
}

// deliverLatest replaces any undelivered snapshot with snap.
func deliverLatest[T any](out chan T, snap T) {
	for {
		select {
		case out <- snap:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

// drain coalesces a burst of queued events into one reload.
func drain(events <-chan []byte) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
