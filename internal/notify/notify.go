// Package notify pushes one-way notifications about instance lifecycle
// events to external channels. Delivery is fire-and-forget: failures are
// logged and never block or fail the pipeline.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"argus-soar/internal/playbook"
)

// Notification is the payload delivered to channels.
type Notification struct {
	Event     string            `json:"event"`
	Instance  playbook.Snapshot `json:"instance"`
	Timestamp time.Time         `json:"timestamp"`
}

// Channel delivers notifications to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Dispatcher fans notifications out to all configured channels, each on
// its own goroutine.
type Dispatcher struct {
	channels []Channel
	logger   *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(channels []Channel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		channels: channels,
		logger:   logger.With("component", "notify"),
		timeout:  10 * time.Second,
	}
}

// InstanceEvent implements playbook.Notifier.
func (d *Dispatcher) InstanceEvent(_ context.Context, event string, snap playbook.Snapshot) {
	n := &Notification{
		Event:     event,
		Instance:  snap,
		Timestamp: time.Now().UTC(),
	}

	for _, ch := range d.channels {
		d.wg.Add(1)
		go func(ch Channel) {
			defer d.wg.Done()

			sendCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()

			if err := ch.Send(sendCtx, n); err != nil {
				d.logger.Error("notification delivery failed",
					"channel", ch.Name(),
					"event", event,
					"instance_id", snap.ID,
					"error", err)
			}
		}(ch)
	}
}

// Flush waits for in-flight deliveries, for shutdown.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}
