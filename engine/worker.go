package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/engine/storage"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/topic"

	"github.com/goccy/go-json"
	"github.com/micromdm/nanolib/log"
)

const DefaultDuration = time.Minute

// StuckChannel is the channel of ServiceID stuck events are published on.
const StuckChannel = "status/stuck"

// StuckEvent is published when a command exceeded the timeout of its state.
type StuckEvent struct {
	Topic   string    `json:"topic"`
	Status  string    `json:"status"`
	Since   time.Time `json:"since"`
	Timeout string    `json:"timeout"`
}

// StuckNotifier is told about stuck commands.
type StuckNotifier interface {
	NotifyStuck(ctx context.Context, c *storage.Command) error
}

// Worker polls the storage backend on an interval for commands that
// exceeded the timeout of their state. Stuck commands are flagged and
// reported but their state is left alone: only the participant owning
// the state (or a requester) may move it on.
type Worker struct {
	storage  storage.WorkerStorage
	pub      bus.Publisher
	notifier StuckNotifier
	metrics  *Metrics
	logger   log.Logger
	schema   topic.Schema

	// duration is the interval at which the worker will wake up to
	// continue polling the storage backend for stale commands.
	duration time.Duration
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerDuration configures the polling interval for the worker.
func WithWorkerDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.duration = d
	}
}

// WithWorkerRoot configures the topic root prefix of published events.
func WithWorkerRoot(root string) WorkerOption {
	return func(w *Worker) {
		w.schema = topic.NewSchema(root)
	}
}

// WithStuckNotifier configures an additional receiver of stuck commands.
func WithStuckNotifier(n StuckNotifier) WorkerOption {
	return func(w *Worker) {
		w.notifier = n
	}
}

// WithWorkerMetrics records stuck commands.
func WithWorkerMetrics(m *Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

func NewWorker(storage storage.WorkerStorage, pub bus.Publisher, opts ...WorkerOption) *Worker {
	w := &Worker{
		storage:  storage,
		pub:      pub,
		logger:   log.NopLogger,
		schema:   topic.NewSchema(""),
		duration: DefaultDuration,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(logkeys.Message, msg, logkeys.Error, err)
	return fmt.Errorf("%s: %w", msg, err)
}

// RunOnce runs the processes of the worker and logs errors.
func (w *Worker) RunOnce(ctx context.Context) error {
	if err := w.processStale(ctx, time.Now()); err != nil {
		return logAndError(err, w.logger, "processing stale commands")
	}
	return nil
}

// Run starts and runs the worker forever on an interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(logkeys.Message, "starting worker", "duration", w.duration)

	ticker := time.NewTicker(w.duration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) processStale(ctx context.Context, now time.Time) error {
	cmds, err := w.storage.RetrieveStaleCommands(ctx, now)
	if err != nil {
		return fmt.Errorf("retrieving stale commands: %w", err)
	}

	for _, c := range cmds {
		t := w.schema.Command(c.Target, c.Operation, c.ID)
		logger := w.logger.With(
			logkeys.Message, "command stuck",
			logkeys.Topic, t,
			logkeys.Status, c.Status,
			logkeys.Attempt, c.Attempt,
		)
		if err = w.storage.MarkStuck(ctx, c.CommandKey); err != nil {
			logger.Info(logkeys.Error, fmt.Errorf("marking stuck: %w", err))
			continue
		}
		logger.Info(logkeys.Error, fmt.Errorf("%w: no progress since %s", ErrStale, c.Updated.Format(time.RFC3339)))
		w.metrics.stuck(c.Operation)

		ev, err := json.Marshal(&StuckEvent{
			Topic:   t,
			Status:  c.Status,
			Since:   c.Updated,
			Timeout: c.Timeout.String(),
		})
		if err != nil {
			logger.Info(logkeys.Error, fmt.Errorf("encoding event: %w", err))
			continue
		}
		err = w.pub.Publish(ctx, &bus.Message{
			Topic:   w.schema.Channel(ServiceID, StuckChannel),
			Payload: ev,
			QoS:     bus.DefaultQoS,
		})
		if err != nil {
			logger.Info(logkeys.Error, fmt.Errorf("publishing event: %w", err))
		}

		if w.notifier != nil {
			if err = w.notifier.NotifyStuck(ctx, c); err != nil {
				logger.Info(logkeys.Error, fmt.Errorf("notifying: %w", err))
			}
		}
	}
	return nil
}
