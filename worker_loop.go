package dockerizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const fetchRetryWait = time.Second

type messageHandler interface {
	HandleMessage(ctx context.Context, data []byte) error
}

// runWorkerLoop pulls one build request at a time until ctx is done. A
// message that is already being handled is finished and acked first.
func runWorkerLoop(
	ctx context.Context,
	consumer jetstream.Consumer,
	handler messageHandler,
	q QueueConfig,
	workerLog sourceLogger,
) {
	workerLog.Infof("ready: queue=%s consumer=%s", q.BuildQueue, q.Consumer)
	for ctx.Err() == nil {
		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(q.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			workerLog.Warnf("fetch error: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(fetchRetryWait):
			}
			continue
		}
		for m := range batch.Messages() {
			handleWorkerMessage(ctx, m, handler, q.AckWait, workerLog)
		}
		if batchErr := batch.Error(); batchErr != nil && !isFetchTimeout(batchErr) {
			workerLog.Warnf("fetch batch error: %v", batchErr)
		}
	}
	workerLog.Infof("stopped")
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// handleWorkerMessage acks exactly once, whatever the outcome. With
// MaxDeliver=1 a failed delivery is reported and never retried.
func handleWorkerMessage(
	ctx context.Context,
	m jetstream.Msg,
	handler messageHandler,
	ackWait time.Duration,
	workerLog sourceLogger,
) {
	stop := startHeartbeat(m, ackWait, workerLog)
	// Shutdown must not cut a build short; the step timeouts bound it instead.
	handleErr := handler.HandleMessage(context.WithoutCancel(ctx), m.Data())
	stop()
	if handleErr != nil {
		workerLog.Debugf("delivery finished with error: %v", handleErr)
	}
	if ackErr := m.Ack(); ackErr != nil {
		workerLog.Errorf("ack failed subject=%s: %v", m.Subject(), ackErr)
	}
}

// startHeartbeat keeps the delivery from expiring while it is worked on.
func startHeartbeat(m jetstream.Msg, ackWait time.Duration, workerLog sourceLogger) (stop func()) {
	interval := ackWait / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := m.InProgress(); err != nil {
					workerLog.Warnf("in-progress heartbeat failed: %v", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
