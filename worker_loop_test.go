//nolint:testpackage // Queue loop tests drive the unexported pull loop against an embedded broker.
package dockerizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type natsFixture struct {
	nc    *nats.Conn
	js    jetstream.JetStream
	close func()
}

func newNATSFixture(t *testing.T) *natsFixture {
	t.Helper()

	ns, err := startEmbeddedNATS(resolveNATSStoreDir(natsStoreDirModeTemp))
	if err != nil {
		t.Skipf("embedded nats unavailable: %v", err)
	}
	nc, err := nats.Connect(ns.url, nats.Name("dockerizer-test"))
	if err != nil {
		ns.Shutdown()
		t.Skipf("nats connect unavailable: %v", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		t.Skipf("jetstream setup unavailable: %v", err)
	}
	f := &natsFixture{
		nc: nc,
		js: js,
		close: func() {
			nc.Close()
			ns.Shutdown()
		},
	}
	t.Cleanup(f.close)
	return f
}

type recordingHandler struct {
	mu    sync.Mutex
	seen  [][]byte
	err   error
	delay time.Duration
	done  chan struct{}
}

func newRecordingHandler(err error) *recordingHandler {
	return &recordingHandler{err: err, done: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleMessage(ctx context.Context, data []byte) error {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
		}
	}
	h.mu.Lock()
	h.seen = append(h.seen, append([]byte(nil), data...))
	h.mu.Unlock()
	h.done <- struct{}{}
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func testQueueConfig(name string) QueueConfig {
	return QueueConfig{
		BuildQueue: name,
		RoomPrefix: defaultRoomQueuePrefix,
		Consumer:   "test-workers",
		AckWait:    900 * time.Millisecond,
		FetchWait:  200 * time.Millisecond,
	}
}

func runLoopInBackground(t *testing.T, consumer jetstream.Consumer, h messageHandler, q QueueConfig) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		runWorkerLoop(ctx, consumer, h, q, nopAppLogger().Source("queue"))
	}()
	return func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Errorf("worker loop did not stop")
		}
	}
}

func waitDelivered(t *testing.T, h *recordingHandler) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func waitConsumerIdle(t *testing.T, consumer jetstream.Consumer) *jetstream.ConsumerInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := consumer.Info(context.Background())
		if err != nil {
			t.Fatalf("consumer info: %v", err)
		}
		if info.NumAckPending == 0 && info.NumPending == 0 {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("consumer still busy: pending=%d ack_pending=%d", info.NumPending, info.NumAckPending)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func buildStreamMsgs(t *testing.T, js jetstream.JetStream) uint64 {
	t.Helper()
	stream, err := js.Stream(context.Background(), buildStreamName)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	info, err := stream.Info(context.Background())
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	return info.State.Msgs
}

func TestWorkerLoopAcksSuccessfulDelivery(t *testing.T) {
	f := newNATSFixture(t)
	q := testQueueConfig("builds-ok")
	consumer, err := ensureBuildQueue(context.Background(), f.js, q)
	if err != nil {
		t.Fatalf("ensure build queue: %v", err)
	}
	h := newRecordingHandler(nil)
	stop := runLoopInBackground(t, consumer, h, q)
	defer stop()

	if _, err := f.js.Publish(context.Background(), q.BuildQueue, []byte(`{"submission_id": 7}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitDelivered(t, h)
	waitConsumerIdle(t, consumer)

	if left := buildStreamMsgs(t, f.js); left != 0 {
		t.Fatalf("expected acked message to leave the work queue, %d left", left)
	}
}

func TestWorkerLoopNeverRedeliversFailedDelivery(t *testing.T) {
	f := newNATSFixture(t)
	q := testQueueConfig("builds-failing")
	consumer, err := ensureBuildQueue(context.Background(), f.js, q)
	if err != nil {
		t.Fatalf("ensure build queue: %v", err)
	}
	h := newRecordingHandler(errors.New("build exploded"))
	stop := runLoopInBackground(t, consumer, h, q)
	defer stop()

	if _, err := f.js.Publish(context.Background(), q.BuildQueue, []byte(`{"code_id": 3, "reference": "main"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitDelivered(t, h)
	waitConsumerIdle(t, consumer)

	// Longer than AckWait: a redelivery would have shown up by now.
	time.Sleep(2 * q.AckWait)
	if got := h.count(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestWorkerLoopHeartbeatOutlivesAckWait(t *testing.T) {
	f := newNATSFixture(t)
	q := testQueueConfig("builds-slow")
	consumer, err := ensureBuildQueue(context.Background(), f.js, q)
	if err != nil {
		t.Fatalf("ensure build queue: %v", err)
	}
	h := newRecordingHandler(nil)
	h.delay = 3 * q.AckWait
	stop := runLoopInBackground(t, consumer, h, q)
	defer stop()

	if _, err := f.js.Publish(context.Background(), q.BuildQueue, []byte(`{"submission_id": 9}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitDelivered(t, h)
	waitConsumerIdle(t, consumer)
	// Without heartbeats the delivery expires and the late ack is dropped.
	if left := buildStreamMsgs(t, f.js); left != 0 {
		t.Fatalf("expected ack after a slow build to be accepted, %d left", left)
	}
	if got := h.count(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestWorkerLoopStopsOnContextCancel(t *testing.T) {
	f := newNATSFixture(t)
	q := testQueueConfig("builds-idle")
	consumer, err := ensureBuildQueue(context.Background(), f.js, q)
	if err != nil {
		t.Fatalf("ensure build queue: %v", err)
	}
	stop := runLoopInBackground(t, consumer, newRecordingHandler(nil), q)
	stop()
}
