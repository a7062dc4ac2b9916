package dockerizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Infrastructure: embedded NATS, JetStream streams, consumers and KV
////////////////////////////////////////////////////////////////////////////////

func ensureKVBucket(
	ctx context.Context,
	js jetstream.JetStream,
	bucket string,
	history uint8,
	out *jetstream.KeyValue,
) error {
	var cfg jetstream.KeyValueConfig
	cfg.Bucket = bucket
	cfg.History = history

	createdKV, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			existingKV, getErr := js.KeyValue(ctx, bucket)
			if getErr != nil {
				return getErr
			}
			*out = existingKV
			return nil
		}
		return err
	}
	*out = createdKV
	return nil
}

// ensureBuildQueue creates the work-queue stream for build requests and the
// durable pull consumer every worker process shares.
func ensureBuildQueue(ctx context.Context, js jetstream.JetStream, q QueueConfig) (jetstream.Consumer, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      buildStreamName,
		Subjects:  []string{q.BuildQueue},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    buildStreamMaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", buildStreamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.AckWait,
		MaxDeliver:    workerDeliveryMaxDeliver,
		FilterSubject: q.BuildQueue,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", q.Consumer, err)
	}
	return consumer, nil
}

// roomSubject is the per-problem orchestrator queue, e.g. room-42.
func roomSubject(prefix string, problemID int64) string {
	return fmt.Sprintf("%s-%d", prefix, problemID)
}

func roomStreamName(subject string) string {
	var b strings.Builder
	b.WriteString(roomStreamPrefix)
	for _, r := range strings.ToUpper(subject) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// roomStreams creates a stream per room subject the first time it is used.
type roomStreams struct {
	js    jetstream.JetStream
	mu    sync.Mutex
	known map[string]struct{}
}

func newRoomStreams(js jetstream.JetStream) *roomStreams {
	return &roomStreams{js: js, known: map[string]struct{}{}}
}

func (r *roomStreams) ensure(ctx context.Context, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[subject]; ok {
		return nil
	}
	_, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      roomStreamName(subject),
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    roomStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("ensure room stream for %s: %w", subject, err)
	}
	r.known[subject] = struct{}{}
	return nil
}

// Publish sends one manifest to subject. msgID makes the broker drop
// duplicates published within its dedup window.
func (r *roomStreams) Publish(ctx context.Context, subject, msgID string, body []byte) error {
	if err := r.ensure(ctx, subject); err != nil {
		return err
	}
	if _, err := r.js.Publish(ctx, subject, body, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

type embeddedNATS struct {
	server   *server.Server
	url      string
	storeDir string
	cleanup  bool
}

func startEmbeddedNATS(storeDir natsStoreDirResolution) (*embeddedNATS, error) {
	dir := storeDir.storeDir
	if storeDir.isEphemeral {
		tmp, err := os.MkdirTemp("", "dockerizer-nats-*")
		if err != nil {
			return nil, err
		}
		dir = tmp
	} else if err := os.MkdirAll(dir, dirModePrivateRead); err != nil {
		return nil, err
	}
	var opts server.Options
	opts.ServerName = "embedded-dockerizer"
	opts.Host = "127.0.0.1"
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = dir
	opts.NoSigs = true

	ns, err := server.NewServer(&opts)
	if err != nil {
		if storeDir.isEphemeral {
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}
	ns.ConfigureLogger()
	ns.Start()
	if !ns.ReadyForConnections(defaultStartupWait) {
		ns.Shutdown()
		ns.WaitForShutdown()
		if storeDir.isEphemeral {
			_ = os.RemoveAll(dir)
		}
		return nil, errors.New("nats not ready")
	}
	return &embeddedNATS{server: ns, url: ns.ClientURL(), storeDir: dir, cleanup: storeDir.isEphemeral}, nil
}

func (e *embeddedNATS) Shutdown() {
	if e == nil {
		return
	}
	e.server.Shutdown()
	done := make(chan struct{})
	go func() {
		e.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaultStartupWait):
	}
	if e.cleanup {
		_ = os.RemoveAll(e.storeDir)
	}
}
