// Package bus provides pub/sub messaging between VMS components using
// an embedded NATS server. Components publish state transitions here
// and the websocket feed relays them to connected clients.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects carried on the bus.
const (
	SubjectCameraState       = "cameras.state"
	SubjectSegmentFinalized  = "recordings.finalized"
	SubjectRecordingDeleted  = "recordings.deleted"
	SubjectRetentionComplete = "retention.completed"
	SubjectSystemHealth      = "system.health"
)

// Bus wraps an embedded NATS server plus a local connection.
// All methods are safe on a nil receiver so components can run without
// a bus in tests.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.Mutex
}

// Config configures the embedded server.
type Config struct {
	Host string
	Port int
}

// New starts an embedded NATS server and connects to it. A zero or
// taken port falls back to a random free one.
func New(cfg Config) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = server.RANDOM_PORT
	}

	logger := slog.Default().With("component", "bus")

	ns, err := server.NewServer(&server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after 2s")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}

	logger.Info("Event bus started", "url", ns.ClientURL())

	return &Bus{
		server: ns,
		conn:   nc,
		logger: logger,
		subs:   make(map[string][]*nats.Subscription),
	}, nil
}

// Publish marshals data to JSON and publishes it. Publish failures are
// logged and swallowed; the bus is advisory, never on the hot path.
func (b *Bus) Publish(subject string, data interface{}) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		b.logger.Error("Marshal event failed", "subject", subject, "error", err)
		return
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		b.logger.Error("Publish failed", "subject", subject, "error", err)
	}
}

// Subscribe registers a handler for a subject.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) error {
	if b == nil {
		return nil
	}
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return err
	}
	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()
	return nil
}

// SubscribeAll registers a handler for every VMS subject, delivering
// the raw JSON payload with its subject. Used by the websocket feed.
func (b *Bus) SubscribeAll(handler func(subject string, payload []byte)) error {
	if b == nil {
		return nil
	}
	for _, subject := range []string{
		SubjectCameraState, SubjectSegmentFinalized, SubjectRecordingDeleted,
		SubjectRetentionComplete, SubjectSystemHealth,
	} {
		if err := b.Subscribe(subject, func(msg *nats.Msg) {
			handler(msg.Subject, msg.Data)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Health verifies the local connection is still up.
func (b *Bus) Health(ctx context.Context) error {
	if b == nil {
		return nil
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats connection not active")
	}
	return nil
}

// Stop drains the connection and shuts the server down.
func (b *Bus) Stop() {
	if b == nil {
		return
	}
	b.subsMu.Lock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}
	b.subs = make(map[string][]*nats.Subscription)
	b.subsMu.Unlock()

	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}

// CameraStateEvent reports a camera state transition.
type CameraStateEvent struct {
	CameraID  string    `json:"camera_id"`
	ConnState string    `json:"connection_state"`
	RecState  string    `json:"recording_state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SegmentEvent reports an indexed or deleted segment.
type SegmentEvent struct {
	RecordingID string    `json:"recording_id"`
	CameraID    string    `json:"camera_id"`
	FilePath    string    `json:"file_path"`
	StartTime   time.Time `json:"start_time"`
	SizeBytes   int64     `json:"size_bytes"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RetentionEvent summarizes one retention run.
type RetentionEvent struct {
	Deleted    int       `json:"deleted"`
	Reclaimed  int64     `json:"reclaimed_bytes"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// PublishCameraState publishes a camera state transition.
func (b *Bus) PublishCameraState(cameraID, connState, recState, errMsg string) {
	b.Publish(SubjectCameraState, CameraStateEvent{
		CameraID:  cameraID,
		ConnState: connState,
		RecState:  recState,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

// PublishSegmentFinalized publishes a newly indexed segment.
func (b *Bus) PublishSegmentFinalized(recordingID, cameraID, path string, start time.Time, size int64) {
	b.Publish(SubjectSegmentFinalized, SegmentEvent{
		RecordingID: recordingID,
		CameraID:    cameraID,
		FilePath:    path,
		StartTime:   start,
		SizeBytes:   size,
		Timestamp:   time.Now().UTC(),
	})
}

// PublishRecordingDeleted publishes a removed recording.
func (b *Bus) PublishRecordingDeleted(recordingID, cameraID, path, reason string) {
	b.Publish(SubjectRecordingDeleted, SegmentEvent{
		RecordingID: recordingID,
		CameraID:    cameraID,
		FilePath:    path,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	})
}

// PublishRetentionCompleted publishes a retention run summary.
func (b *Bus) PublishRetentionCompleted(deleted int, reclaimed int64, took time.Duration) {
	b.Publish(SubjectRetentionComplete, RetentionEvent{
		Deleted:    deleted,
		Reclaimed:  reclaimed,
		DurationMS: took.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})
}
