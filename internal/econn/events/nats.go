package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	// NOTE: uncomment when adding the NATS dependency.
	// "encoding/json"
	// "sync"
	// "github.com/nats-io/nats.go"
	// "github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher publishes connection lifecycle events to NATS
// JetStream. Sketch implementation: uncomment the imports and the
// block below to activate it.
type NATSPublisher struct {
	// Fields live in the commented-out implementation below. When
	// enabling NATS, uncomment the imports and add:
	//   js       jetstream.JetStream
	//   conn     *nats.Conn
	//   stream   string
	//   logger   *slog.Logger
	//   asyncCh  chan Event
	//   asyncWg  sync.WaitGroup
	//   closedMu sync.RWMutex
	//   closed   bool
}

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string // default: "econn"
	AsyncBufferSize int
	ConnectTimeout  time.Duration
	MaxReconnects   int
	ReconnectWait   time.Duration
	CredsFile       string
	Token           string
}

// DefaultNATSConfig returns sensible defaults for a signaling
// workload.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             "nats://localhost:4222",
		StreamName:      "ECONN_EVENTS",
		SubjectPrefix:   "econn",
		AsyncBufferSize: 10000,
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
	}
}

// StreamConfig returns the recommended JetStream stream configuration
// for connection events.
func StreamConfig(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":              name,
		"subjects":          []string{"econn.connections.>"},
		"retention":         "limits",
		"max_age":           7 * 24 * time.Hour,
		"discard":           "old",
		"storage":           "file",
		"num_replicas":      1,
		"duplicate_window":  5 * time.Minute,
		"allow_rollup_hdrs": true,
	}
}

/*
// NewNATSPublisher creates a NATS JetStream publisher. Uncomment when
// adding the NATS dependency.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("econn-events"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("econn: NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("econn: NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	} else if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("econn: connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("econn: create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{"econn.connections.>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("econn: create stream: %w", err)
	}

	bufSize := cfg.AsyncBufferSize
	if bufSize <= 0 {
		bufSize = 10000
	}
	p := &NATSPublisher{js: js, conn: conn, stream: cfg.StreamName, logger: logger, asyncCh: make(chan Event, bufSize)}
	p.asyncWg.Add(1)
	go p.asyncPublisher()
	return p, nil
}

func (p *NATSPublisher) asyncPublisher() {
	defer p.asyncWg.Done()
	for event := range p.asyncCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Publish(ctx, event); err != nil {
			p.logger.Warn("econn: async publish failed", "error", err, "type", event.Type())
		}
		cancel()
	}
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("econn: marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, event.Subject(), data)
	if err != nil {
		return fmt.Errorf("econn: publish to %s: %w", event.Subject(), err)
	}
	return nil
}

func (p *NATSPublisher) PublishAsync(event Event) {
	p.closedMu.RLock()
	if p.closed {
		p.closedMu.RUnlock()
		return
	}
	p.closedMu.RUnlock()
	select {
	case p.asyncCh <- event:
	default:
		p.logger.Warn("econn: async publish buffer full, event dropped", "type", event.Type())
	}
}

func (p *NATSPublisher) Flush(ctx context.Context) error {
	p.closedMu.Lock()
	p.closed = true
	p.closedMu.Unlock()
	close(p.asyncCh)
	p.asyncWg.Wait()
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("econn: flush failed during close", "error", err)
	}
	p.conn.Close()
	return nil
}
*/

// NewNATSPublisher is a placeholder: NATS support is sketched above
// but not compiled in.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	return nil, fmt.Errorf("econn: NATS support not compiled in; uncomment nats.go")
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	return fmt.Errorf("econn: NATS support not compiled in")
}

func (p *NATSPublisher) PublishAsync(event Event) {}

func (p *NATSPublisher) Flush(ctx context.Context) error { return nil }

func (p *NATSPublisher) Close() error { return nil }
