// Package carbon buffers metric points and delivers them to a graphite
// carbon daemon over the plain or pickle protocol.
package carbon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/guarzo/apteligent-importer/common"
)

// DefaultMaxBuffer is used when SinkOptions.MaxBuffer is zero.
const DefaultMaxBuffer = 500

var ErrTransport = errors.New("carbon: failed to send data to graphite")

// SinkOptions configures NewSink.
type SinkOptions struct {
	Host     string
	Port     int
	Protocol Protocol
	// MaxBuffer is both the flush threshold and the largest batch sent
	// on one connection.
	MaxBuffer   int
	DialTimeout time.Duration
	// Spiller receives batches that could not be delivered. Nil drops them.
	Spiller Spiller
	Logger  common.Logger
	// Registerer receives the sink counters. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type sinkMetrics struct {
	submitted prometheus.Counter
	flushed   prometheus.Counter
	failed    prometheus.Counter
	spilled   prometheus.Counter
	buffered  prometheus.Gauge
}

func newSinkMetrics(reg prometheus.Registerer) *sinkMetrics {
	factory := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "apteligent_importer", Subsystem: "carbon", Name: name, Help: help}
	}
	return &sinkMetrics{
		submitted: factory.NewCounter(opts("metrics_submitted_total", "Metric points accepted into the buffer.")),
		flushed:   factory.NewCounter(opts("metrics_flushed_total", "Metric points delivered to carbon.")),
		failed:    factory.NewCounter(opts("flush_failures_total", "Flushes that failed in transport.")),
		spilled:   factory.NewCounter(opts("metrics_spilled_total", "Metric points written to the spill directory.")),
		buffered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "apteligent_importer", Subsystem: "carbon",
			Name: "metrics_buffered", Help: "Metric points waiting in the buffer.",
		}),
	}
}

// Sink is a bounded FIFO of metric points. Submit flushes synchronously
// once the buffer holds MaxBuffer points. Safe for concurrent use;
// concurrent flushes may interleave on the wire.
type Sink struct {
	protocol  Protocol
	addr      string
	maxBuffer int
	dialer    net.Dialer
	timeout   time.Duration
	encode    encoder
	transmit  func(ctx context.Context, payload []byte) error
	spiller   Spiller
	log       common.Logger
	metrics   *sinkMetrics

	mu  sync.Mutex
	buf []Metric
}

// NewSink resolves the protocol into its encoder and transport.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.MaxBuffer == 0 {
		opts.MaxBuffer = DefaultMaxBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.MaxBuffer < 0 {
		return nil, fmt.Errorf("carbon: max buffer %d must be positive", opts.MaxBuffer)
	}
	encode, err := opts.Protocol.encoder()
	if err != nil {
		return nil, err
	}

	s := &Sink{
		protocol:  opts.Protocol,
		maxBuffer: opts.MaxBuffer,
		dialer:    net.Dialer{Timeout: opts.DialTimeout},
		timeout:   opts.DialTimeout,
		encode:    encode,
		spiller:   opts.Spiller,
		log:       opts.Logger,
		metrics:   newSinkMetrics(opts.Registerer),
	}

	if opts.Protocol == Dummy {
		s.transmit = s.logPayload
	} else {
		if opts.Host == "" || opts.Port == 0 {
			return nil, fmt.Errorf("carbon: missing host and/or port for %s protocol", opts.Protocol)
		}
		s.addr = net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
		s.transmit = s.send
		s.log.Infof("Graphite connection created. Connection: %s Protocol: %s Max buffer: %d",
			s.addr, opts.Protocol, opts.MaxBuffer)
	}
	if opts.MaxBuffer > DefaultMaxBuffer {
		s.log.Warnf("max_buffer higher than %d could hurt performance", DefaultMaxBuffer)
	}
	return s, nil
}

func (s *Sink) Protocol() Protocol { return s.protocol }
func (s *Sink) MaxBuffer() int     { return s.maxBuffer }

// Len returns the number of buffered points.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Submit sanitizes path, buffers the point and flushes when the buffer is
// full. The returned error is the error of that flush, if any.
func (s *Sink) Submit(ctx context.Context, path []string, value float64, ts time.Time) error {
	m := Metric{
		Path:      Sanitize(path),
		Value:     value,
		Timestamp: float64(ts.UnixNano()) / float64(time.Second),
	}

	s.mu.Lock()
	s.buf = append(s.buf, m)
	full := len(s.buf) >= s.maxBuffer
	s.metrics.buffered.Set(float64(len(s.buf)))
	s.mu.Unlock()
	s.metrics.submitted.Inc()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// take removes up to maxBuffer points from the head of the buffer.
func (s *Sink) take() []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.buf)
	if n > s.maxBuffer {
		n = s.maxBuffer
	}
	if n == 0 {
		return nil
	}
	batch := make([]Metric, n)
	copy(batch, s.buf)
	s.buf = append(s.buf[:0], s.buf[n:]...)
	s.metrics.buffered.Set(float64(len(s.buf)))
	return batch
}

// Flush sends up to MaxBuffer of the oldest points, in submission order,
// over a fresh connection. An empty buffer sends nothing. A failed batch
// is handed to the Spiller and the error wraps ErrTransport.
func (s *Sink) Flush(ctx context.Context) error {
	batch := s.take()
	if len(batch) == 0 {
		s.log.Debugf("Nothing to flush")
		return nil
	}
	s.log.Infof("Removed %d metrics from queue", len(batch))

	payload, err := s.encode(batch)
	if err != nil {
		return fmt.Errorf("carbon: encode %d metrics: %w", len(batch), err)
	}

	if err := s.transmit(ctx, payload); err != nil {
		s.metrics.failed.Inc()
		s.log.Errorf("Failed to send data to graphite at %s: %v", s.addr, err)
		s.spill(batch)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	s.metrics.flushed.Add(float64(len(batch)))
	return nil
}

func (s *Sink) spill(batch []Metric) {
	if s.spiller == nil {
		s.log.Warnf("Dropped %d metrics, no spill directory configured", len(batch))
		return
	}
	where, err := s.spiller.Spill(batch)
	if err != nil {
		s.log.Errorf("Failed to spill %d metrics: %v", len(batch), err)
		return
	}
	s.metrics.spilled.Add(float64(len(batch)))
	s.log.Warnf("Spilled %d metrics to %s", len(batch), where)
}

// send writes the payload on a new TCP connection, closed on every path.
func (s *Sink) send(ctx context.Context, payload []byte) error {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if s.timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	if _, err := conn.Write(payload); err != nil {
		return err
	}
	s.log.Infof("Metrics successfully sent to graphite.")
	return nil
}

func (s *Sink) logPayload(_ context.Context, payload []byte) error {
	s.log.Infof("Dummy protocol:\nSTARTDATA\n%s\nENDDATA", payload)
	return nil
}
