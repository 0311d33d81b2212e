package carbon

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Metric is one data point. Path is already sanitized; Timestamp is in
// unix seconds.
type Metric struct {
	Path      string  `json:"path"`
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// Protocol selects the wire encoding of the sink.
type Protocol int

const (
	// Plain is the carbon line protocol.
	Plain Protocol = iota
	// Pickle is the length framed carbon pickle protocol.
	Pickle
	// Dummy encodes like Plain and logs the payload instead of sending it.
	Dummy
)

var ErrUnknownProtocol = errors.New("carbon: unknown protocol")

// ParseProtocol maps a configuration value onto a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain":
		return Plain, nil
	case "pickle":
		return Pickle, nil
	case "dummy":
		return Dummy, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

func (p Protocol) String() string {
	switch p {
	case Plain:
		return "plain"
	case Pickle:
		return "pickle"
	case Dummy:
		return "dummy"
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

// encoder serializes one batch for the wire.
type encoder func(metrics []Metric) ([]byte, error)

func (p Protocol) encoder() (encoder, error) {
	switch p {
	case Plain, Dummy:
		return EncodePlain, nil
	case Pickle:
		return EncodePickle, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, p)
}

// EncodePlain renders "<path> <value> <timestamp>\n" per metric. Values use
// the shortest general decimal form; timestamps keep millisecond precision.
func EncodePlain(metrics []Metric) ([]byte, error) {
	var b bytes.Buffer
	for _, m := range metrics {
		b.WriteString(m.Path)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(m.Value, 'g', -1, 64))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(m.Timestamp, 'f', 3, 64))
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}
