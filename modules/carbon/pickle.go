package carbon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	ogórek "github.com/kisielk/og-rek"
)

const (
	pickleProtocol  = 2
	frameHeaderSize = 4
)

var ErrMalformedPickle = errors.New("carbon: malformed pickle payload")

// EncodePickle renders a 4-byte big-endian length header followed by a
// protocol 2 pickle of [(path, (timestamp, value)), ...]. Paths are
// written as unicode so python 3 receivers load them without an encoding.
func EncodePickle(metrics []Metric) ([]byte, error) {
	items := make([]interface{}, 0, len(metrics))
	for _, m := range metrics {
		items = append(items, ogórek.Tuple{m.Path, ogórek.Tuple{m.Timestamp, m.Value}})
	}

	var body bytes.Buffer
	enc := ogórek.NewEncoderWithConfig(&body, &ogórek.EncoderConfig{
		Protocol:      pickleProtocol,
		StrictUnicode: true,
	})
	if err := enc.Encode(items); err != nil {
		return nil, fmt.Errorf("carbon: pickling %d metrics: %w", len(metrics), err)
	}

	if uint64(body.Len()) > math.MaxUint32 {
		return nil, fmt.Errorf("carbon: pickle payload of %d bytes too large", body.Len())
	}
	out := make([]byte, frameHeaderSize, frameHeaderSize+body.Len())
	binary.BigEndian.PutUint32(out, uint32(body.Len()))
	return append(out, body.Bytes()...), nil
}

// DecodePickle reverses EncodePickle: it checks the length header and
// returns the metrics in payload order. Byte string paths, as python 2
// clients send them, are accepted too.
func DecodePickle(frame []byte) ([]Metric, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("%w: short frame", ErrMalformedPickle)
	}
	size := binary.BigEndian.Uint32(frame)
	body := frame[frameHeaderSize:]
	if uint64(size) != uint64(len(body)) {
		return nil, fmt.Errorf("%w: header says %d bytes, got %d", ErrMalformedPickle, size, len(body))
	}

	dec := ogórek.NewDecoderWithConfig(bytes.NewReader(body), &ogórek.DecoderConfig{StrictUnicode: true})
	top, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPickle, err)
	}
	list, ok := top.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T, want list", ErrMalformedPickle, top)
	}

	metrics := make([]Metric, 0, len(list))
	for i, item := range list {
		m, err := metricFromTuple(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

func metricFromTuple(item interface{}) (Metric, error) {
	outer, ok := item.(ogórek.Tuple)
	if !ok || len(outer) != 2 {
		return Metric{}, fmt.Errorf("%w: want (path, (timestamp, value))", ErrMalformedPickle)
	}
	var path string
	switch p := outer[0].(type) {
	case string:
		path = p
	case ogórek.ByteString:
		path = string(p)
	default:
		return Metric{}, fmt.Errorf("%w: path is %T", ErrMalformedPickle, outer[0])
	}
	point, ok := outer[1].(ogórek.Tuple)
	if !ok || len(point) != 2 {
		return Metric{}, fmt.Errorf("%w: want (timestamp, value) for %s", ErrMalformedPickle, path)
	}
	ts, err := number(point[0])
	if err != nil {
		return Metric{}, fmt.Errorf("timestamp of %s: %w", path, err)
	}
	value, err := number(point[1])
	if err != nil {
		return Metric{}, fmt.Errorf("value of %s: %w", path, err)
	}
	return Metric{Path: path, Value: value, Timestamp: ts}, nil
}

func number(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%w: %T is not a number", ErrMalformedPickle, v)
}
