package carbon_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/guarzo/apteligent-importer/common/store"
	"github.com/guarzo/apteligent-importer/modules/carbon"
)

// carbonServer accepts connections and hands over everything each one
// sent, one payload per connection.
func carbonServer(t *testing.T) (host string, port int, payloads <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan []byte, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			data, _ := io.ReadAll(conn)
			conn.Close()
			ch <- data
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, ch
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func receive(t *testing.T, payloads <-chan []byte) []byte {
	t.Helper()
	select {
	case p := <-payloads:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no payload received")
		return nil
	}
}

func assertNothingReceived(t *testing.T, payloads <-chan []byte) {
	t.Helper()
	select {
	case p := <-payloads:
		t.Fatalf("unexpected payload %q", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

var ts = time.Unix(1700000000, 0)

func TestSink_ExplicitFlushBelowThreshold(t *testing.T) {
	host, port, payloads := carbonServer(t)
	sink, err := carbon.NewSink(carbon.SinkOptions{
		Host: host, Port: port, Protocol: carbon.Plain, MaxBuffer: 5,
		Logger: zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i, name := range []string{"first", "second", "third"} {
		require.NoError(t, sink.Submit(ctx, []string{"root", name}, float64(i), ts))
	}
	assertNothingReceived(t, payloads)
	assert.Equal(t, 3, sink.Len())

	require.NoError(t, sink.Flush(ctx))
	assert.Equal(t,
		"root.first 0 1700000000.000\nroot.second 1 1700000000.000\nroot.third 2 1700000000.000\n",
		string(receive(t, payloads)))
	assert.Equal(t, 0, sink.Len())
}

func TestSink_FlushesWhenFull(t *testing.T) {
	host, port, payloads := carbonServer(t)
	sink, err := carbon.NewSink(carbon.SinkOptions{Host: host, Port: port, Protocol: carbon.Plain, MaxBuffer: 5})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, sink.Submit(ctx, []string{"root", "m"}, float64(i), ts))
	}
	assertNothingReceived(t, payloads)

	require.NoError(t, sink.Submit(ctx, []string{"root", "m"}, 4, ts))
	lines := strings.Split(strings.TrimSuffix(string(receive(t, payloads)), "\n"), "\n")
	require.Len(t, lines, 5)
	for i, line := range lines {
		assert.True(t, strings.HasPrefix(line, "root.m "+string(rune('0'+i))+" "), line)
	}
	assert.Equal(t, 0, sink.Len())
}

func TestSink_EmptyFlushDoesNotConnect(t *testing.T) {
	sink, err := carbon.NewSink(carbon.SinkOptions{Host: "127.0.0.1", Port: closedPort(t), Protocol: carbon.Plain})
	require.NoError(t, err)
	require.NoError(t, sink.Flush(context.Background()))
}

func TestSink_Pickle(t *testing.T) {
	host, port, payloads := carbonServer(t)
	sink, err := carbon.NewSink(carbon.SinkOptions{Host: host, Port: port, Protocol: carbon.Pickle, MaxBuffer: 10})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Submit(ctx, []string{"root", "My App", "live", "crashes"}, 7, ts))
	require.NoError(t, sink.Submit(ctx, []string{"root", "My App", "live", "appLoads"}, 1200, ts.Add(10*time.Second)))
	require.NoError(t, sink.Flush(ctx))

	decoded, err := carbon.DecodePickle(receive(t, payloads))
	require.NoError(t, err)
	assert.Equal(t, []carbon.Metric{
		{Path: "root.My_App.live.crashes", Value: 7, Timestamp: 1700000000},
		{Path: "root.My_App.live.appLoads", Value: 1200, Timestamp: 1700000010},
	}, decoded)
}

func TestSink_TransportFailureSpills(t *testing.T) {
	reg := prometheus.NewRegistry()
	spillDir := t.TempDir()
	sink, err := carbon.NewSink(carbon.SinkOptions{
		Host: "127.0.0.1", Port: closedPort(t), Protocol: carbon.Plain, MaxBuffer: 10,
		DialTimeout: time.Second,
		Spiller:     carbon.NewDirSpiller(spillDir, store.Options{}),
		Registerer:  reg,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Submit(ctx, []string{"root", "a"}, 1, ts))
	require.NoError(t, sink.Submit(ctx, []string{"root", "b"}, 2, ts))

	err = sink.Flush(ctx)
	require.ErrorIs(t, err, carbon.ErrTransport)
	assert.Equal(t, 0, sink.Len(), "the failed batch is not retried")

	entries, err := os.ReadDir(spillDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".json", filepath.Ext(entries[0].Name()))

	raw, err := os.ReadFile(filepath.Join(spillDir, entries[0].Name()))
	require.NoError(t, err)
	var spilled []carbon.Metric
	require.NoError(t, json.Unmarshal(raw, &spilled))
	assert.Equal(t, []carbon.Metric{
		{Path: "root.a", Value: 1, Timestamp: 1700000000},
		{Path: "root.b", Value: 2, Timestamp: 1700000000},
	}, spilled)

	assert.Equal(t, 2.0, counterValue(t, reg, "apteligent_importer_carbon_metrics_submitted_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "apteligent_importer_carbon_flush_failures_total"))
	assert.Equal(t, 2.0, counterValue(t, reg, "apteligent_importer_carbon_metrics_spilled_total"))
	assert.Equal(t, 0.0, counterValue(t, reg, "apteligent_importer_carbon_metrics_flushed_total"))
}

func TestSink_DummyLogsPayload(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink, err := carbon.NewSink(carbon.SinkOptions{Protocol: carbon.Dummy, Logger: zap.New(core).Sugar()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Submit(ctx, []string{"root", "x"}, 1.5, ts))
	require.NoError(t, sink.Flush(ctx))

	entries := logs.FilterMessageSnippet("STARTDATA").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "root.x 1.5 1700000000.000")
}

func TestNewSink_Validation(t *testing.T) {
	_, err := carbon.NewSink(carbon.SinkOptions{Protocol: carbon.Plain})
	require.Error(t, err, "plain needs host and port")

	_, err = carbon.NewSink(carbon.SinkOptions{Protocol: carbon.Protocol(9), Host: "h", Port: 1})
	require.ErrorIs(t, err, carbon.ErrUnknownProtocol)

	_, err = carbon.NewSink(carbon.SinkOptions{Protocol: carbon.Dummy, MaxBuffer: -1})
	require.Error(t, err)
}
