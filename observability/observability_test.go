package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(func(ev Event) { got = append(got, ev) })

	bus.Emit(Event{Type: EventFailedBackup, Err: errors.New("first")})
	bus.Emit(Event{Type: EventFailedBackup, Err: errors.New("second")})

	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Err.Error())
	assert.Equal(t, "second", got[1].Err.Error())
}

func TestNilBusDropsEvents(t *testing.T) {
	var bus *Bus
	bus.Emit(Event{Type: EventFailedBackup}) // must not panic
}

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.OutgoingRequest("KeysUpload")
	m.OutgoingRequest("KeysUpload")
	m.DeviceDropped("key_changed")
	m.ReplayDetected()
	m.FailedBackup()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.outgoingRequests.WithLabelValues("KeysUpload")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deviceDrops.WithLabelValues("key_changed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.replaysDetected))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.failedBackups))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.OutgoingRequest("KeysQuery") // must not panic
	m.DeviceDropped("id_mismatch")
	m.ReplayDetected()
	m.FailedBackup()
}

func TestLoggerAddsScopeFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.NewTextHandler(&buf, nil))

	ctx := WithRoomID(context.Background(), "!room:example.org")
	ctx = WithUserID(ctx, "@alice:example.org")
	logger.InfoContext(ctx, "sharing keys")

	out := buf.String()
	assert.True(t, strings.Contains(out, "room_id=!room:example.org"), out)
	assert.True(t, strings.Contains(out, "user_id=@alice:example.org"), out)
	assert.False(t, strings.Contains(out, "session_id"), out)
}
