package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistered(t *testing.T) {
	collectors := map[string]prometheus.Collector{
		"WebSocketConnections":   WebSocketConnections,
		"ConnectionsRejected":    ConnectionsRejected,
		"StaleConnections":       StaleConnections,
		"MessagesReceived":       MessagesReceived,
		"MessagesSent":           MessagesSent,
		"FanoutFailures":         FanoutFailures,
		"MessageErrors":          MessageErrors,
		"SessionsCreated":        SessionsCreated,
		"SessionsClosed":         SessionsClosed,
		"ActiveSessions":         ActiveSessions,
		"BackfillMessages":       BackfillMessages,
		"StoreOperationDuration": StoreOperationDuration,
		"HTTPRequestDuration":    HTTPRequestDuration,
	}

	for name, c := range collectors {
		t.Run(name, func(t *testing.T) {
			err := prometheus.DefaultRegisterer.Register(c)
			var already prometheus.AlreadyRegisteredError
			assert.ErrorAs(t, err, &already, "promauto should have registered %s", name)
		})
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(MessagesReceived.WithLabelValues("user"))
	MessagesReceived.WithLabelValues("user").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MessagesReceived.WithLabelValues("user")))

	gauge := WebSocketConnections.WithLabelValues("admin")
	start := testutil.ToFloat64(gauge)
	gauge.Inc()
	gauge.Dec()
	assert.Equal(t, start, testutil.ToFloat64(gauge))
}
