package bus

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"industrial-sentinel/internal/telemetry"
)

func TestEncodeIncident(t *testing.T) {
	sent := time.Date(2026, 5, 1, 8, 0, 0, 0, time.FixedZone("CET", 3600))
	data, err := EncodeIncident(telemetry.Incident{ID: "inc-1", MachineID: "ROBOT_ARM_01", Severity: telemetry.SeverityCritical}, sent)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "newIncident", decoded["event"])
	assert.Equal(t, "2026-05-01T07:00:00Z", decoded["sentAt"])
	inner := decoded["data"].(map[string]any)
	assert.Equal(t, "inc-1", inner["id"])
	assert.Equal(t, "CRITICAL", inner["severity"])
}

func TestCloseWithoutConnection(t *testing.T) {
	assert.NoError(t, NewPublisher(nil, "").Close())
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	conn, err := Connect(url, "bus-test")
	require.NoError(t, err)
	pub := NewPublisher(conn, "incidents.test")
	defer pub.Close()

	got := make(chan telemetry.Incident, 1)
	sub, err := NewSubscriber(conn).SubscribeIncidents("incidents.test", func(inc telemetry.Incident) { got <- inc })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, conn.Flush())

	require.NoError(t, pub.PublishIncident(context.Background(), telemetry.Incident{ID: "inc-9"}))
	select {
	case inc := <-got:
		assert.Equal(t, "inc-9", inc.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("incident not received")
	}
}
