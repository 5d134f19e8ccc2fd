package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"industrial-sentinel/internal/bus"
	"industrial-sentinel/internal/telemetry"
)

type sensorRange struct {
	sensorType string
	min, max   float64
}

var sensors = []sensorRange{
	{sensorType: "temperature", min: 55, max: 98},
	{sensorType: "vibration", min: 20, max: 99},
	{sensorType: "pressure", min: 80, max: 210},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	natsURL := getenv("NATS_URL", "nats://localhost:4222")
	subjectPrefix := getenv("SIM_SUBJECT_PREFIX", "telemetry.readings")
	incidentSubject := getenv("INCIDENT_EVENTS_SUBJECT", bus.DefaultIncidentSubject)
	machines := splitCSV(getenv("SIM_MACHINES", "ROBOT_ARM_01,PRESSA_HIDRAULICA_02"))
	interval := time.Duration(getenvInt("SIM_INTERVAL_MS", 1000)) * time.Millisecond
	count := getenvInt("SIM_COUNT", 0)
	if len(machines) == 0 {
		logger.Error("SIM_MACHINES must list at least one machine")
		os.Exit(1)
	}

	conn, err := bus.Connect(natsURL, "sentinel-simulator")
	if err != nil {
		logger.Error("failed to connect to nats", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Drain()

	js, err := jetstream.New(conn)
	if err != nil {
		logger.Error("failed to open jetstream", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sub, err := bus.NewSubscriber(conn).SubscribeIncidents(incidentSubject, func(inc telemetry.Incident) {
		logger.Warn("incident raised",
			slog.String("machine_id", inc.MachineID),
			slog.String("severity", string(inc.Severity)),
			slog.String("description", inc.Description),
		)
	})
	if err != nil {
		logger.Error("failed to subscribe to incidents", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	sent := 0
	for count == 0 || sent < count {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
		}
		machine := machines[rng.Intn(len(machines))]
		sensor := sensors[rng.Intn(len(sensors))]
		value := sensor.min + rng.Float64()*(sensor.max-sensor.min)
		value = float64(int(value*10)) / 10
		if err := publish(js, subjectPrefix, machine, sensor.sensorType, value); err != nil {
			logger.Error("publish failed", slog.String("machine_id", machine), slog.String("error", err.Error()))
			continue
		}
		sent++
		logger.Info("reading published",
			slog.String("machine_id", machine),
			slog.String("sensor_type", sensor.sensorType),
			slog.Float64("value", value),
		)
	}
}

func publish(js jetstream.JetStream, prefix, machine, sensorType string, value float64) error {
	observedAt := time.Now().UTC()
	data, err := json.Marshal(telemetry.RawReading{MachineID: machine, SensorType: sensorType, Value: &value, ObservedAt: &observedAt})
	if err != nil {
		return err
	}
	msg := nats.NewMsg(prefix + "." + machine)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = js.PublishMsg(ctx, msg)
	return err
}

func getenv(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}
	return fallback
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
