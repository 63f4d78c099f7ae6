package influxdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pixelmesa/fleet-core/internal/infrastructure/config"
	"github.com/pixelmesa/fleet-core/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for the local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "fleetcore-dev-token",
		Org:           "fleetcore",
		Bucket:        "metrics",
		BatchSize:     100,
		FlushInterval: 1, // 1 second for faster test feedback
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skip("InfluxDB not available, skipping integration test")
	}
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999" // Non-existent port

	if _, err := influxdb.Connect(cfg); err == nil {
		t.Fatal("Connect() should return error for unreachable server")
	}
}

func TestConnect(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestWriteHeartbeat(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	// Writes are async; absence of panics plus a clean flush is the
	// contract under test.
	client.WriteHeartbeat("dev-test-1", "online")
	client.WriteHeartbeat("dev-test-1", "offline")
	client.Flush()
}

func TestWriteSessionEvent(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	client.WriteSessionEvent("dev-test-1", "connected")
	client.WriteSessionEvent("", "auth_failed")
	client.Flush()
}

func TestWriteCommandMetric(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	client.WriteCommandMetric("dev-test-1", true, 0)
	client.WriteCommandMetric("dev-test-1", false, 3)
	client.Flush()
}

func TestWritePointWithTime(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	client.WritePointWithTime("custom",
		map[string]string{"source": "test"},
		map[string]interface{}{"value": 1.0},
		time.Now().Add(-time.Minute),
	)
	client.Flush()
}

func TestWritesAfterCloseAreNoOps(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	client.Close()

	// Must not panic.
	client.WriteHeartbeat("dev-test-1", "online")
	client.Flush()

	if client.IsConnected() {
		t.Error("IsConnected() should be false after Close()")
	}
}
