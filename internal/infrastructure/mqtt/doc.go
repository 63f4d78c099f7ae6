// Package mqtt provides MQTT client connectivity for Fleet Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Fleet Core mirrors device status onto MQTT so external consumers
// (dashboards, automation, monitoring) can follow the fleet without
// touching the HTTP API, and accepts device commands published to the
// command topics:
//
//	Fleet Core ↔ MQTT Broker ↔ External consumers
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Mirror a device's status (retained, so late subscribers catch up)
//	topic := mqtt.Topics{}.DeviceStatus("dev-123")
//	client.PublishRetained(topic, []byte(`{"status":"online"}`))
//
//	// Accept commands published by external tooling
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return handleCommand(topic, payload)
//	    })
package mqtt
