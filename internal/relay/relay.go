// Package relay provides dispatcher middleware that mirrors device
// traffic into the optional infrastructure: PUT metrics to InfluxDB,
// PUT/NOTIFY notifications to MQTT, and application-originated requests
// to the SQLite audit trail.
//
// Every handler forwards the request unchanged; the mirrors are
// fire-and-forget and never fail the dispatch.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/devmesh-core/internal/audit"
	"github.com/nerrad567/devmesh-core/internal/node"
)

// Logger is the subset of logging used by the relay handlers.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// MetricWriter records one numeric device metric. Implemented by
// influxdb.Client.
type MetricWriter interface {
	WriteDeviceMetric(deviceID string, measurement string, value float64)
}

// Publisher publishes one message. Implemented by mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	QoS() byte
}

// Metrics returns middleware that writes numeric PUT values to the metric
// store. Booleans are recorded as 0/1; everything else is skipped.
func Metrics(writer MetricWriter) node.Handler {
	return func(_ context.Context, req *node.Request, next node.Next) (any, error) {
		if req.Method == node.MethodPut {
			switch v := req.Value.(type) {
			case float64:
				writer.WriteDeviceMetric(req.DeviceID, req.Identifier, v)
			case int:
				writer.WriteDeviceMetric(req.DeviceID, req.Identifier, float64(v))
			case bool:
				val := 0.0
				if v {
					val = 1.0
				}
				writer.WriteDeviceMetric(req.DeviceID, req.Identifier, val)
			}
		}
		return next()
	}
}

// notification is the MQTT payload for relayed device notifications.
type notification struct {
	DeviceID   string `json:"device_id"`
	Identifier string `json:"identifier"`
	Value      any    `json:"value,omitempty"`
	Params     []any  `json:"params,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// MQTT returns middleware that republishes upstream notifications to
// devmesh/put/{device}/{metric} and devmesh/notify/{device}/{event}.
func MQTT(pub Publisher, logger Logger) node.Handler {
	return func(_ context.Context, req *node.Request, next node.Next) (any, error) {
		if !req.ApplicationOriginated() {
			payload := notification{
				DeviceID:   req.DeviceID,
				Identifier: req.Identifier,
				Value:      req.Value,
				Params:     req.Params,
				Timestamp:  time.Now().UTC().Format(time.RFC3339),
			}
			topic := fmt.Sprintf("devmesh/put/%s/%s", req.DeviceID, req.Identifier)
			if req.Method == node.MethodNotify {
				topic = fmt.Sprintf("devmesh/notify/%s/%s", req.DeviceID, req.Identifier)
			}
			if data, err := json.Marshal(payload); err == nil {
				if err := pub.Publish(topic, data, pub.QoS(), false); err != nil {
					logger.Warn("notification relay publish failed", "topic", topic, "error", err)
				}
			}
		}
		return next()
	}
}

// Audit returns middleware that records application-originated requests.
// Device-originated notifications are not recorded; neither is device
// state.
func Audit(repo audit.Repository, source string, logger Logger) node.Handler {
	return func(ctx context.Context, req *node.Request, next node.Next) (any, error) {
		if req.ApplicationOriginated() {
			var payload any = req.Value
			if payload == nil && req.Params != nil {
				payload = req.Params
			}
			entry := &audit.Entry{
				DeviceID:   req.DeviceID,
				Method:     string(req.Method),
				Identifier: req.Identifier,
				Payload:    payload,
				Source:     source,
			}
			if err := repo.Create(ctx, entry); err != nil {
				logger.Warn("audit write failed", "device", req.DeviceID, "error", err)
			}
		}
		return next()
	}
}
