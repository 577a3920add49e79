package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteDeviceMetric writes a single device measurement.
//
// This is the primary method for recording device telemetry. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Example:
//
//	client.WriteDeviceMetric(".:thermostat-01", "temperature_c", 21.5)
func (c *Client) WriteDeviceMetric(deviceID string, measurement string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_metrics",
		map[string]string{
			"device_id":   deviceID,
			"measurement": measurement,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
