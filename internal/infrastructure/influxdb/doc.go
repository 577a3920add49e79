// Package influxdb provides the InfluxDB v2 client used by the metric
// recorder.
//
// Numeric device metrics arriving as PUT notifications are written to the
// device_metrics measurement through the non-blocking batched write API.
package influxdb
