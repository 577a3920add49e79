package influxdb

import "errors"

// Domain errors for the influxdb package.
var (
	// ErrDisabled is returned when connecting with influxdb.enabled false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed is returned when the server cannot be reached.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)
