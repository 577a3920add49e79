package mqtt

import "errors"

// Domain errors for the mqtt package.
var (
	// ErrDisabled is returned when connecting with mqtt.enabled false.
	ErrDisabled = errors.New("mqtt: disabled in configuration")

	// ErrConnectionFailed is returned when the initial connection fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotConnected is returned when publishing while disconnected.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrPublishFailed is returned when a publish times out or errors.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
