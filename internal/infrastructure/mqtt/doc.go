// Package mqtt provides the MQTT client used by the notification relay.
//
// It wraps eclipse/paho.mqtt.golang with connection management, automatic
// reconnection, and a Last Will and Testament announcing node liveness on
// devmesh/system/status. Device notifications are published under
// devmesh/put/{device}/{metric} and devmesh/notify/{device}/{event}.
package mqtt
