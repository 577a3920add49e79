// Package config loads and validates devmesh core configuration from
// YAML.
//
// One root Config struct mirrors the sections of config.yaml: node
// identity and routing (node), outbound peer links (peers), the HTTP/
// WebSocket surface (api, websocket), optional infrastructure (mqtt,
// influxdb, audit), and logging. Load applies defaults, validates, and
// honours environment variable overrides for secrets.
package config
