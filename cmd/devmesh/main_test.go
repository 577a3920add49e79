package main

import (
	"context"
	"testing"
	"time"
)

// TestRun_InvalidConfig verifies run fails with an invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("DEVMESH_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestGetConfigPathDefault(t *testing.T) {
	t.Setenv("DEVMESH_CONFIG", "")

	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
}

func TestGetConfigPathEnv(t *testing.T) {
	t.Setenv("DEVMESH_CONFIG", "/etc/devmesh/config.yaml")

	if got := getConfigPath(); got != "/etc/devmesh/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}
