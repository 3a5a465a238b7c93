package core

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/ota/internal/bridge"
)

// Engine is the MQTT command engine together with its connection lifecycle
type Engine interface {
	bridge.Engine
	// Connect establishes the broker connection
	Connect(ctx context.Context) error
	// Connected reports whether the broker connection is up
	Connected() bool
}
