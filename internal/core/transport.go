package core

import (
	"context"
	"log/slog"

	"github.com/e7canasta/orion-care-sensor/ota/internal/bridge"
	"github.com/e7canasta/orion-care-sensor/ota/internal/otaerr"
	"github.com/e7canasta/orion-care-sensor/ota/internal/topic"
)

// transport is the MQTT interface handed to the update engine. Every
// subscription is routed to the incoming publish router.
type transport struct {
	thing   string
	bridge  *bridge.Bridge
	handler bridge.Handler
}

func (t *transport) Subscribe(ctx context.Context, filter string, qos byte) error {
	otaerr.MustConfig(topic.Classify(filter, t.thing) != topic.Unknown,
		"ota topic filter %q does not belong to a known ota protocol", filter)

	if err := t.bridge.Subscribe(ctx, filter, qos, t.handler); err != nil {
		slog.Error("failed to subscribe to topic", "filter", filter, "error", err)
		return err
	}

	slog.Info("subscribed to topic", "filter", filter, "qos", qos)
	return nil
}

func (t *transport) Unsubscribe(ctx context.Context, filter string, qos byte) error {
	if err := t.bridge.Unsubscribe(ctx, filter, qos); err != nil {
		slog.Error("failed to unsubscribe from topic", "filter", filter, "error", err)
		return err
	}

	slog.Info("unsubscribed from topic", "filter", filter)
	return nil
}

func (t *transport) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	if err := t.bridge.Publish(ctx, topic, payload, qos); err != nil {
		slog.Error("failed to publish", "topic", topic, "error", err)
		return err
	}

	slog.Debug("published", "topic", topic, "size", len(payload))
	return nil
}
