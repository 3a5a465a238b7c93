package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/ota/internal/agent"
	"github.com/e7canasta/orion-care-sensor/ota/internal/bufpool"
)

// onJobEvent is the update engine's application callback. It runs on the
// agent goroutine.
func (s *Service) onJobEvent(ev agent.JobEvent, buf *bufpool.Buffer) {
	switch ev {
	case agent.JobEventActivate:
		slog.Info("received activate event from ota agent")

		if err := s.agent.ActivateNewImage(); err != nil {
			slog.Error("new image activation failed", "error", err)
		} else {
			slog.Info("new image activated, restart to run it", "path", s.cfg.OTA.ImagePath)
		}

		// The running process is not the new image either way.
		s.agent.Shutdown()

	case agent.JobEventFail:
		slog.Info("received fail event from ota agent")

	case agent.JobEventStartTest:
		slog.Info("received start test event from ota agent")

		// Reaching this point means networking and the broker work; accept the image.
		if err := s.agent.SetImageState(agent.ImageStateAccepted); err != nil {
			slog.Error("failed to set image state as accepted", "error", err)
			return
		}
		slog.Info("new image validation succeeded in self test mode")

	case agent.JobEventProcessed:
		slog.Debug("ota event processing completed, freeing event buffer")
		if buf == nil {
			slog.Error("processed event without buffer")
			return
		}
		if err := s.pool.Release(buf); err != nil {
			slog.Error("failed to release event buffer", "buffer", buf.Index(), "error", err)
		}

	case agent.JobEventSelfTestFailed:
		slog.Error("ota self test failed for new image, shutting down ota agent")
		s.agent.Shutdown()

	default:
		slog.Warn("received unhandled event from ota agent", "event", ev.String())
	}
}

// reportStats logs the update engine's packet counters every stats interval
// until the agent stops or a job requests exit or fails.
func (s *Service) reportStats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.flags.ExitRequested() || s.flags.ErrorEncountered() {
				return
			}
			if s.agent.State() == agent.StateStopped {
				return
			}

			stats := s.agent.Stats()
			slog.Info("ota statistics",
				"received", stats.Received,
				"queued", stats.Queued,
				"processed", stats.Processed,
				"dropped", stats.Dropped,
				"state", s.agent.State().String(),
			)
		}
	}
}

// Suspend suspends the update engine and waits until it is suspended or stopped
func (s *Service) Suspend(ctx context.Context) error {
	if st := s.agent.State(); st == agent.StateSuspended || st == agent.StateStopped {
		return nil
	}
	if !s.agent.Suspend() {
		return fmt.Errorf("failed to suspend ota agent: event queue full")
	}
	return s.waitForState(ctx, func(st agent.State) bool {
		return st == agent.StateSuspended || st == agent.StateStopped
	})
}

// Resume resumes a suspended update engine and waits until it leaves suspension
func (s *Service) Resume(ctx context.Context) error {
	if s.agent.State() != agent.StateSuspended {
		return nil
	}
	if !s.agent.Resume() {
		return fmt.Errorf("failed to resume ota agent: event queue full")
	}
	return s.waitForState(ctx, func(st agent.State) bool {
		return st != agent.StateSuspended
	})
}

func (s *Service) waitForState(ctx context.Context, done func(agent.State) bool) error {
	ticker := time.NewTicker(s.cfg.StatsInterval())
	defer ticker.Stop()

	for !done(s.agent.State()) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
