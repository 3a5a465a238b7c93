// Package jobs executes custom job documents delivered by the AWS IoT Jobs service.
//
// A custom job document carries an "action" and its arguments:
//
//	{"action":"print","message":"hello"}
//	{"action":"publish","topic":"demo/out","message":"hello"}
//	{"action":"exit"}
//
// The Dispatcher runs one document through a single pass (schema check, action,
// status report) and reports SUCCEEDED or FAILED back to the Jobs service.
package jobs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/tidwall/pretty"

	"github.com/e7canasta/orion-care-sensor/ota/internal/topic"
)

// Publisher sends a message and waits for the acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
}

// Terminator stops the MQTT engine.
type Terminator interface {
	Terminate() error
}

// Config configures a Dispatcher.
type Config struct {
	ThingName string

	// Console receives the output of print actions (default os.Stdout).
	Console io.Writer

	// QoS is used for status reports and publish actions.
	QoS byte

	Logger *slog.Logger
}

// DispatcherStats counts dispatch outcomes.
type DispatcherStats struct {
	Dispatched   uint64
	Succeeded    uint64
	Failed       uint64
	Ignored      uint64
	ReportErrors uint64
}

// Dispatcher executes custom job documents.
type Dispatcher struct {
	thing   string
	pub     Publisher
	term    Terminator
	flags   *Flags
	console io.Writer
	qos     byte
	logger  *slog.Logger

	dispatched   atomic.Uint64
	succeeded    atomic.Uint64
	failed       atomic.Uint64
	ignored      atomic.Uint64
	reportErrors atomic.Uint64
}

// NewDispatcher creates a Dispatcher publishing through pub.
// term is called after an exit job has been reported.
func NewDispatcher(pub Publisher, term Terminator, flags *Flags, cfg Config) *Dispatcher {
	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dispatcher{
		thing:   cfg.ThingName,
		pub:     pub,
		term:    term,
		flags:   flags,
		console: cfg.Console,
		qos:     cfg.QoS,
		logger:  cfg.Logger,
	}
}

// Dispatch executes desc. It blocks while the action and status report are
// acknowledged by the MQTT engine.
func (d *Dispatcher) Dispatch(ctx context.Context, desc *Descriptor) {
	d.dispatched.Add(1)
	jobID := string(desc.JobID)

	if d.logger.Enabled(ctx, slog.LevelDebug) {
		d.logger.Debug("job document received", "job_id", jobID, "document", string(pretty.Pretty(desc.Document)))
	}

	switch desc.Action {
	case ActionNone:
		d.logger.Error("job document schema is invalid, missing action", "job_id", jobID)
		d.finish(ctx, desc.JobID, StatusFailed)

	case ActionPrint:
		d.logger.Info("received job with print action", "job_id", jobID)
		if !desc.HasMessage {
			d.logger.Error("job document schema is invalid, missing message for print action", "job_id", jobID)
			d.finish(ctx, desc.JobID, StatusFailed)
			return
		}
		d.print(desc.Message)
		d.finish(ctx, desc.JobID, StatusSucceeded)

	case ActionPublish:
		d.logger.Info("received job with publish action", "job_id", jobID)
		if !desc.HasTopic {
			d.logger.Error("job document schema is invalid, missing topic for publish action", "job_id", jobID)
			d.finish(ctx, desc.JobID, StatusFailed)
			return
		}
		if !desc.HasMessage {
			d.logger.Error("job document schema is invalid, missing message for publish action", "job_id", jobID)
			d.finish(ctx, desc.JobID, StatusFailed)
			return
		}

		// The scratch holding desc is reused by the next job; the engine may
		// still read the payload after a timed-out wait.
		payload := bytes.Clone(desc.Message)
		if err := d.pub.Publish(ctx, string(desc.Topic), payload, d.qos); err != nil {
			// Still reported SUCCEEDED; the error flag ends the run instead.
			d.flags.MarkError()
			d.logger.Error("failed to execute publish action",
				"job_id", jobID,
				"topic", string(desc.Topic),
				"error", err,
			)
		}
		d.finish(ctx, desc.JobID, StatusSucceeded)

	case ActionExit:
		d.logger.Info("received job with exit action, stopping", "job_id", jobID)
		d.flags.RequestExit()
		d.finish(ctx, desc.JobID, StatusSucceeded)
		if err := d.term.Terminate(); err != nil {
			d.logger.Error("failed to terminate mqtt engine", "error", err)
		}

	default:
		d.ignored.Add(1)
		d.logger.Warn("received job document with unknown action",
			"job_id", jobID,
			"action", string(desc.ActionName),
		)
	}
}

// Report publishes status for jobID to its update topic.
func (d *Dispatcher) Report(ctx context.Context, jobID []byte, status ExecutionStatus) error {
	updateTopic := topic.JobUpdate(d.thing, string(jobID))
	if err := d.pub.Publish(ctx, updateTopic, StatusReport(status), d.qos); err != nil {
		return fmt.Errorf("report %s for job %s: %w", status, jobID, err)
	}
	return nil
}

// Stats returns a snapshot of dispatch counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched:   d.dispatched.Load(),
		Succeeded:    d.succeeded.Load(),
		Failed:       d.failed.Load(),
		Ignored:      d.ignored.Load(),
		ReportErrors: d.reportErrors.Load(),
	}
}

// finish reports status. Report failures are logged, never retried.
func (d *Dispatcher) finish(ctx context.Context, jobID []byte, status ExecutionStatus) {
	if status == StatusSucceeded {
		d.succeeded.Add(1)
	} else {
		d.failed.Add(1)
	}

	if err := d.Report(ctx, jobID, status); err != nil {
		d.reportErrors.Add(1)
		d.logger.Error("failed to send job status update", "job_id", string(jobID), "status", string(status), "error", err)
		return
	}
	d.logger.Info("job status update sent", "job_id", string(jobID), "status", string(status))
}

func (d *Dispatcher) print(message []byte) {
	const rule = "/*-----------------------------------------------------------*/"
	fmt.Fprintf(d.console, "\n%s\n\n%s\n\n%s\n\n", rule, message, rule)
}
