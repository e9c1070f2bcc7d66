package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/credfleet/internal/fleet"
	"github.com/t77yq/credfleet/internal/model"
)

const (
	fleetStreamName = "FLEET"
	reportSuffix    = ".report"
)

var _ fleet.ProgressSink = (*Publisher)(nil)

// Publisher sends progress snapshots and final reports to JetStream
type Publisher struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	subject string
	host    *HostSampler
}

// NewPublisher creates a publisher and makes sure the FLEET stream captures
// subject and its report subject. host may be nil.
func NewPublisher(js nats.JetStreamContext, subject string, host *HostSampler, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		logger:  logger.Named("progress-publisher"),
		js:      js,
		subject: subject,
		host:    host,
	}
	if err := p.setup(); err != nil {
		return nil, err
	}
	return p, nil
}

// ReportSubject is where final reports are published
func (p *Publisher) ReportSubject() string {
	return p.subject + reportSuffix
}

func (p *Publisher) setup() error {
	subjects := []string{p.subject, p.ReportSubject()}

	streamInfo, err := p.js.StreamInfo(fleetStreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if streamInfo == nil {
		_, err = p.js.AddStream(&nats.StreamConfig{
			Name:       fleetStreamName,
			Subjects:   subjects,
			Retention:  nats.LimitsPolicy,
			MaxAge:     24 * time.Hour,
			MaxMsgs:    -1,
			MaxBytes:   -1,
			Discard:    nats.DiscardOld,
			MaxMsgSize: 1 * 1024 * 1024, // 1MB
			Storage:    nats.FileStorage,
			Replicas:   1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", fleetStreamName, err)
		}
		p.logger.Info("Created stream", zap.String("name", fleetStreamName))
		return nil
	}

	config := streamInfo.Config
	config.Subjects = subjects
	if _, err := p.js.UpdateStream(&config); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", fleetStreamName, err)
	}
	p.logger.Info("Updated stream", zap.String("name", fleetStreamName))
	return nil
}

// Publish sends a snapshot without waiting for the acknowledgement.
// Failures are logged and never reach the run.
func (p *Publisher) Publish(progress model.Progress) {
	if p.host != nil {
		progress.Host = p.host.Latest()
	}

	data, err := json.Marshal(progress)
	if err != nil {
		p.logger.Error("Failed to marshal progress", zap.Error(err))
		return
	}

	if _, err := p.js.PublishAsync(p.subject, data); err != nil {
		p.logger.Warn("Failed to publish progress",
			zap.String("run_id", progress.RunID),
			zap.Uint64("sequence", progress.Sequence),
			zap.Error(err))
	}
}

// PublishReport sends the final report and waits for the acknowledgement
func (p *Publisher) PublishReport(ctx context.Context, report *model.ExecutionReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if _, err := p.js.Publish(p.ReportSubject(), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}

	p.logger.Info("Report published",
		zap.String("run_id", report.RunID),
		zap.Bool("success", report.Success))
	return nil
}

// Flush waits until pending progress messages are acknowledged
func (p *Publisher) Flush(ctx context.Context) error {
	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pending progress not acknowledged: %w", ctx.Err())
	}
}
