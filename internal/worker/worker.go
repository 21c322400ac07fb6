// Package worker provides async pipeline processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-health/wardwatch/internal/domain"
	"github.com/opensource-health/wardwatch/internal/pipeline"
)

// Worker runs pipeline stages asynchronously from the EventBus. A
// dataset-ingested event for a session triggers a full run with the
// parameters carried in the message.
type Worker struct {
	bus    domain.EventBus
	runner *pipeline.Runner

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// SessionIDs is the list of sessions to process (empty = global).
	SessionIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, runner *pipeline.Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing events for the given sessions.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.SessionIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, sessionID := range cfg.SessionIDs {
		if err := w.startSessionWorker(sessionID); err != nil {
			slog.Error("failed to start worker for session",
				"session_id", sessionID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"session_count", len(cfg.SessionIDs),
	)

	return nil
}

// startGlobalWorker starts a worker on the "_global" session, for
// deployments that route all ingestion events through one subject.
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicDatasetIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startSessionWorker starts a worker for a specific session.
func (w *Worker) startSessionWorker(sessionID string) error {
	sub, err := w.bus.Subscribe(w.ctx, sessionID, domain.TopicDatasetIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRun(ctx, sessionID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("session worker started",
		"session_id", sessionID,
		"topic", domain.TopicDatasetIngested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRun(ctx, msg.SessionID, msg)
}

// RunMessage is the payload of a dataset-ingested event.
type RunMessage struct {
	SessionID string           `json:"sessionId"`
	Params    domain.RunParams `json:"params"`
}

// processRun executes the full pipeline for one ingestion event.
func (w *Worker) processRun(ctx context.Context, sessionID string, msg *domain.Message) error {
	start := time.Now()

	var runMsg RunMessage
	if err := json.Unmarshal(msg.Payload, &runMsg); err != nil {
		slog.Error("failed to parse run message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if runMsg.SessionID != "" {
		sessionID = runMsg.SessionID
	}

	slog.Debug("processing pipeline run",
		"session_id", sessionID,
		"message_id", msg.ID,
	)

	w.wg.Add(1)
	defer w.wg.Done()

	out, err := w.runner.Run(ctx, sessionID, runMsg.Params)
	if err != nil {
		// Runner already published the failure event with the stage.
		slog.Error("pipeline run failed",
			"session_id", sessionID,
			"error", err,
		)
		return err
	}

	slog.Info("pipeline run processed",
		"session_id", sessionID,
		"wards", len(out.Resolution.Wards),
		"ranked", len(out.Risk.Rankings),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
