package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-health/wardwatch/internal/bus"
	"github.com/opensource-health/wardwatch/internal/domain"
	"github.com/opensource-health/wardwatch/internal/pipeline"
	"github.com/opensource-health/wardwatch/internal/quality"
	"github.com/opensource-health/wardwatch/internal/repository"
)

func newTestRunner(t *testing.T) (*pipeline.Runner, domain.Repository) {
	t.Helper()

	f, err := os.CreateTemp("", "wardwatch-worker-*.db")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: f.Name(),
	})
	if err != nil {
		t.Fatalf("repository.New failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	qe, err := quality.NewEngine(4)
	if err != nil {
		t.Fatalf("quality.NewEngine failed: %v", err)
	}
	t.Cleanup(func() { qe.Close() })

	return pipeline.NewRunner(repo, nil, nil, qe, domain.PipelineConfig{}), repo
}

func seedSession(t *testing.T, repo domain.Repository, sessionID string) {
	t.Helper()
	ctx := context.Background()

	const n = 12

	boundaries := make([]*domain.BoundaryWard, 0, n)
	facilities := make([]*domain.FacilityTestRecord, 0, n)
	population := make([]*domain.PopulationRow, 0, n)
	covariates := make([]*domain.CovariateRow, 0, n)

	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("Ward %02d", i)
		code := fmt.Sprintf("KN15%02d", i)

		boundaries = append(boundaries, &domain.BoundaryWard{
			SessionID: sessionID, State: "Kano", LGA: "Gwale", Name: name, Code: code,
		})

		tested := int64(150)
		positive := int64(5 + i*3)
		facilities = append(facilities, &domain.FacilityTestRecord{
			ID: fmt.Sprintf("fac-%02d", i), SessionID: sessionID,
			State: "Kano", LGA: "Gwale", Ward: name, WardCode: code,
			Facility: fmt.Sprintf("PHC %02d", i), Level: domain.LevelPrimary,
			Period: "2024-06",
			Tests: map[domain.AgeGroup]map[domain.TestMethod]domain.TestCount{
				domain.AgeUnder5: {
					domain.MethodRDT: {Tested: &tested, Positive: &positive},
				},
			},
		})

		population = append(population, &domain.PopulationRow{
			SessionID: sessionID, State: "Kano", LGA: "Gwale",
			Ward: name, WardCode: code, Population: 10000,
		})

		rain := 700 + float64(i)*15
		covariates = append(covariates, &domain.CovariateRow{
			SessionID: sessionID, State: "Kano", LGA: "Gwale",
			Ward: name, WardCode: code,
			Values: map[string]*float64{"rainfall": &rain},
		})
	}

	if err := repo.SaveBoundaryWards(ctx, sessionID, boundaries); err != nil {
		t.Fatalf("SaveBoundaryWards failed: %v", err)
	}
	if err := repo.SaveFacilityRecords(ctx, sessionID, facilities); err != nil {
		t.Fatalf("SaveFacilityRecords failed: %v", err)
	}
	if err := repo.SavePopulationRows(ctx, sessionID, population); err != nil {
		t.Fatalf("SavePopulationRows failed: %v", err)
	}
	if err := repo.SaveCovariateRows(ctx, sessionID, covariates); err != nil {
		t.Fatalf("SaveCovariateRows failed: %v", err)
	}
}

func TestWorkerStartAndStop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	runner, _ := newTestRunner(t)
	w := NewWorker(eventBus, runner)

	if err := w.Start(Config{SessionIDs: []string{"session-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	stats = w.GetStats()
	if stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorkerProcessesIngestedDataset(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	runner, repo := newTestRunner(t)
	sessionID := "session-ingest"
	seedSession(t, repo, sessionID)

	// The worker's runner publishes on the same bus it listens on.
	runner = pipelineWithBus(t, repo, eventBus)

	w := NewWorker(eventBus, runner)
	if err := w.Start(Config{SessionIDs: []string{sessionID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	var planned atomic.Bool
	eventBus.Subscribe(context.Background(), sessionID, domain.TopicAllocationPlanned, func(ctx context.Context, msg *domain.Message) error {
		planned.Store(true)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	payload, _ := json.Marshal(RunMessage{
		SessionID: sessionID,
		Params: domain.RunParams{
			TPR:        domain.TPRParams{Scope: domain.ScopeAll},
			Allocation: domain.AllocationParams{NetStock: 10000, HouseholdSize: 5},
		},
	})
	if err := eventBus.Publish(context.Background(), sessionID, domain.TopicDatasetIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !planned.Load() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !planned.Load() {
		t.Fatal("expected allocation-planned event after ingestion")
	}

	// The run's outputs must be persisted.
	plan, err := repo.LatestAllocationPlan(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("LatestAllocationPlan failed: %v", err)
	}
	if plan.TotalStock != 10000 {
		t.Errorf("expected stock 10000, got %d", plan.TotalStock)
	}
}

func TestWorkerSkipAllocation(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	runner, repo := newTestRunner(t)
	sessionID := "session-skip"
	seedSession(t, repo, sessionID)
	runner = pipelineWithBus(t, repo, eventBus)

	w := NewWorker(eventBus, runner)
	if err := w.Start(Config{SessionIDs: []string{sessionID}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	var ranked atomic.Bool
	eventBus.Subscribe(context.Background(), sessionID, domain.TopicRiskRanked, func(ctx context.Context, msg *domain.Message) error {
		ranked.Store(true)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	payload, _ := json.Marshal(RunMessage{
		SessionID: sessionID,
		Params: domain.RunParams{
			TPR:            domain.TPRParams{Scope: domain.ScopeAll},
			SkipAllocation: true,
		},
	})
	eventBus.Publish(context.Background(), sessionID, domain.TopicDatasetIngested, payload)

	deadline := time.Now().Add(5 * time.Second)
	for !ranked.Load() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !ranked.Load() {
		t.Fatal("expected risk-ranked event")
	}

	if _, err := repo.LatestAllocationPlan(context.Background(), sessionID); err == nil {
		t.Error("expected no allocation plan when allocation is skipped")
	}
}

func TestWorkerMultiSession(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	runner, _ := newTestRunner(t)
	w := NewWorker(eventBus, runner)

	if err := w.Start(Config{SessionIDs: []string{"session-a", "session-b"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions for 2 sessions, got %d", stats.SubscriptionCount)
	}
}

func TestRunMessageParsing(t *testing.T) {
	msg := RunMessage{
		SessionID: "session-123",
		Params: domain.RunParams{
			TPR:        domain.TPRParams{Scope: domain.ScopeUnder5, UrbanRule: true},
			Allocation: domain.AllocationParams{NetStock: 90000, HouseholdSize: 5.5},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed RunMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.SessionID != msg.SessionID {
		t.Errorf("expected session '%s', got '%s'", msg.SessionID, parsed.SessionID)
	}
	if parsed.Params.TPR.Scope != domain.ScopeUnder5 {
		t.Errorf("expected scope under5, got %s", parsed.Params.TPR.Scope)
	}
	if parsed.Params.Allocation.NetStock != 90000 {
		t.Errorf("expected net stock 90000, got %d", parsed.Params.Allocation.NetStock)
	}
}

// pipelineWithBus builds a runner that publishes stage events on the
// given bus, backed by the already-seeded repository.
func pipelineWithBus(t *testing.T, repo domain.Repository, b domain.EventBus) *pipeline.Runner {
	t.Helper()

	qe, err := quality.NewEngine(4)
	if err != nil {
		t.Fatalf("quality.NewEngine failed: %v", err)
	}
	t.Cleanup(func() { qe.Close() })

	return pipeline.NewRunner(repo, nil, b, qe, domain.PipelineConfig{})
}
