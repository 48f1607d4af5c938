// Package aggregator implements C6, the collector's per-validator
// consensus window state machine: it collects UNHEALTHY reports from
// distinct agents, latches a quorum transition exactly once, cancels
// on recovery, and ages out stale windows on a periodic sweep. The
// single-mutex-guards-whole-map shape, background ticker sweep, and
// map-of-state-by-key layout are grounded in the alerts.Manager from
// the pack's validator-monitoring daemon.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelmesh/consensus-core/internal/logger"
	"github.com/sentinelmesh/consensus-core/internal/model"
)

const (
	defaultAgingBound    = 10 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// Store is the narrow persistence capability the aggregator needs.
type Store interface {
	GetValidator(id string) (*model.Validator, error)
	UpdateReportStatus(id string, status model.HealthStatus, consensus bool) error
	CreateAlert(alert model.Alert) (model.Alert, error)
}

// Broadcaster is the narrow push capability the aggregator needs.
type Broadcaster interface {
	Publish(msgType string, data interface{})
}

// WebhookDispatcher is the narrow dispatch capability the aggregator
// needs; the aggregator never awaits delivery.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, userID, eventName string, payload interface{})
}

// Metrics is the narrow recording capability the aggregator needs.
type Metrics interface {
	RecordAlertCreated()
}

// window is one validator's in-flight consensus state. reports is
// keyed by agentId so upserts are O(1) and the "latest wins" invariant
// holds without a scan.
type window struct {
	validatorID      string
	threshold        int
	openedAt         time.Time
	reports          map[string]reportEntry
	consensusReached bool
}

type reportEntry struct {
	reportID string
	status   model.HealthStatus
}

// Aggregator maintains one ConsensusWindow per validator.
type Aggregator struct {
	store       Store
	broadcaster Broadcaster
	webhooks    WebhookDispatcher
	metrics     Metrics

	threshold   int
	agingBound  time.Duration
	sweepPeriod time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

// New builds an Aggregator. agingBound/sweepPeriod fall back to
// spec.md §4.6's 10m/5m defaults if unset. metrics may be nil.
func New(store Store, broadcaster Broadcaster, webhooks WebhookDispatcher, metrics Metrics, threshold int, agingBound, sweepPeriod time.Duration) *Aggregator {
	if threshold <= 0 {
		threshold = 1
	}
	if agingBound <= 0 {
		agingBound = defaultAgingBound
	}
	if sweepPeriod <= 0 {
		sweepPeriod = defaultSweepInterval
	}
	return &Aggregator{
		store:       store,
		broadcaster: broadcaster,
		webhooks:    webhooks,
		metrics:     metrics,
		threshold:   threshold,
		agingBound:  agingBound,
		sweepPeriod: sweepPeriod,
		windows:     make(map[string]*window),
	}
}

// StartSweep launches the periodic aging sweep in the background.
func (a *Aggregator) StartSweep(ctx context.Context) {
	ticker := time.NewTicker(a.sweepPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.sweep()
			}
		}
	}()
}

// windowKey mirrors spec.md §4.6's "validator_<id>" naming.
func windowKey(validatorID string) string {
	return "validator_" + validatorID
}

// HandleReport applies one accepted AgentReport to the validator's
// consensus window, running the full state machine transition
// serialized under the aggregator's mutex.
func (a *Aggregator) HandleReport(ctx context.Context, report model.AgentReport) {
	switch report.Status {
	case model.StatusUnhealthy:
		a.handleUnhealthy(ctx, report)
	case model.StatusHealthy:
		a.handleHealthy(ctx, report)
	default:
		logger.Debug("AGGREGATOR", "ignoring report with status %s for consensus purposes", report.Status)
	}
}

func (a *Aggregator) handleUnhealthy(ctx context.Context, report model.AgentReport) {
	a.mu.Lock()
	key := windowKey(report.ValidatorID)
	w, exists := a.windows[key]
	if !exists {
		w = &window{
			validatorID: report.ValidatorID,
			threshold:   a.threshold,
			openedAt:    time.Now(),
			reports:     make(map[string]reportEntry),
		}
		a.windows[key] = w
	}

	// Upsert-by-agentId: latest report replaces any prior one from the
	// same agent.
	w.reports[report.AgentID] = reportEntry{reportID: report.ID, status: model.StatusUnhealthy}
	unhealthyCount := w.unhealthyCount()

	var quorumJustReached bool
	if unhealthyCount >= w.threshold && !w.consensusReached {
		w.consensusReached = true
		quorumJustReached = true
	}

	// Snapshot everything needed outside the lock before releasing it.
	reportIDs := w.reportIDs()
	totalReports := len(w.reports)
	threshold := w.threshold
	consensusReached := w.consensusReached
	if quorumJustReached {
		delete(a.windows, key)
	}
	a.mu.Unlock()

	if quorumJustReached {
		a.resolveQuorum(ctx, report.ValidatorID, reportIDs, unhealthyCount)
		return
	}

	a.broadcaster.Publish("consensus_update", map[string]interface{}{
		"validatorId":      report.ValidatorID,
		"totalReports":     totalReports,
		"unhealthyReports": unhealthyCount,
		"threshold":        threshold,
		"consensusReached": consensusReached,
	})
}

func (a *Aggregator) handleHealthy(ctx context.Context, report model.AgentReport) {
	a.mu.Lock()
	key := windowKey(report.ValidatorID)
	w, exists := a.windows[key]
	if !exists {
		a.mu.Unlock()
		return // nothing to cancel
	}
	reportIDs := w.reportIDs()
	delete(a.windows, key)
	a.mu.Unlock()

	for _, id := range reportIDs {
		if err := a.store.UpdateReportStatus(id, model.StatusConsensusFailed, false); err != nil {
			logger.Error("AGGREGATOR", "failed to rewrite report %s on cancellation: %v", id, err)
		}
	}

	a.broadcaster.Publish("validator_update", map[string]interface{}{
		"validatorId":        report.ValidatorID,
		"status":             "healthy",
		"consensusCancelled": true,
	})
}

// resolveQuorum performs the quorum-reached transition effects: create
// exactly one alert, rewrite every report in the window to
// CONSENSUS_REACHED, broadcast validator status and the alert, and
// enqueue the webhook dispatch. This runs outside the aggregator's
// mutex since the window has already been removed from the map, so
// concurrent work on other validators is never blocked by it.
func (a *Aggregator) resolveQuorum(ctx context.Context, validatorID string, reportIDs []string, unhealthyCount int) {
	validator, err := a.store.GetValidator(validatorID)
	if err != nil {
		logger.Error("AGGREGATOR", "failed to load validator %s for quorum resolution: %v", validatorID, err)
		return
	}

	message := fmt.Sprintf("Validator %s is unhealthy. Consensus reached with %d agent reports.", validatorID, unhealthyCount)
	alert, err := a.store.CreateAlert(model.Alert{
		ID:          uuid.NewString(),
		ValidatorID: validatorID,
		UserID:      validator.UserID,
		Status:      model.AlertPending,
		Message:     message,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		logger.Error("AGGREGATOR", "failed to create alert for validator %s: %v", validatorID, err)
		return
	}
	if a.metrics != nil {
		a.metrics.RecordAlertCreated()
	}

	for _, id := range reportIDs {
		if err := a.store.UpdateReportStatus(id, model.StatusConsensusReached, true); err != nil {
			logger.Error("AGGREGATOR", "failed to rewrite report %s on quorum: %v", id, err)
		}
	}

	a.broadcaster.Publish("validator_update", map[string]interface{}{
		"validatorId": validatorID,
		"status":      "unhealthy",
		"alertId":     alert.ID,
		"reportCount": len(reportIDs),
	})
	a.broadcaster.Publish("alert", alert)

	consensusData := map[string]interface{}{
		"validatorId": validatorID,
		"reportCount": len(reportIDs),
		"unhealthy":   unhealthyCount,
	}
	a.webhooks.Dispatch(ctx, validator.UserID, model.EventValidatorUnhealthy, map[string]interface{}{
		"validator":     validator,
		"alert":         alert,
		"consensusData": consensusData,
	})
}

// sweep inspects every open window and ages out those whose earliest
// report predates the aging bound without reaching quorum.
func (a *Aggregator) sweep() {
	now := time.Now()

	a.mu.Lock()
	var aged []*window
	for key, w := range a.windows {
		if now.Sub(w.openedAt) > a.agingBound {
			aged = append(aged, w)
			delete(a.windows, key)
		}
	}
	a.mu.Unlock()

	for _, w := range aged {
		for _, id := range w.reportIDs() {
			if err := a.store.UpdateReportStatus(id, model.StatusConsensusFailed, false); err != nil {
				logger.Error("AGGREGATOR", "failed to rewrite report %s on aging: %v", id, err)
			}
		}
		logger.Info("AGGREGATOR", "consensus window for validator %s aged out after %s without quorum", w.validatorID, a.agingBound)
	}
}

func (w *window) unhealthyCount() int {
	count := 0
	for _, r := range w.reports {
		if r.status == model.StatusUnhealthy {
			count++
		}
	}
	return count
}

func (w *window) reportIDs() []string {
	ids := make([]string, 0, len(w.reports))
	for _, r := range w.reports {
		ids = append(ids, r.reportID)
	}
	return ids
}

// OpenWindowCount reports the number of validators with an in-flight
// consensus window, for the sentinel_consensus_windows_open gauge.
func (a *Aggregator) OpenWindowCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}
