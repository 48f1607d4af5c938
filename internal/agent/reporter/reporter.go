// Package reporter implements C4: the agent-side subroutine that turns
// probe results into authenticated POST /api/report calls, suppressing
// duplicate HEALTHY reports and gating UNHEALTHY reports behind the
// peer consensus quorum. Retry shape (exponential backoff, capped
// attempts, log-and-continue on final failure) is grounded in the
// teacher's debug_getBlockProof retry loop.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sentinelmesh/consensus-core/internal/agent/consensus"
	"github.com/sentinelmesh/consensus-core/internal/logger"
	"github.com/sentinelmesh/consensus-core/internal/model"
)

const (
	defaultMaxRetries     = 3
	defaultRequestTimeout = 10 * time.Second
)

// Metrics is the narrow recording capability the reporter needs. It may
// be nil, in which case consensus outcomes are simply not counted.
type Metrics interface {
	RecordConsensusRequest(outcome string)
}

// reportPayload is the wire body for POST /api/report (spec §4.4).
type reportPayload struct {
	AgentID     string             `json:"agentId"`
	AgentAPIKey string             `json:"agentApiKey"`
	ValidatorID string             `json:"validatorId"`
	Status      model.HealthStatus `json:"status"`
	Message     string             `json:"message"`
}

// Reporter holds the agent's cross-cycle state: the last status
// successfully reported, so recovery and repeated-healthy suppression
// can be evaluated.
type Reporter struct {
	AgentID            string
	AgentAPIKey        string
	ValidatorID        string
	BackendAPIURL      string
	MaxRetries         int
	ConsensusThreshold int
	Consensus          *consensus.Coordinator
	Metrics            Metrics

	client *http.Client

	mu    sync.Mutex
	sPrev model.HealthStatus // zero value means "undefined"
}

// New builds a Reporter. MaxRetries falls back to spec.md §4.4's default
// of 3 if unset, and requestTimeout falls back to §6's default of 10s.
// threshold is the quorum size required (self-inclusive) before an
// UNHEALTHY report is submitted.
func New(agentID, agentAPIKey, validatorID, backendAPIURL string, maxRetries, threshold int, coord *consensus.Coordinator, requestTimeout time.Duration) *Reporter {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if threshold <= 0 {
		threshold = 1
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Reporter{
		AgentID:            agentID,
		AgentAPIKey:        agentAPIKey,
		ValidatorID:        validatorID,
		BackendAPIURL:      backendAPIURL,
		MaxRetries:         maxRetries,
		ConsensusThreshold: threshold,
		Consensus:          coord,
		client:             &http.Client{Timeout: requestTimeout},
	}
}

// SetMetrics wires an optional metrics recorder; nil disables recording.
func (r *Reporter) SetMetrics(m Metrics) {
	r.Metrics = m
}

// HandleResult is called after every probe cycle (wired as the Probe's
// onResult callback). It applies the suppression/consensus-gate rule
// and submits a report when the rule says to.
func (r *Reporter) HandleResult(ctx context.Context, result model.HealthCheckResult) {
	switch result.Status {
	case model.StatusUnhealthy:
		r.handleUnhealthy(ctx, result)
	case model.StatusHealthy:
		r.handleHealthy(ctx, result)
	default:
		logger.Warn("REPORTER", "probe returned unexpected status %s, ignoring", result.Status)
	}
}

func (r *Reporter) handleUnhealthy(ctx context.Context, result model.HealthCheckResult) {
	// A nil Consensus (no coordinator wired at all) behaves exactly like
	// a coordinator with zero connected peers: totalPeers==0 must never
	// block alerting, so MeetsQuorum sees an empty Result (TotalPeers 0)
	// either way and lets the report through whatever the threshold.
	var quorumResult consensus.Result
	if r.Consensus != nil {
		quorumResult = r.Consensus.RequestConsensus(ctx, []model.HealthCheckResult{result})
	}

	if !consensus.MeetsQuorum(quorumResult, r.ConsensusThreshold) {
		logger.Debug("REPORTER", "validator %s unhealthy but quorum not met (%d/%d agree), suppressing report",
			r.ValidatorID, quorumResult.AgreeCount+1, r.ConsensusThreshold)
		r.recordConsensusOutcome("quorum_failed")
		return
	}
	if quorumResult.TotalPeers == 0 {
		r.recordConsensusOutcome("unilateral_no_peers")
	} else {
		r.recordConsensusOutcome("quorum_reached")
	}

	message := result.Error
	if message == "" {
		message = "beacon node health check failed"
	}
	r.submit(ctx, model.StatusUnhealthy, message)
}

func (r *Reporter) handleHealthy(ctx context.Context, result model.HealthCheckResult) {
	r.mu.Lock()
	unchanged := r.sPrev == model.StatusHealthy
	r.mu.Unlock()

	if unchanged {
		return // repeated HEALTHY, suppressed
	}
	r.submit(ctx, model.StatusHealthy, "beacon node health check passed")
}

func (r *Reporter) submit(ctx context.Context, status model.HealthStatus, message string) {
	payload := reportPayload{
		AgentID:     r.AgentID,
		AgentAPIKey: r.AgentAPIKey,
		ValidatorID: r.ValidatorID,
		Status:      status,
		Message:     message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("REPORTER", "failed to marshal report: %v", err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= r.MaxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		if err := r.post(ctx, body); err != nil {
			lastErr = err
			logger.Debug("REPORTER", "report attempt %d/%d failed: %v", attempt, r.MaxRetries, err)
			continue
		}

		r.mu.Lock()
		r.sPrev = status
		r.mu.Unlock()
		return
	}

	logger.Error("REPORTER", "report for validator %s (%s) failed after %d attempts: %v",
		r.ValidatorID, status, r.MaxRetries, lastErr)
}

func (r *Reporter) recordConsensusOutcome(outcome string) {
	if r.Metrics != nil {
		r.Metrics.RecordConsensusRequest(outcome)
	}
}

func (r *Reporter) post(ctx context.Context, body []byte) error {
	url := r.BackendAPIURL + "/api/report"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}
