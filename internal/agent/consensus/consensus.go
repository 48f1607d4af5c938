// Package consensus implements the agent's two consensus subroutines
// (C3): requestConsensus, which solicits independent confirmations from
// peers before an agent reports UNHEALTHY, and the responder, which
// answers inbound requests from the local probe's latest result. The
// request/response split mirrors the Consensus interface abstraction in
// ObolNetwork-charon's cluster consensus layer, adapted from a single
// ResolveDuty call to an explicit request-then-collect-responses flow
// because the transport here is gossip over independent sockets rather
// than a coordinated protocol run.
package consensus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sentinelmesh/consensus-core/internal/agent/p2p"
	"github.com/sentinelmesh/consensus-core/internal/logger"
	"github.com/sentinelmesh/consensus-core/internal/model"
)

const defaultTimeout = 120 * time.Second

// consensusLog carries the structured correlation fields (consensusId,
// validatorId, agentId) the round-trip is keyed by; these read better
// as fields than folded into a formatted string.
var consensusLog = logrus.WithField("component", "consensus")

// Response is one peer's answer to a consensus request.
type Response struct {
	AgentID  string
	Agree    bool
	Evidence json.RawMessage
}

// Result is the outcome of a requestConsensus round.
type Result struct {
	AgreeCount int
	TotalPeers int
	Responses  []Response
}

// Prober is the narrow capability the responder needs: the latest local
// health check, probing synchronously if none exists yet.
type Prober interface {
	Latest(ctx context.Context) model.HealthCheckResult
}

// Transport is the narrow peer-fabric capability RequestConsensus and
// StartResponder need. A nil Transport (P2P disabled per spec.md §6's
// p2pEnabled default of false) is a valid, deliberate zero-peer fabric:
// quorum evaluation still runs, it just always sees zero peers, so
// MeetsQuorum lets the requester proceed unilaterally whatever the
// threshold. P2P absence must never block alerting.
type Transport interface {
	PeerCount() int
	Subscribe(msgType string) (<-chan p2p.Envelope, func())
	Broadcast(msgType string, data any)
}

// Coordinator drives both the requester and responder halves of C3 over
// one Transport.
type Coordinator struct {
	SelfID      string
	ValidatorID string
	Transport   Transport
	Prober      Prober
	Timeout     time.Duration
}

// New builds a Coordinator. transport may be nil when P2P is disabled.
// Timeout falls back to spec.md §4.3's 120s default if unset.
func New(selfID, validatorID string, transport Transport, prober Prober, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Coordinator{
		SelfID:      selfID,
		ValidatorID: validatorID,
		Transport:   transport,
		Prober:      prober,
		Timeout:     timeout,
	}
}

// RequestConsensus broadcasts a consensus_request for an UNHEALTHY
// observation and waits exactly the configured timeout — the window
// never closes early — before returning every distinct peer's most
// recent answer.
func (c *Coordinator) RequestConsensus(ctx context.Context, evidence []model.HealthCheckResult) Result {
	if c.Transport == nil {
		return Result{}
	}
	totalPeers := c.Transport.PeerCount()
	if totalPeers == 0 {
		return Result{}
	}

	consensusID := uuid.NewString()

	ch, cancel := c.Transport.Subscribe(p2p.TypeConsensusResponse)
	defer cancel()

	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		logger.Error("CONSENSUS", "failed to marshal evidence: %v", err)
		evidenceJSON = json.RawMessage("[]")
	}

	req := p2p.ConsensusRequestPayload{
		ValidatorID: c.ValidatorID,
		Status:      string(model.StatusUnhealthy),
		AgentID:     c.SelfID,
		Timestamp:   time.Now(),
		Evidence:    evidenceJSON,
		ConsensusID: consensusID,
	}
	consensusLog.WithFields(logrus.Fields{
		"consensusId": consensusID,
		"validatorId": c.ValidatorID,
		"peerCount":   totalPeers,
	}).Info("consensus round opened")
	c.Transport.Broadcast(p2p.TypeConsensusRequest, req)

	responses := make(map[string]Response)

	deadline := time.NewTimer(c.Timeout)
	defer deadline.Stop()

collect:
	for {
		select {
		case <-ctx.Done():
			break collect
		case <-deadline.C:
			break collect
		case env, ok := <-ch:
			if !ok {
				break collect
			}
			var payload p2p.ConsensusResponsePayload
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				continue
			}
			if payload.ConsensusID != consensusID || payload.RequesterID != c.SelfID {
				continue
			}
			// Duplicate responses from the same agent overwrite earlier ones.
			responses[payload.AgentID] = Response{
				AgentID:  payload.AgentID,
				Agree:    payload.Agree,
				Evidence: payload.Evidence,
			}
		}
	}

	result := Result{TotalPeers: totalPeers}
	for _, r := range responses {
		result.Responses = append(result.Responses, r)
		if r.Agree {
			result.AgreeCount++
		}
	}
	consensusLog.WithFields(logrus.Fields{
		"consensusId": consensusID,
		"validatorId": c.ValidatorID,
		"agreeCount":  result.AgreeCount,
		"totalPeers":  result.TotalPeers,
	}).Info("consensus round closed")
	return result
}

// MeetsQuorum applies the self-inclusive quorum rule: the requester
// counts itself as an implicit agreeing voter. When there are no peers
// to ask (TotalPeers == 0), P2P absence must not block alerting, so the
// requester proceeds unilaterally regardless of threshold.
func MeetsQuorum(result Result, threshold int) bool {
	if result.TotalPeers == 0 {
		return true
	}
	return result.AgreeCount+1 >= threshold
}

// StartResponder listens for inbound consensus_request messages
// targeting our validator and answers from the latest local probe
// result, broadcasting a consensus_response. A nil Transport means
// there is no fabric to listen on, so this is a no-op.
func (c *Coordinator) StartResponder(ctx context.Context) {
	if c.Transport == nil {
		return
	}
	ch, cancel := c.Transport.Subscribe(p2p.TypeConsensusRequest)

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				c.handleRequest(ctx, env)
			}
		}
	}()
}

func (c *Coordinator) handleRequest(ctx context.Context, env p2p.Envelope) {
	var req p2p.ConsensusRequestPayload
	if err := json.Unmarshal(env.Data, &req); err != nil {
		logger.Warn("CONSENSUS", "malformed consensus_request from %s: %v", env.From, err)
		return
	}

	if req.ConsensusID == "" {
		logger.Warn("CONSENSUS", "consensus_request from %s missing consensusId, dropping", env.From)
		return
	}

	if req.ValidatorID != c.ValidatorID {
		return // request for an unrelated validator
	}

	result := c.Prober.Latest(ctx)
	agree := result.Status == model.StatusUnhealthy

	var evidence json.RawMessage
	if agree {
		evidence, _ = json.Marshal(result)
	}

	resp := p2p.ConsensusResponsePayload{
		ValidatorID: req.ValidatorID,
		ConsensusID: req.ConsensusID,
		Agree:       agree,
		AgentID:     c.SelfID,
		RequesterID: req.AgentID,
		Timestamp:   time.Now(),
		Evidence:    evidence,
	}
	consensusLog.WithFields(logrus.Fields{
		"consensusId": req.ConsensusID,
		"validatorId": req.ValidatorID,
		"requesterId": req.AgentID,
		"agree":       agree,
	}).Info("consensus request answered")
	c.Transport.Broadcast(p2p.TypeConsensusResponse, resp)
}
