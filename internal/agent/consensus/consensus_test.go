package consensus

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/sentinelmesh/consensus-core/internal/agent/p2p"
	"github.com/sentinelmesh/consensus-core/internal/model"
	"github.com/stretchr/testify/require"
)

func TestMeetsQuorum(t *testing.T) {
	cases := []struct {
		agree      int
		totalPeers int
		threshold  int
		want       bool
	}{
		{agree: 0, totalPeers: 1, threshold: 1, want: true},  // self alone satisfies threshold 1
		{agree: 0, totalPeers: 1, threshold: 2, want: false}, // self alone is not enough for 2 with a peer present
		{agree: 1, totalPeers: 1, threshold: 2, want: true},
		{agree: 2, totalPeers: 2, threshold: 2, want: true},
		{agree: 0, totalPeers: 0, threshold: 2, want: true}, // no peers: proceed unilaterally regardless of threshold
	}
	for _, c := range cases {
		got := MeetsQuorum(Result{AgreeCount: c.agree, TotalPeers: c.totalPeers}, c.threshold)
		require.Equal(t, c.want, got)
	}
}

func TestRequestConsensusNoPeers(t *testing.T) {
	transport := p2p.New("agent-a", 0, nil, 0)
	coord := New("agent-a", "validator-1", transport, nil, 200*time.Millisecond)

	result := coord.RequestConsensus(context.Background(), nil)
	require.Equal(t, 0, result.TotalPeers)
	require.Equal(t, 0, result.AgreeCount)
	require.Empty(t, result.Responses)
}

func TestRequestConsensusNilTransportBehavesAsZeroPeers(t *testing.T) {
	// P2P disabled: Transport is nil rather than a live fabric with zero
	// peers, but the outcome must be identical, and StartResponder must
	// be a safe no-op rather than a nil-pointer panic.
	coord := New("agent-a", "validator-1", nil, nil, 200*time.Millisecond)

	result := coord.RequestConsensus(context.Background(), nil)
	require.Equal(t, 0, result.TotalPeers)
	require.Equal(t, 0, result.AgreeCount)
	require.Empty(t, result.Responses)
	require.True(t, MeetsQuorum(result, 1), "self-inclusive rule alone satisfies threshold 1")
	require.True(t, MeetsQuorum(result, 2), "zero peers means the requester proceeds unilaterally regardless of threshold")

	coord.StartResponder(context.Background())
}

type fakeProber struct {
	result model.HealthCheckResult
}

func (f fakeProber) Latest(ctx context.Context) model.HealthCheckResult {
	return f.result
}

func TestRequestAndRespondRoundTrip(t *testing.T) {
	requesterPort := 34101
	responderPort := 34102

	requesterTransport := p2p.New("agent-requester", requesterPort, nil, time.Hour)
	responderTransport := p2p.New("agent-responder", responderPort, []string{"http://127.0.0.1:" + strconv.Itoa(requesterPort)}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, requesterTransport.Start(ctx))
	require.NoError(t, responderTransport.Start(ctx))
	defer requesterTransport.Close()
	defer responderTransport.Close()

	// give the responder time to dial and complete the peer_hello handshake.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if requesterTransport.PeerCount() > 0 && responderTransport.PeerCount() > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, 1, requesterTransport.PeerCount())
	require.Equal(t, 1, responderTransport.PeerCount())

	responderCoord := New("agent-responder", "validator-1", responderTransport, fakeProber{
		result: model.HealthCheckResult{ValidatorID: "validator-1", Status: model.StatusUnhealthy},
	}, 0)
	responderCoord.StartResponder(ctx)

	requesterCoord := New("agent-requester", "validator-1", requesterTransport, nil, 500*time.Millisecond)
	result := requesterCoord.RequestConsensus(ctx, []model.HealthCheckResult{{ValidatorID: "validator-1", Status: model.StatusUnhealthy}})

	require.Equal(t, 1, result.TotalPeers)
	require.Equal(t, 1, result.AgreeCount)
	require.Len(t, result.Responses, 1)
	require.Equal(t, "agent-responder", result.Responses[0].AgentID)
	require.True(t, result.Responses[0].Agree)
	require.True(t, MeetsQuorum(result, 2))
}
