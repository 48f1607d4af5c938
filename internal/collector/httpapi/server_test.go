package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sentinelmesh/consensus-core/internal/model"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var errNotFound = errors.New("not found")

type fakeStore struct {
	agents     map[string]model.Agent
	validators map[string]model.Validator
	created    []model.AgentReport
}

func newFakeStore() *fakeStore {
	return &fakeStore{agents: make(map[string]model.Agent), validators: make(map[string]model.Validator)}
}

func (f *fakeStore) GetAgent(id string) (*model.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, errNotFound
	}
	return &a, nil
}

func (f *fakeStore) GetValidator(id string) (*model.Validator, error) {
	v, ok := f.validators[id]
	if !ok {
		return nil, errNotFound
	}
	return &v, nil
}

func (f *fakeStore) CreateReport(report model.AgentReport, seenAt time.Time) (model.AgentReport, error) {
	report.CreatedAt = seenAt
	f.created = append(f.created, report)
	return report, nil
}

type fakeAggregator struct {
	handled []model.AgentReport
}

func (f *fakeAggregator) HandleReport(ctx context.Context, report model.AgentReport) {
	f.handled = append(f.handled, report)
}

func postReport(t *testing.T, router http.Handler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/report", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAcceptsValidReport(t *testing.T) {
	store := newFakeStore()
	store.agents["agent-1"] = model.Agent{ID: "agent-1", ValidatorID: "validator-1", APIKey: "secret", IsActive: true}
	store.validators["validator-1"] = model.Validator{ID: "validator-1", IsActive: true}
	agg := &fakeAggregator{}

	router := NewServer(store, agg, nil)
	rec := postReport(t, router, reportRequest{AgentID: "agent-1", AgentAPIKey: "secret", ValidatorID: "validator-1", Status: model.StatusHealthy})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.created, 1)
	require.Len(t, agg.handled, 1, "handoff must happen before 200 is returned")
}

func TestRejectsMissingFields(t *testing.T) {
	store := newFakeStore()
	agg := &fakeAggregator{}
	router := NewServer(store, agg, nil)

	rec := postReport(t, router, reportRequest{Status: model.StatusHealthy})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRejectsBadStatus(t *testing.T) {
	store := newFakeStore()
	store.agents["agent-1"] = model.Agent{ID: "agent-1", ValidatorID: "validator-1", APIKey: "secret", IsActive: true}
	agg := &fakeAggregator{}
	router := NewServer(store, agg, nil)

	rec := postReport(t, router, reportRequest{AgentID: "agent-1", AgentAPIKey: "secret", ValidatorID: "validator-1", Status: model.StatusConsensusReached})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRejectsUnknownAgent(t *testing.T) {
	store := newFakeStore()
	agg := &fakeAggregator{}
	router := NewServer(store, agg, nil)

	rec := postReport(t, router, reportRequest{AgentID: "ghost", AgentAPIKey: "secret", ValidatorID: "validator-1", Status: model.StatusHealthy})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRejectsInactiveAgent(t *testing.T) {
	store := newFakeStore()
	store.agents["agent-1"] = model.Agent{ID: "agent-1", ValidatorID: "validator-1", APIKey: "secret", IsActive: false}
	agg := &fakeAggregator{}
	router := NewServer(store, agg, nil)

	rec := postReport(t, router, reportRequest{AgentID: "agent-1", AgentAPIKey: "secret", ValidatorID: "validator-1", Status: model.StatusHealthy})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRejectsWrongAPIKey(t *testing.T) {
	store := newFakeStore()
	store.agents["agent-1"] = model.Agent{ID: "agent-1", ValidatorID: "validator-1", APIKey: "secret", IsActive: true}
	agg := &fakeAggregator{}
	router := NewServer(store, agg, nil)

	rec := postReport(t, router, reportRequest{AgentID: "agent-1", AgentAPIKey: "wrong", ValidatorID: "validator-1", Status: model.StatusHealthy})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRejectsValidatorScopeMismatch(t *testing.T) {
	store := newFakeStore()
	store.agents["agent-1"] = model.Agent{ID: "agent-1", ValidatorID: "validator-1", APIKey: "secret", IsActive: true}
	agg := &fakeAggregator{}
	router := NewServer(store, agg, nil)

	rec := postReport(t, router, reportRequest{AgentID: "agent-1", AgentAPIKey: "secret", ValidatorID: "validator-2", Status: model.StatusHealthy})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRejectsInactiveValidator(t *testing.T) {
	store := newFakeStore()
	store.agents["agent-1"] = model.Agent{ID: "agent-1", ValidatorID: "validator-1", APIKey: "secret", IsActive: true}
	store.validators["validator-1"] = model.Validator{ID: "validator-1", IsActive: false}
	agg := &fakeAggregator{}
	router := NewServer(store, agg, nil)

	rec := postReport(t, router, reportRequest{AgentID: "agent-1", AgentAPIKey: "secret", ValidatorID: "validator-1", Status: model.StatusHealthy})
	require.Equal(t, http.StatusForbidden, rec.Code)
}
