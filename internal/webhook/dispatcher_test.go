package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sentinelmesh/consensus-core/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	configs   []model.WebhookConfig
	delivered []model.WebhookDelivery
}

func (f *fakeStore) ListWebhooksForUser(userID string) ([]model.WebhookConfig, error) {
	var matched []model.WebhookConfig
	for _, c := range f.configs {
		if c.UserID == userID {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

func (f *fakeStore) RecordDelivery(delivery model.WebhookDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, delivery)
	return nil
}

func TestDispatchSignsWithHMACAndOmitsLegacyHeader(t *testing.T) {
	var receivedSig, receivedLegacy string
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedSig = r.Header.Get("X-Sentinel-Signature")
		receivedLegacy = r.Header.Get("X-Sentinel-Secret")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{configs: []model.WebhookConfig{
		{ID: "wh-1", UserID: "user-1", URL: server.URL, Secret: "shh", IsActive: true, Events: map[string]bool{model.EventValidatorUnhealthy: true}},
	}}
	d := New(store)

	d.Dispatch(context.Background(), "user-1", model.EventValidatorUnhealthy, map[string]string{"validatorId": "validator-1"})

	require.NotEmpty(t, receivedSig)
	require.Empty(t, receivedLegacy, "legacy X-Sentinel-Secret header must never be sent")

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(receivedBody)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), receivedSig)

	var body deliveryBody
	require.NoError(t, json.Unmarshal(receivedBody, &body))
	require.Equal(t, model.EventValidatorUnhealthy, body.Event)

	require.Len(t, store.delivered, 1)
	require.True(t, store.delivered[0].Success)
	require.Equal(t, 200, store.delivered[0].StatusCode)
}

func TestDispatchSkipsUnsubscribedEvents(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{configs: []model.WebhookConfig{
		{ID: "wh-1", UserID: "user-1", URL: server.URL, IsActive: true, Events: map[string]bool{model.EventWebhookTest: true}},
	}}
	d := New(store)

	d.Dispatch(context.Background(), "user-1", model.EventValidatorUnhealthy, map[string]string{})
	require.False(t, called)
}

func TestDispatchRecordsFailureOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := &fakeStore{configs: []model.WebhookConfig{
		{ID: "wh-1", UserID: "user-1", URL: server.URL, IsActive: true, Events: map[string]bool{model.EventValidatorUnhealthy: true}},
	}}
	d := New(store)

	d.Dispatch(context.Background(), "user-1", model.EventValidatorUnhealthy, map[string]string{})

	require.Len(t, store.delivered, 1)
	require.False(t, store.delivered[0].Success)
	require.Equal(t, 500, store.delivered[0].StatusCode)
}

func TestDispatchNoSecretOmitsSignature(t *testing.T) {
	var receivedSig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedSig = r.Header.Get("X-Sentinel-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{configs: []model.WebhookConfig{
		{ID: "wh-1", UserID: "user-1", URL: server.URL, IsActive: true, Events: map[string]bool{model.EventValidatorUnhealthy: true}},
	}}
	d := New(store)

	d.Dispatch(context.Background(), "user-1", model.EventValidatorUnhealthy, map[string]string{})
	require.Empty(t, receivedSig)
}
