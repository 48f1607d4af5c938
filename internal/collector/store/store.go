// Package store is the collector's durable persistence layer: an
// embedded bbolt database holding agents, validators, reports, alerts
// and webhook configuration/deliveries. Bucket-per-entity layout and
// the JSON-marshal-per-record shape are grounded in the boltstore
// implementation from the pack's uptime-monitor daemon.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/sentinelmesh/consensus-core/internal/model"
)

var (
	bucketAgents     = []byte("agents")
	bucketValidators = []byte("validators")
	bucketReports    = []byte("reports")
	bucketAlerts     = []byte("alerts")
	bucketWebhooks   = []byte("webhooks")
	bucketDeliveries = []byte("webhook_deliveries")
)

// ErrNotFound is returned when a lookup by id has no matching record.
var ErrNotFound = fmt.Errorf("record not found")

// Store is the collector's bbolt-backed persistence layer.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the database at path, ensuring every bucket
// exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketAgents, bucketValidators, bucketReports, bucketAlerts, bucketWebhooks, bucketDeliveries} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetAgent looks up an agent by id.
func (s *Store) GetAgent(id string) (*model.Agent, error) {
	var agent model.Agent
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketAgents).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// PutAgent inserts or replaces an agent record.
func (s *Store) PutAgent(agent model.Agent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAgents).Put([]byte(agent.ID), data)
	})
}

// GetValidator looks up a validator by id.
func (s *Store) GetValidator(id string) (*model.Validator, error) {
	var validator model.Validator
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketValidators).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &validator)
	})
	if err != nil {
		return nil, err
	}
	return &validator, nil
}

// PutValidator inserts or replaces a validator record.
func (s *Store) PutValidator(validator model.Validator) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(validator)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketValidators).Put([]byte(validator.ID), data)
	})
}

// CreateReport persists report (assigning an id if unset) and updates
// the reporting agent's lastSeen within the same transaction, so
// acceptance and lastSeen advance atomically as required by the
// ingress contract.
func (s *Store) CreateReport(report model.AgentReport, seenAt time.Time) (model.AgentReport, error) {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = seenAt
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		reportData, err := json.Marshal(report)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketReports).Put([]byte(report.ID), reportData); err != nil {
			return err
		}

		agentsBucket := tx.Bucket(bucketAgents)
		agentData := agentsBucket.Get([]byte(report.AgentID))
		if agentData == nil {
			return ErrNotFound
		}
		var agent model.Agent
		if err := json.Unmarshal(agentData, &agent); err != nil {
			return err
		}
		agent.LastSeen = seenAt
		updated, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		return agentsBucket.Put([]byte(agent.ID), updated)
	})
	if err != nil {
		return model.AgentReport{}, err
	}
	return report, nil
}

// UpdateReportStatus rewrites report's status in place, used by the
// aggregator to apply the monotonic terminal-status rewrite when a
// consensus window resolves.
func (s *Store) UpdateReportStatus(id string, status model.HealthStatus, consensus bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketReports)
		v := bucket.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var report model.AgentReport
		if err := json.Unmarshal(v, &report); err != nil {
			return err
		}
		report.Status = status
		report.Consensus = consensus
		data, err := json.Marshal(report)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(report.ID), data)
	})
}

// ListReportsByValidator returns every persisted report for validatorID.
func (s *Store) ListReportsByValidator(validatorID string) ([]model.AgentReport, error) {
	var reports []model.AgentReport
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReports).ForEach(func(k, v []byte) error {
			var report model.AgentReport
			if err := json.Unmarshal(v, &report); err != nil {
				return fmt.Errorf("failed to unmarshal report %s: %w", k, err)
			}
			if report.ValidatorID == validatorID {
				reports = append(reports, report)
			}
			return nil
		})
	})
	return reports, err
}

// CreateAlert persists a new alert, assigning an id if unset.
func (s *Store) CreateAlert(alert model.Alert) (model.Alert, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAlerts).Put([]byte(alert.ID), data)
	})
	if err != nil {
		return model.Alert{}, err
	}
	return alert, nil
}

// UpdateAlertStatus is the narrow external-facing mutation exposed for
// alert lifecycle management; the core never auto-resolves an alert.
func (s *Store) UpdateAlertStatus(id string, status model.AlertStatus, resolvedAt *time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAlerts)
		v := bucket.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var alert model.Alert
		if err := json.Unmarshal(v, &alert); err != nil {
			return err
		}
		alert.Status = status
		alert.ResolvedAt = resolvedAt
		data, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(alert.ID), data)
	})
}

// ListWebhooksForUser returns every active webhook config owned by userID.
func (s *Store) ListWebhooksForUser(userID string) ([]model.WebhookConfig, error) {
	var configs []model.WebhookConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWebhooks).ForEach(func(k, v []byte) error {
			var cfg model.WebhookConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("failed to unmarshal webhook %s: %w", k, err)
			}
			if cfg.UserID == userID && cfg.IsActive {
				configs = append(configs, cfg)
			}
			return nil
		})
	})
	return configs, err
}

// PutWebhook inserts or replaces a webhook config.
func (s *Store) PutWebhook(cfg model.WebhookConfig) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWebhooks).Put([]byte(cfg.ID), data)
	})
}

// RecordDelivery persists a webhook delivery attempt receipt.
func (s *Store) RecordDelivery(delivery model.WebhookDelivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(delivery)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeliveries).Put([]byte(delivery.ID), data)
	})
}
