// Package integrations connects the kernel to external services. Providers
// declare an action list; credentials are sealed at rest and every call is
// journaled.
package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/secrets"
	"github.com/aether-os/aether/internal/state"
	"github.com/aether-os/aether/pkg/kernel"
)

// Provider implements one integration type.
type Provider interface {
	Type() string
	Actions() []string
	// Test verifies the credentials reach the service.
	Test(ctx context.Context, creds map[string]string) error
	// Execute performs one action.
	Execute(ctx context.Context, creds map[string]string, action string, params map[string]any) (any, error)
}

// RegisterSpec is the client-facing registration payload.
type RegisterSpec struct {
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Credentials map[string]string `json:"credentials"`
}

// TestResult reports one connectivity check.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Manager owns all registered integrations.
type Manager struct {
	store     *state.Store
	box       *secrets.Box
	logger    *logger.Logger
	providers map[string]Provider
}

// NewManager creates the manager with the default provider set.
func NewManager(store *state.Store, box *secrets.Box, log *logger.Logger) *Manager {
	m := &Manager{
		store:     store,
		box:       box,
		logger:    log.WithFields(zap.String("component", "integration-manager")),
		providers: make(map[string]Provider),
	}
	m.AddProvider(NewS3Provider())
	return m
}

// AddProvider registers a provider implementation.
func (m *Manager) AddProvider(p Provider) {
	m.providers[p.Type()] = p
}

// Register seals the credentials and persists a new integration.
func (m *Manager) Register(ctx context.Context, spec RegisterSpec) (*state.IntegrationRecord, error) {
	if _, ok := m.providers[spec.Type]; !ok {
		return nil, kernel.InvalidArgument("unknown integration type: %s", spec.Type)
	}
	if spec.Name == "" {
		return nil, kernel.InvalidArgument("integration name must not be empty")
	}

	raw, err := json.Marshal(spec.Credentials)
	if err != nil {
		return nil, err
	}
	sealed, err := m.box.Seal(string(raw))
	if err != nil {
		return nil, err
	}

	rec := &state.IntegrationRecord{
		ID:          uuid.New().String(),
		Type:        spec.Type,
		Name:        spec.Name,
		Credentials: sealed,
		Status:      "registered",
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.InsertIntegration(ctx, rec); err != nil {
		return nil, err
	}
	m.logger.Info("integration registered",
		zap.String("id", rec.ID), zap.String("type", rec.Type))
	return rec, nil
}

// Test checks connectivity and updates the stored status.
func (m *Manager) Test(ctx context.Context, id string) (*TestResult, error) {
	rec, provider, creds, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	testErr := provider.Test(ctx, creds)
	status := "ok"
	result := &TestResult{Success: true, Message: "connection ok"}
	if testErr != nil {
		status = "error"
		result = &TestResult{Success: false, Message: testErr.Error()}
	}
	if err := m.store.UpdateIntegrationStatus(ctx, rec.ID, status); err != nil {
		m.logger.WithError(err).Warn("failed to update integration status", zap.String("id", id))
	}
	m.appendLog(ctx, rec.ID, "test", status, result.Message)
	return result, nil
}

// Execute runs one provider action and journals the call.
func (m *Manager) Execute(ctx context.Context, id, action string, params map[string]any) (any, error) {
	rec, provider, creds, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	out, execErr := provider.Execute(ctx, creds, action, params)
	if execErr != nil {
		m.appendLog(ctx, rec.ID, action, "error", execErr.Error())
		return nil, execErr
	}
	m.appendLog(ctx, rec.ID, action, "ok", "")
	return out, nil
}

// GetLogs returns the most recent call records for an integration.
func (m *Manager) GetLogs(ctx context.Context, id string, limit int) ([]*state.IntegrationLog, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.GetIntegrationLogs(ctx, id, limit)
}

// List returns every registered integration.
func (m *Manager) List(ctx context.Context) ([]*state.IntegrationRecord, error) {
	return m.store.GetAllIntegrations(ctx)
}

// Delete removes an integration and its logs.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteIntegration(ctx, id)
}

func (m *Manager) resolve(ctx context.Context, id string) (*state.IntegrationRecord, Provider, map[string]string, error) {
	rec, err := m.store.GetIntegration(ctx, id)
	if err != nil {
		if err == state.ErrNotFound {
			return nil, nil, nil, kernel.NotFound("integration not found: %s", id)
		}
		return nil, nil, nil, err
	}
	provider, ok := m.providers[rec.Type]
	if !ok {
		return nil, nil, nil, kernel.InvalidArgument("no provider for type: %s", rec.Type)
	}
	opened, err := m.box.Open(rec.Credentials)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unseal credentials: %w", err)
	}
	var creds map[string]string
	if err := json.Unmarshal([]byte(opened), &creds); err != nil {
		return nil, nil, nil, fmt.Errorf("decode credentials: %w", err)
	}
	return rec, provider, creds, nil
}

func (m *Manager) appendLog(ctx context.Context, id, action, status, detail string) {
	err := m.store.AppendIntegrationLog(ctx, &state.IntegrationLog{
		IntegrationID: id,
		Action:        action,
		Status:        status,
		Detail:        detail,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		m.logger.WithError(err).Warn("failed to journal integration call", zap.String("id", id))
	}
}
