// Package tokenmeter records LLM token usage and raises advisory
// budget alerts. Metering never blocks or fails the reply path: the
// usage row is written synchronously, limit evaluation runs in the
// background and may lag real usage by one turn.
package tokenmeter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/store"
)

// NotificationService delivers threshold-crossing alerts to operators.
type NotificationService interface {
	SendTokenUsageAlert(ctx context.Context, alert *store.TokenUsageAlert, limit *store.TokenUsageLimit) error
}

// Usage is one LLM call's token counts.
type Usage struct {
	TenantID         string
	AgentID          string
	ConversationID   string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Meter writes immutable usage rows and checks budgets asynchronously.
type Meter struct {
	store    *store.Store
	cfg      config.TokensConfig
	notifier NotificationService
	now      func() time.Time
	wg       sync.WaitGroup
}

// New creates a meter. notifier may be nil; alerts are then recorded
// but not delivered.
func New(st *store.Store, cfg config.TokensConfig, notifier NotificationService) *Meter {
	return &Meter{store: st, cfg: cfg, notifier: notifier, now: time.Now}
}

// Log writes one immutable usage record with its estimated cost, then
// triggers a background limit check for the tenant/agent scope.
func (m *Meter) Log(ctx context.Context, u Usage) error {
	total := u.PromptTokens + u.CompletionTokens
	rec := &store.TokenUsageLog{
		TenantID:         u.TenantID,
		AgentID:          u.AgentID,
		ConversationID:   u.ConversationID,
		Model:            u.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      total,
		Cost:             float64(total) / 1000.0 * m.costPer1K(u.Model),
	}
	if err := m.store.InsertUsage(rec); err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Token limit check panicked", "tenant", u.TenantID, "agent", u.AgentID, "panic", r)
			}
		}()
		m.checkLimits(context.Background(), u.TenantID, u.AgentID)
	}()
	return nil
}

// Wait blocks until all in-flight limit checks complete.
func (m *Meter) Wait() {
	m.wg.Wait()
}

func (m *Meter) costPer1K(model string) float64 {
	if cost, ok := m.cfg.CostPer1K[model]; ok {
		return cost
	}
	return m.cfg.DefaultCost1K
}

// checkLimits evaluates the applicable monthly and daily budgets. Alert
// rows are deduplicated per (tenant, agent, limit type) within the
// alert window: below five percentage points of growth the existing row
// is amended in place; at or beyond it a new row is created and
// notified.
func (m *Meter) checkLimits(ctx context.Context, tenantID, agentID string) {
	now := m.now().UTC()
	periods := map[string]time.Time{
		store.LimitMonthly: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		store.LimitDaily:   time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
	}

	for _, limitType := range []string{store.LimitMonthly, store.LimitDaily} {
		limit, err := m.store.GetLimit(tenantID, agentID, limitType)
		if err != nil {
			slog.Warn("Token limit lookup failed", "tenant", tenantID, "type", limitType, "error", err)
			continue
		}
		if limit == nil || limit.MaxTokens <= 0 {
			continue
		}

		used, err := m.store.SumUsageSince(tenantID, limit.AgentID, periods[limitType])
		if err != nil {
			slog.Warn("Token usage sum failed", "tenant", tenantID, "type", limitType, "error", err)
			continue
		}

		ratio := float64(used) / float64(limit.MaxTokens)
		if ratio < limit.WarningThreshold {
			continue
		}
		m.raiseAlert(ctx, limit, used, ratio*100)
	}
}

func (m *Meter) raiseAlert(ctx context.Context, limit *store.TokenUsageLimit, used int64, percent float64) {
	window := m.now().UTC().Add(-time.Duration(m.cfg.AlertWindowHours) * time.Hour)
	existing, err := m.store.GetRecentAlert(limit.TenantID, limit.AgentID, limit.LimitType, window)
	if err != nil {
		slog.Warn("Alert lookup failed", "tenant", limit.TenantID, "type", limit.LimitType, "error", err)
		return
	}

	if existing != nil && percent-existing.UsagePercent < 5 {
		if err := m.store.AmendAlert(existing.ID, percent, used); err != nil {
			slog.Warn("Alert amend failed", "alert", existing.ID, "error", err)
		}
		return
	}

	alert := &store.TokenUsageAlert{
		TenantID:     limit.TenantID,
		AgentID:      limit.AgentID,
		LimitType:    limit.LimitType,
		UsagePercent: percent,
		TokensUsed:   used,
		TokenLimit:   limit.MaxTokens,
	}
	if err := m.store.InsertAlert(alert); err != nil {
		slog.Warn("Alert insert failed", "tenant", limit.TenantID, "type", limit.LimitType, "error", err)
		return
	}
	slog.Info("Token usage alert raised",
		"tenant", limit.TenantID, "agent", limit.AgentID,
		"type", limit.LimitType, "percent", fmt.Sprintf("%.1f", percent))

	if m.notifier == nil {
		return
	}
	if err := m.notifier.SendTokenUsageAlert(ctx, alert, limit); err != nil {
		slog.Warn("Alert notification failed", "alert", alert.ID, "error", err)
		return
	}
	if err := m.store.MarkAlertNotified(alert.ID); err != nil {
		slog.Warn("Alert notified flag update failed", "alert", alert.ID, "error", err)
	}
}
