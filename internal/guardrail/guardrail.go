// Package guardrail enforces per-run and per-day regeneration quotas.
// Checks run before any lock is taken or external call is made, so a quota
// rejection costs nothing.
package guardrail

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/storyforge/storyforge/config"
	"github.com/storyforge/storyforge/internal/decompose"
)

// CounterStore is the persistence behind quota counters, keyed by scope.
type CounterStore interface {
	BumpQuota(ctx context.Context, scope string, resetAt time.Time) (int, error)
	QuotaCount(ctx context.Context, scope string) (int, time.Time, error)
	ReleaseQuota(ctx context.Context, scope string) error
}

// Manager applies the configured limits over explicit counter records.
type Manager struct {
	store    CounterStore
	perRun   int
	perDay   int
	resetExp *cronexpr.Expression
}

// NewManager builds a manager. An unparseable reset cron falls back to
// daily at midnight.
func NewManager(store CounterStore, cfg config.GuardrailsConfig) *Manager {
	expr, err := cronexpr.Parse(cfg.ResetCron)
	if err != nil {
		expr = cronexpr.MustParse("0 0 * * *")
	}
	return &Manager{
		store:    store,
		perRun:   cfg.PerRunLimit,
		perDay:   cfg.DailyLimit,
		resetExp: expr,
	}
}

func runScope(runID string) string { return "run:" + runID }

// runResetHorizon keeps a run's counter alive for the run's whole lifetime;
// only the day scope resets on the cron schedule.
const runResetHorizon = 90 * 24 * time.Hour

func dayScope(now time.Time) string {
	return "day:" + now.UTC().Format("2006-01-02")
}

func (m *Manager) nextReset(now time.Time) time.Time {
	return m.resetExp.Next(now)
}

// Consume claims one regeneration unit against both scopes. A limit breach
// on either scope rejects with QuotaExceededError; a unit already claimed on
// the run scope is handed back so rejections are side-effect free.
func (m *Manager) Consume(ctx context.Context, runID string) error {
	now := time.Now()
	reset := m.nextReset(now)

	runCount, err := m.store.BumpQuota(ctx, runScope(runID), now.Add(runResetHorizon))
	if err != nil {
		return fmt.Errorf("bump run quota: %w", err)
	}
	if runCount > m.perRun {
		_ = m.store.ReleaseQuota(ctx, runScope(runID))
		return &decompose.QuotaExceededError{Scope: runScope(runID), Count: runCount - 1, Limit: m.perRun, ResetAt: now.Add(runResetHorizon)}
	}

	dayCount, err := m.store.BumpQuota(ctx, dayScope(now), reset)
	if err != nil {
		_ = m.store.ReleaseQuota(ctx, runScope(runID))
		return fmt.Errorf("bump day quota: %w", err)
	}
	if dayCount > m.perDay {
		_ = m.store.ReleaseQuota(ctx, dayScope(now))
		_ = m.store.ReleaseQuota(ctx, runScope(runID))
		return &decompose.QuotaExceededError{Scope: dayScope(now), Count: dayCount - 1, Limit: m.perDay, ResetAt: reset}
	}
	return nil
}

// Release hands back one unit on both scopes, used when a consumed
// regeneration fails before producing a story.
func (m *Manager) Release(ctx context.Context, runID string) {
	_ = m.store.ReleaseQuota(ctx, runScope(runID))
	_ = m.store.ReleaseQuota(ctx, dayScope(time.Now()))
}

// Remaining reports the unused quota on both scopes without consuming.
func (m *Manager) Remaining(ctx context.Context, runID string) (decompose.QuotaRemaining, error) {
	runCount, _, err := m.store.QuotaCount(ctx, runScope(runID))
	if err != nil {
		return decompose.QuotaRemaining{}, fmt.Errorf("read run quota: %w", err)
	}
	now := time.Now()
	dayCount, _, err := m.store.QuotaCount(ctx, dayScope(now))
	if err != nil {
		return decompose.QuotaRemaining{}, fmt.Errorf("read day quota: %w", err)
	}
	return decompose.QuotaRemaining{
		PerRun:  maxInt(m.perRun-runCount, 0),
		PerDay:  maxInt(m.perDay-dayCount, 0),
		ResetAt: m.nextReset(now),
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
