// Package alerts evaluates project alert rules against recently
// ingested issues and dispatches notifications to Slack, Discord, and
// Google Chat webhooks.
//
// Grounded in GlitchTip's apps/alerts/tasks.py (process_event_alerts)
// and apps/alerts/webhooks.py, with the background-ticker shape
// adapted from the teacher's provider.HealthPoller.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/glitchtip/ingest/cache"
	"github.com/glitchtip/ingest/db"
)

// Evaluator periodically checks every configured alert rule against
// issues that received events since the last drain of the active-issue
// set, firing a Notification (and its webhook dispatch) for each rule
// whose quantity/timespan threshold is met.
type Evaluator struct {
	store       *db.Store
	cacheStore  *cache.Store
	dispatcher  *Dispatcher
	logger      zerolog.Logger
	interval    time.Duration
	maxPerAlert int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an alert evaluator. interval is clamped to a 5 second
// floor, matching the teacher's health poller guard against
// runaway-tight polling loops.
func New(store *db.Store, cacheStore *cache.Store, dispatcher *Dispatcher, logger zerolog.Logger, interval time.Duration, maxPerAlert int) *Evaluator {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &Evaluator{
		store:       store,
		cacheStore:  cacheStore,
		dispatcher:  dispatcher,
		logger:      logger.With().Str("component", "alert_evaluator").Logger(),
		interval:    interval,
		maxPerAlert: maxPerAlert,
		done:        make(chan struct{}),
	}
}

func (e *Evaluator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.logger.Info().Dur("interval", e.interval).Msg("starting alert evaluator")
	go e.loop(ctx)
}

func (e *Evaluator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.done
	e.logger.Info().Msg("alert evaluator stopped")
}

func (e *Evaluator) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluate(ctx)
		}
	}
}

// evaluate mirrors process_event_alerts: drain the recently-active
// issue set first (a nil drain result disables the filter rather than
// skipping evaluation, matching "Support not having valkey, in
// theory"), bail out early when nothing changed, then check every
// rule's threshold only against issues that could plausibly qualify.
func (e *Evaluator) evaluate(ctx context.Context) {
	activeIssueIDs, err := e.cacheStore.DrainActiveIssues(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to drain active issue set, evaluating unfiltered")
		activeIssueIDs = nil
	} else if activeIssueIDs != nil && len(activeIssueIDs) == 0 {
		return
	}

	rules, err := e.store.ListEvaluableAlertRules(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list alert rules")
		return
	}

	now := time.Now().UTC()
	var wg sync.WaitGroup
	for _, rule := range rules {
		rule := rule
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.evaluateRule(ctx, rule, now, activeIssueIDs)
		}()
	}
	wg.Wait()
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule db.AlertRule, now time.Time, activeIssueIDs []int64) {
	since := now.Add(-time.Duration(rule.TimespanMinutes) * time.Minute)
	issueIDs, err := e.store.QualifyingIssues(ctx, rule, since, activeIssueIDs)
	if err != nil {
		e.logger.Error().Err(err).Int64("alert_id", rule.ID).Msg("failed to evaluate alert rule")
		return
	}
	if len(issueIDs) == 0 {
		return
	}

	notificationID, err := e.store.CreateNotification(ctx, rule.ID, issueIDs)
	if err != nil {
		e.logger.Error().Err(err).Int64("alert_id", rule.ID).Msg("failed to create notification")
		return
	}

	issues, total, err := e.store.NotificationIssues(ctx, notificationID, e.maxPerAlert)
	if err != nil {
		e.logger.Error().Err(err).Int64("notification_id", notificationID).Msg("failed to load notification issues")
		return
	}

	if rule.WebhookURL == "" {
		return
	}
	if err := e.dispatcher.Send(ctx, rule, issues, total); err != nil {
		e.logger.Warn().Err(err).Int64("alert_id", rule.ID).Msg("webhook dispatch failed")
	}
}
