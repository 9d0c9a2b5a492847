package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/geo"
	"evrewards/backend/services/rewards-service/internal/ids"
	"evrewards/backend/services/rewards-service/internal/metrics"
	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

// SweepReport counts outcomes of one reconciliation pass.
type SweepReport struct {
	Scanned         int `json:"scanned"`
	Matched         int `json:"matched"`
	Deferred        int `json:"deferred"`
	NoCandidate     int `json:"no_candidate"`
	Expired         int `json:"expired"`
	AlreadyResolved int `json:"already_resolved"`
	Failed          int `json:"failed"`
}

func (r *SweepReport) add(outcome models.MatchOutcome) {
	r.Scanned++
	switch outcome {
	case models.OutcomeMatched:
		r.Matched++
	case models.OutcomeDeferred:
		r.Deferred++
	case models.OutcomeNoCandidate:
		r.NoCandidate++
	case models.OutcomeExpired:
		r.Expired++
	case models.OutcomeAlreadyResolved:
		r.AlreadyResolved++
	}
}

// MatchReconciler pairs PosEvents with Sessions and emits VerifiedCharges exactly once.
type MatchReconciler struct {
	store      store.Store
	ledger     *WalletLedger
	reputation *ReputationEngine
	cache      SessionCache
	policy     MatchPolicy
	logger     *zap.Logger
}

// NewMatchReconciler builds reconciler. cache may be nil.
func NewMatchReconciler(st store.Store, ledger *WalletLedger, reputation *ReputationEngine, cache SessionCache, policy MatchPolicy, logger *zap.Logger) *MatchReconciler {
	if policy.BatchSize <= 0 {
		policy.BatchSize = 500
	}
	return &MatchReconciler{
		store:      st,
		ledger:     ledger,
		reputation: reputation,
		cache:      cache,
		policy:     policy,
		logger:     logger,
	}
}

type emission struct {
	charge  *models.VerifiedCharge
	credits []models.CreditResult
}

// ReconcileEvent runs one reconciliation attempt for a PosEvent. Running it again for a
// resolved event reports OutcomeAlreadyResolved and changes nothing.
func (m *MatchReconciler) ReconcileEvent(ctx context.Context, posEventID uuid.UUID) (models.MatchResult, error) {
	started := time.Now()
	result := models.MatchResult{PosEventID: posEventID}
	var out emission

	err := m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		result = models.MatchResult{PosEventID: posEventID}
		out = emission{}
		now := timeNow()

		state, err := tx.Matches().LockState(ctx, posEventID)
		if err != nil {
			return err
		}
		if state.Status != models.MatchPending {
			result.Outcome = models.OutcomeAlreadyResolved
			if state.Status == models.MatchMatched {
				charge, err := tx.Matches().GetVerifiedByPosEvent(ctx, posEventID)
				if err != nil && !errors.Is(err, models.ErrNotFound) {
					return err
				}
				result.Charge = charge
			}
			return nil
		}

		event, err := tx.PosEvents().Get(ctx, posEventID)
		if err != nil {
			return err
		}
		if m.expired(event, now) {
			if err := tx.Matches().MarkUnmatched(ctx, posEventID, now); err != nil {
				return err
			}
			if event.AmountCents > 0 {
				if err := tx.Merchants().AddPending(ctx, event.MerchantID, event.AmountCents, event.AmountCents, now); err != nil {
					return err
				}
			}
			result.Outcome = models.OutcomeExpired
			return nil
		}

		candidates, err := m.candidates(ctx, tx, event, now)
		if err != nil {
			return err
		}
		eligible, low := splitByConfidence(candidates)
		best := m.rank(event, eligible, now)
		switch {
		case best == nil && len(low) > 0:
			result.Outcome = models.OutcomeDeferred
			return tx.Matches().RecordAttempt(ctx, posEventID, now)
		case best == nil:
			result.Outcome = models.OutcomeNoCandidate
			return tx.Matches().RecordAttempt(ctx, posEventID, now)
		}

		out, err = m.emit(ctx, tx, event, best, now)
		if err != nil {
			return err
		}
		result.Outcome = models.OutcomeMatched
		result.Charge = out.charge
		return nil
	})
	if err != nil {
		metrics.MatchOutcome("error", time.Since(started))
		if errors.Is(err, models.ErrInvariantViolation) {
			m.logger.Error("reconciliation failed", zap.String("pos_event_id", posEventID.String()), zap.Error(err))
		}
		return models.MatchResult{}, err
	}

	metrics.MatchOutcome(string(result.Outcome), time.Since(started))
	m.report(result, out)
	return result, nil
}

func (m *MatchReconciler) report(result models.MatchResult, out emission) {
	fields := []zap.Field{zap.String("pos_event_id", result.PosEventID.String()), zap.String("outcome", string(result.Outcome))}
	switch result.Outcome {
	case models.OutcomeMatched:
		charge := result.Charge
		m.logger.Info("verified charge emitted", append(fields,
			zap.String("charge_id", charge.ID.String()),
			zap.String("session_id", charge.SessionID.String()),
			zap.String("user_id", charge.UserID),
			zap.String("merchant_id", charge.MerchantID),
			zap.Int64("amount_cents", charge.AmountCents),
			zap.String("idempotency_key", charge.IdempotencyKey),
		)...)
		for _, credit := range out.credits {
			m.ledger.observe(credit)
		}
		m.invalidate(charge.SessionID)
	case models.OutcomeExpired:
		m.logger.Info("pos event left unmatched", fields...)
	default:
		m.logger.Debug("pos event reconciled", fields...)
	}
}

// expired reports whether the retention window of event has elapsed.
func (m *MatchReconciler) expired(event *models.PosEvent, now time.Time) bool {
	if m.policy.Retention <= 0 {
		return false
	}
	anchor := event.EventAt
	if event.CreatedAt.After(anchor) {
		anchor = event.CreatedAt
	}
	return now.After(anchor.Add(m.policy.Retention))
}

// candidates lists sessions whose lifetime overlaps event time within the slack.
func (m *MatchReconciler) candidates(ctx context.Context, tx store.Tx, event *models.PosEvent, now time.Time) ([]models.Session, error) {
	from := event.EventAt.Add(-m.policy.Slack)
	to := event.EventAt.Add(m.policy.Slack)

	var sessions []models.Session
	if event.UserID != "" {
		found, err := tx.Sessions().ListByUserInWindow(ctx, event.UserID, from, to)
		if err != nil {
			return nil, err
		}
		sessions = found
	} else {
		merchant, err := tx.Merchants().Get(ctx, event.MerchantID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		center := geo.Point{Lat: merchant.Lat, Lng: merchant.Lng}
		found, err := tx.Sessions().ListNearInWindow(ctx, geo.BoxAround(center, m.policy.RadiusM), from, to)
		if err != nil {
			return nil, err
		}
		for _, s := range found {
			if geo.DistanceM(center, geo.Point{Lat: s.LastLat, Lng: s.LastLng}) <= m.policy.RadiusM {
				sessions = append(sessions, s)
			}
		}
	}

	horizon := now.Add(-m.policy.Retention)
	eligible := sessions[:0]
	for _, s := range sessions {
		if m.policy.Retention > 0 && s.EndAt != nil && s.EndAt.Before(horizon) {
			continue
		}
		eligible = append(eligible, s)
	}
	return eligible, nil
}

// splitByConfidence separates sessions that may be matched now from those that are
// still below MEDIUM.
func splitByConfidence(sessions []models.Session) (eligible, low []models.Session) {
	for _, s := range sessions {
		if s.Confidence.AtLeast(models.ConfidenceMedium) {
			eligible = append(eligible, s)
		} else {
			low = append(low, s)
		}
	}
	return eligible, low
}

// rank returns the best candidate: smallest time delta, then higher confidence,
// then most recent report.
func (m *MatchReconciler) rank(event *models.PosEvent, sessions []models.Session, now time.Time) *models.Session {
	if len(sessions) == 0 {
		return nil
	}
	deltas := make(map[uuid.UUID]time.Duration, len(sessions))
	for _, s := range sessions {
		deltas[s.ID] = windowDelta(event.EventAt, s, now)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if da, db := deltas[a.ID], deltas[b.ID]; da != db {
			return da < db
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.LastReportAt.Equal(b.LastReportAt) {
			return a.LastReportAt.After(b.LastReportAt)
		}
		return a.ID.String() < b.ID.String()
	})
	best := sessions[0]
	return &best
}

// windowDelta is the distance from at to the session window, zero when inside it.
func windowDelta(at time.Time, s models.Session, now time.Time) time.Duration {
	start := s.WindowStart()
	end := s.WindowEnd(now)
	switch {
	case at.Before(start):
		return start.Sub(at)
	case at.After(end):
		return at.Sub(end)
	default:
		return 0
	}
}

// emit records the VerifiedCharge, resolves the match and posts all resulting credits
// in the caller's transaction.
func (m *MatchReconciler) emit(ctx context.Context, tx store.Tx, event *models.PosEvent, candidate *models.Session, now time.Time) (emission, error) {
	session, err := tx.Sessions().GetForUpdate(ctx, candidate.ID)
	if err != nil {
		return emission{}, err
	}

	charge := &models.VerifiedCharge{
		ID:             ids.VerifiedChargeID(session.ID, event.ID),
		SessionID:      session.ID,
		PosEventID:     event.ID,
		UserID:         session.UserID,
		MerchantID:     event.MerchantID,
		StationID:      session.StationID,
		Confidence:     session.Confidence,
		AmountCents:    event.AmountCents,
		EventAt:        event.EventAt,
		IdempotencyKey: ids.VerifiedChargeKey(session.ID, event.ID),
		CreatedAt:      now,
	}
	if session.EnergyKWh != nil {
		charge.EnergyKWh = *session.EnergyKWh
	}

	created, err := tx.Matches().InsertVerified(ctx, charge)
	if err != nil {
		return emission{}, err
	}
	if !created {
		existing, err := tx.Matches().GetVerifiedByPosEvent(ctx, event.ID)
		if err != nil {
			return emission{}, err
		}
		if err := tx.Matches().MarkMatched(ctx, event.ID, existing.SessionID, now); err != nil {
			return emission{}, err
		}
		return emission{charge: existing}, nil
	}

	if !session.VerifiedCharge {
		session.VerifiedCharge = true
		session.UpdatedAt = now
		if err := tx.Sessions().Update(ctx, session); err != nil {
			return emission{}, err
		}
	}
	if err := tx.Matches().MarkMatched(ctx, event.ID, session.ID, now); err != nil {
		return emission{}, err
	}

	var credits []models.CreditResult
	reward := shareOf(event.AmountCents, m.policy.RewardShare)
	switch {
	case reward > 0:
		credit, err := m.ledger.CreditInTx(ctx, tx, CreditRequest{
			UserID:         session.UserID,
			AmountCents:    reward,
			Source:         models.SourceMerchantReward,
			MerchantID:     event.MerchantID,
			SettleCents:    event.AmountCents,
			IdempotencyKey: charge.IdempotencyKey,
			Meta: models.WalletMeta{
				Kind: models.MetaMerchantReward,
				MerchantReward: &models.MerchantRewardMeta{
					ChargeID:   charge.ID,
					SessionID:  session.ID,
					PosEventID: event.ID,
					Confidence: session.Confidence.String(),
					OrderID:    event.OrderID,
				},
			},
		})
		if err != nil {
			return emission{}, err
		}
		credits = append(credits, credit)
	case event.AmountCents > 0:
		if err := tx.Merchants().AddPending(ctx, event.MerchantID, event.AmountCents, 0, now); err != nil {
			return emission{}, err
		}
	}

	if m.reputation != nil {
		followerCredits, err := m.reputation.ApplyVerifiedChargeInTx(ctx, tx, *charge)
		if err != nil {
			return emission{}, err
		}
		credits = append(credits, followerCredits...)
	}
	return emission{charge: charge, credits: credits}, nil
}

// ReconcileSession retries every pending PosEvent that session could satisfy.
func (m *MatchReconciler) ReconcileSession(ctx context.Context, session models.Session) (SweepReport, error) {
	var pending []models.PendingMatch
	err := m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		byUser, err := tx.PosEvents().ListPending(ctx, store.PendingFilter{UserID: session.UserID, Limit: m.policy.BatchSize})
		if err != nil {
			return err
		}
		pending = byUser
		if session.MerchantID == "" {
			return nil
		}
		byMerchant, err := tx.PosEvents().ListPending(ctx, store.PendingFilter{MerchantID: session.MerchantID, Limit: m.policy.BatchSize})
		if err != nil {
			return err
		}
		pending = append(pending, byMerchant...)
		return nil
	})
	if err != nil {
		return SweepReport{}, err
	}
	return m.reconcileAll(ctx, pending)
}

// Sweep retries the least recently attempted pending PosEvents, expiring those past retention.
func (m *MatchReconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var pending []models.PendingMatch
	err := m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		pending, err = tx.PosEvents().ListPending(ctx, store.PendingFilter{Limit: m.policy.BatchSize, StalestFirst: true})
		return err
	})
	if err != nil {
		return SweepReport{}, err
	}
	report, err := m.reconcileAll(ctx, pending)
	if report.Scanned > 0 {
		m.logger.Info("reconciliation sweep",
			zap.Int("scanned", report.Scanned),
			zap.Int("matched", report.Matched),
			zap.Int("deferred", report.Deferred),
			zap.Int("no_candidate", report.NoCandidate),
			zap.Int("expired", report.Expired),
			zap.Int("failed", report.Failed),
		)
	}
	return report, err
}

func (m *MatchReconciler) reconcileAll(ctx context.Context, pending []models.PendingMatch) (SweepReport, error) {
	var report SweepReport
	var firstErr error
	seen := make(map[uuid.UUID]struct{}, len(pending))
	for _, p := range pending {
		if _, ok := seen[p.Event.ID]; ok {
			continue
		}
		seen[p.Event.ID] = struct{}{}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result, err := m.ReconcileEvent(ctx, p.Event.ID)
		if err != nil {
			report.Failed++
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn("reconcile pos event", zap.String("pos_event_id", p.Event.ID.String()), zap.Error(err))
			continue
		}
		report.add(result.Outcome)
	}
	return report, firstErr
}

// PosEventIngested reconciles a freshly ingested event.
func (m *MatchReconciler) PosEventIngested(ctx context.Context, posEventID uuid.UUID) {
	if _, err := m.ReconcileEvent(ctx, posEventID); err != nil {
		m.logger.Warn("reconcile after ingest", zap.String("pos_event_id", posEventID.String()), zap.Error(err))
	}
}

// SessionChanged re-evaluates deferred events after a confidence raise or a close.
func (m *MatchReconciler) SessionChanged(ctx context.Context, session models.Session) {
	if !session.Confidence.AtLeast(models.ConfidenceMedium) {
		return
	}
	if _, err := m.ReconcileSession(ctx, session); err != nil {
		m.logger.Warn("reconcile after session change", zap.String("session_id", session.ID.String()), zap.Error(err))
	}
}

func (m *MatchReconciler) invalidate(sessionID uuid.UUID) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(context.Background(), sessionID); err != nil {
		m.logger.Warn("failed to invalidate session snapshot", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}
