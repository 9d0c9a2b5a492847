package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/geo"
	"evrewards/backend/services/rewards-service/internal/metrics"
	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

// SessionObserver is notified after a session commit that raised confidence or closed it.
type SessionObserver interface {
	SessionChanged(ctx context.Context, session models.Session)
}

// SessionCache is a read-through cache of session snapshots.
type SessionCache interface {
	Save(ctx context.Context, snapshot models.SessionSnapshot) error
	Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionSnapshot, error)
	Delete(ctx context.Context, sessionID uuid.UUID) error
}

// SessionTracker turns location reports into sessions with graded confidence.
type SessionTracker struct {
	store    store.Store
	locker   Locker
	cache    SessionCache
	observer SessionObserver
	policy   TrackingPolicy
	logger   *zap.Logger
}

// NewSessionTracker builds tracker. cache may be nil.
func NewSessionTracker(st store.Store, locker Locker, cache SessionCache, policy TrackingPolicy, logger *zap.Logger) *SessionTracker {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if policy.MaxGeofenceRadiusM <= 0 {
		policy.MaxGeofenceRadiusM = 1000
	}
	return &SessionTracker{
		store:  st,
		locker: locker,
		cache:  cache,
		policy: policy,
		logger: logger,
	}
}

// SetObserver registers the session change listener.
func (t *SessionTracker) SetObserver(observer SessionObserver) {
	t.observer = observer
}

type sessionChange struct {
	session models.Session
	raised  bool
	closed  bool
}

// ReportLocation applies one location sample to the user's open session, opening one if needed.
func (t *SessionTracker) ReportLocation(ctx context.Context, report models.LocationReport) (*models.SessionSnapshot, error) {
	if report.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	point := geo.Point{Lat: report.Lat, Lng: report.Lng}
	if !geo.Valid(point) {
		return nil, fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	if report.AccuracyM != nil && (*report.AccuracyM < 0 || math.IsNaN(*report.AccuracyM)) {
		return nil, fmt.Errorf("%w: accuracy must be non-negative", models.ErrValidation)
	}

	now := timeNow()
	at := now
	if report.ClientAt != nil && !report.ClientAt.IsZero() && report.ClientAt.Before(now) {
		at = report.ClientAt.UTC()
	}

	release, err := t.locker.Acquire(ctx, userLockKey(report.UserID))
	if err != nil {
		return nil, err
	}
	defer release()

	var changes []sessionChange
	var current models.Session
	var outcome string
	err = t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		changes = changes[:0]
		outcome = "updated"
		sessions := tx.Sessions()

		session, err := sessions.OpenForUser(ctx, report.UserID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if session != nil && at.Sub(session.LastReportAt) > t.policy.IdleTimeout {
			closeIdle(session, now)
			if err := sessions.Update(ctx, session); err != nil {
				return err
			}
			changes = append(changes, sessionChange{session: *session, closed: true})
			session = nil
		}

		if session == nil {
			outcome = "opened"
			session = &models.Session{
				ID:           uuid.New(),
				UserID:       report.UserID,
				CreatedAt:    at,
				LastReportAt: at,
				Confidence:   models.ConfidenceNone,
				FirstLat:     report.Lat,
				FirstLng:     report.Lng,
				LastLat:      report.Lat,
				LastLng:      report.Lng,
				UpdatedAt:    now,
			}
			before := session.Confidence
			if err := t.applySample(ctx, tx, session, point, report.AccuracyM, at); err != nil {
				return err
			}
			session.UpdatedAt = now
			if err := sessions.Create(ctx, session); err != nil {
				return err
			}
			changes = append(changes, sessionChange{session: *session, raised: session.Confidence > before})
			current = *session
			return nil
		}

		if at.Before(session.LastReportAt) {
			outcome = "stale"
			current = *session
			return nil
		}

		before := session.Confidence
		if err := t.applySample(ctx, tx, session, point, report.AccuracyM, at); err != nil {
			return err
		}
		session.UpdatedAt = now
		if err := sessions.Update(ctx, session); err != nil {
			return err
		}
		if session.Confidence > before {
			changes = append(changes, sessionChange{session: *session, raised: true})
		}
		current = *session
		return nil
	})
	if err != nil {
		metrics.LocationReport("error")
		return nil, err
	}

	metrics.LocationReport(outcome)
	for _, change := range changes {
		if change.closed {
			t.cacheSnapshot(ctx, change.session.Snapshot())
		}
	}
	if t.publish(ctx, changes) {
		if fresh, err := t.load(ctx, current.ID); err == nil {
			current = *fresh
		}
	}
	snapshot := current.Snapshot()
	t.cacheSnapshot(ctx, snapshot)
	return &snapshot, nil
}

// applySample folds one sample into session state and regrades confidence.
func (t *SessionTracker) applySample(ctx context.Context, tx store.Tx, s *models.Session, point geo.Point, accuracy *float64, at time.Time) error {
	merchant, err := t.containingMerchant(ctx, tx, point)
	if err != nil {
		return err
	}
	accurate := accuracy == nil || t.policy.MaxAccuracyM <= 0 || *accuracy <= t.policy.MaxAccuracyM
	previous := geo.Point{Lat: s.LastLat, Lng: s.LastLng}

	switch {
	case merchant == nil:
		s.DwellStartedAt = nil
		s.StableSamples = 0
	case s.DwellStartedAt == nil || s.MerchantID != merchant.ID:
		entered := at
		s.DwellStartedAt = &entered
		s.MerchantID = merchant.ID
		if merchant.StationID != "" {
			s.StationID = merchant.StationID
		}
		if s.StartAt == nil {
			s.StartAt = &entered
		}
		s.StableSamples = 0
		if accurate {
			s.StableSamples = 1
		}
	default:
		switch {
		case !accurate:
			s.StableSamples = 0
		case geo.DistanceM(previous, point) <= t.policy.StabilityRadiusM:
			s.StableSamples++
		default:
			s.StableSamples = 1
		}
	}

	s.LastLat = point.Lat
	s.LastLng = point.Lng
	s.LastAccuracyM = accuracy
	s.LastReportAt = at
	t.regrade(s, at)
	return nil
}

// regrade raises confidence to what the current state supports; it never lowers it.
func (t *SessionTracker) regrade(s *models.Session, at time.Time) {
	computed := models.ConfidenceNone
	dwellMet := s.DwellStartedAt != nil && at.Sub(*s.DwellStartedAt) >= t.policy.MinDwell
	if dwellMet || s.Confidence.AtLeast(models.ConfidenceMedium) {
		computed = models.ConfidenceMedium
		stable := s.DwellStartedAt != nil && t.policy.StableSamplesForHigh > 0 && s.StableSamples >= t.policy.StableSamplesForHigh
		if (dwellMet && stable) || s.ChargerConfirmedAt != nil {
			computed = models.ConfidenceHigh
		}
	}
	s.Confidence = models.MaxConfidence(s.Confidence, computed)
}

func (t *SessionTracker) containingMerchant(ctx context.Context, tx store.Tx, point geo.Point) (*models.Merchant, error) {
	candidates, err := tx.Merchants().ListNear(ctx, geo.BoxAround(point, t.policy.MaxGeofenceRadiusM))
	if err != nil {
		return nil, err
	}
	var best *models.Merchant
	bestDistance := math.MaxFloat64
	for i := range candidates {
		m := candidates[i]
		d := geo.DistanceM(point, geo.Point{Lat: m.Lat, Lng: m.Lng})
		if d > m.GeofenceRadiusM || d >= bestDistance {
			continue
		}
		best = &candidates[i]
		bestDistance = d
	}
	return best, nil
}

// CloseSession ends a session. Closing twice is a no-op apart from filling a missing kWh value.
func (t *SessionTracker) CloseSession(ctx context.Context, sessionID uuid.UUID, kwh *float64) (*models.SessionSnapshot, error) {
	if kwh != nil && (*kwh < 0 || math.IsNaN(*kwh) || math.IsInf(*kwh, 0)) {
		return nil, fmt.Errorf("%w: kwh must be a non-negative number", models.ErrValidation)
	}
	now := timeNow()

	var current models.Session
	var closedNow bool
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		closedNow = false
		session, err := tx.Sessions().GetForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		changed := false
		if kwh != nil && session.EnergyKWh == nil {
			v := *kwh
			session.EnergyKWh = &v
			changed = true
		}
		if session.IsOpen() {
			end := now
			if end.Before(session.LastReportAt) {
				end = session.LastReportAt
			}
			session.EndAt = &end
			session.CloseReason = models.CloseReasonExplicit
			closedNow = true
			changed = true
		}
		if changed {
			session.UpdatedAt = now
			if err := tx.Sessions().Update(ctx, session); err != nil {
				return err
			}
		}
		current = *session
		return nil
	})
	if err != nil {
		return nil, err
	}

	if closedNow {
		metrics.SessionClosed(models.CloseReasonExplicit)
		t.logger.Info("session closed",
			zap.String("session_id", current.ID.String()),
			zap.String("user_id", current.UserID),
			zap.String("confidence", current.Confidence.String()),
		)
		if t.publish(ctx, []sessionChange{{session: current, closed: true}}) {
			if fresh, err := t.load(ctx, current.ID); err == nil {
				current = *fresh
			}
		}
	}
	snapshot := current.Snapshot()
	t.cacheSnapshot(ctx, snapshot)
	return &snapshot, nil
}

// ConfirmCharger records an external charger-network confirmation on an open session.
func (t *SessionTracker) ConfirmCharger(ctx context.Context, sessionID uuid.UUID, stationID string, at time.Time) (*models.SessionSnapshot, error) {
	now := timeNow()
	if at.IsZero() || at.After(now) {
		at = now
	}

	var current models.Session
	var raised bool
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		raised = false
		session, err := tx.Sessions().GetForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		current = *session
		if !session.IsOpen() || session.ChargerConfirmedAt != nil {
			return nil
		}
		confirmed := at.UTC()
		session.ChargerConfirmedAt = &confirmed
		if stationID != "" {
			session.StationID = stationID
		}
		before := session.Confidence
		evalAt := session.LastReportAt
		if evalAt.Before(confirmed) {
			evalAt = confirmed
		}
		t.regrade(session, evalAt)
		raised = session.Confidence > before
		session.UpdatedAt = now
		if err := tx.Sessions().Update(ctx, session); err != nil {
			return err
		}
		current = *session
		return nil
	})
	if err != nil {
		return nil, err
	}

	if raised && t.publish(ctx, []sessionChange{{session: current, raised: true}}) {
		if fresh, err := t.load(ctx, current.ID); err == nil {
			current = *fresh
		}
	}
	snapshot := current.Snapshot()
	t.cacheSnapshot(ctx, snapshot)
	return &snapshot, nil
}

// AutoCloseIdle closes open sessions with no report for longer than the idle timeout.
func (t *SessionTracker) AutoCloseIdle(ctx context.Context, limit int) (int, error) {
	now := timeNow()
	cutoff := now.Add(-t.policy.IdleTimeout)

	var idle []models.Session
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		idle, err = tx.Sessions().ListIdle(ctx, cutoff, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, candidate := range idle {
		var current models.Session
		var didClose bool
		err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			didClose = false
			session, err := tx.Sessions().GetForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !session.IsOpen() || !session.LastReportAt.Before(cutoff) {
				return nil
			}
			closeIdle(session, now)
			if err := tx.Sessions().Update(ctx, session); err != nil {
				return err
			}
			current = *session
			didClose = true
			return nil
		})
		if err != nil {
			return closed, err
		}
		if didClose {
			closed++
			t.cacheSnapshot(ctx, current.Snapshot())
			t.publish(ctx, []sessionChange{{session: current, closed: true}})
		}
	}
	if closed > 0 {
		t.logger.Info("idle sessions closed", zap.Int("count", closed))
	}
	return closed, nil
}

// Snapshot returns the externally visible session status.
func (t *SessionTracker) Snapshot(ctx context.Context, sessionID uuid.UUID) (*models.SessionSnapshot, error) {
	if t.cache != nil {
		cached, err := t.cache.Get(ctx, sessionID)
		if err == nil && cached != nil {
			return cached, nil
		}
	}
	session, err := t.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snapshot := session.Snapshot()
	t.cacheSnapshot(ctx, snapshot)
	return &snapshot, nil
}

func (t *SessionTracker) load(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	var session *models.Session
	err := t.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		session, err = tx.Sessions().Get(ctx, sessionID)
		return err
	})
	return session, err
}

// publish reports whether the observer was notified.
func (t *SessionTracker) publish(ctx context.Context, changes []sessionChange) bool {
	notified := false
	for _, change := range changes {
		if change.closed {
			if change.session.CloseReason == models.CloseReasonIdle {
				metrics.SessionClosed(models.CloseReasonIdle)
			}
		}
		if change.raised {
			metrics.ConfidenceUpgrade(change.session.Confidence.String())
			t.logger.Info("session confidence raised",
				zap.String("session_id", change.session.ID.String()),
				zap.String("user_id", change.session.UserID),
				zap.String("merchant_id", change.session.MerchantID),
				zap.String("confidence", change.session.Confidence.String()),
			)
		}
		if t.observer != nil && (change.raised || change.closed) {
			t.observer.SessionChanged(ctx, change.session)
			notified = true
		}
	}
	return notified
}

func (t *SessionTracker) cacheSnapshot(ctx context.Context, snapshot models.SessionSnapshot) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Save(ctx, snapshot); err != nil {
		t.logger.Warn("failed to cache session snapshot", zap.String("session_id", snapshot.SessionID.String()), zap.Error(err))
	}
}

func closeIdle(s *models.Session, now time.Time) {
	end := s.LastReportAt
	s.EndAt = &end
	s.CloseReason = models.CloseReasonIdle
	s.UpdatedAt = now
}
