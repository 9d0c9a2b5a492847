package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/ids"
	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
)

// ReputationEngine maintains scores, streaks, tiers and follower payouts.
type ReputationEngine struct {
	store  store.Store
	ledger *WalletLedger
	policy ReputationPolicy
	logger *zap.Logger
}

// NewReputationEngine builds engine.
func NewReputationEngine(st store.Store, ledger *WalletLedger, policy ReputationPolicy, logger *zap.Logger) *ReputationEngine {
	return &ReputationEngine{store: st, ledger: ledger, policy: policy, logger: logger}
}

// ApplyVerifiedChargeInTx scores the payer of charge and pays every follower their share.
// It must run in the transaction that created the VerifiedCharge.
func (r *ReputationEngine) ApplyVerifiedChargeInTx(ctx context.Context, tx store.Tx, charge models.VerifiedCharge) ([]models.CreditResult, error) {
	now := timeNow()

	rep, err := tx.Reputation().Lock(ctx, charge.UserID)
	if err != nil {
		return nil, err
	}
	r.score(rep, charge)
	rep.UpdatedAt = now
	if err := tx.Reputation().Save(ctx, rep); err != nil {
		return nil, err
	}

	share := shareOf(charge.AmountCents, r.policy.FollowerShare)
	if share <= 0 {
		return nil, nil
	}
	followers, err := tx.Follows().ListFollowers(ctx, charge.UserID)
	if err != nil {
		return nil, err
	}

	credits := make([]models.CreditResult, 0, len(followers))
	for _, f := range followers {
		earning := models.FollowEarningsEvent{
			ID:          ids.NewULIDAt(now),
			ChargeID:    charge.ID,
			PayerID:     charge.UserID,
			ReceiverID:  f.FollowerID,
			StationID:   charge.StationID,
			SessionID:   charge.SessionID,
			EnergyKWh:   charge.EnergyKWh,
			AmountCents: share,
			CreatedAt:   now,
		}
		created, err := tx.Follows().InsertEarning(ctx, &earning)
		if err != nil {
			return nil, err
		}
		if !created {
			continue
		}
		credit, err := r.ledger.CreditInTx(ctx, tx, CreditRequest{
			UserID:         f.FollowerID,
			AmountCents:    share,
			Source:         models.SourceFollowerShare,
			IdempotencyKey: ids.FollowEarningKey(earning.ID),
			Meta: models.WalletMeta{
				Kind: models.MetaFollowerShare,
				FollowerShare: &models.FollowerShareMeta{
					EarningID: earning.ID,
					PayerID:   charge.UserID,
					ChargeID:  charge.ID,
					StationID: charge.StationID,
				},
			},
		})
		if err != nil {
			return nil, err
		}
		if err := tx.Follows().SetEarningWalletEvent(ctx, earning.ID, credit.Event.ID); err != nil {
			return nil, err
		}
		if err := tx.Follows().AddMonthlyEarning(ctx, &earning); err != nil {
			return nil, err
		}
		credits = append(credits, credit)
	}
	return credits, nil
}

// score folds one verified charge into rep.
func (r *ReputationEngine) score(rep *models.UserReputation, charge models.VerifiedCharge) {
	day := models.DayStart(charge.EventAt)
	switch {
	case rep.LastChargeDay == nil:
		rep.StreakDays = 1
		rep.LastChargeDay = &day
	default:
		last := models.DayStart(*rep.LastChargeDay)
		switch {
		case day.Equal(last):
		case day.Equal(last.AddDate(0, 0, 1)):
			rep.StreakDays++
			rep.LastChargeDay = &day
		case day.After(last):
			rep.StreakDays = 1
			rep.LastChargeDay = &day
		}
	}
	if rep.StreakDays < 1 {
		rep.StreakDays = 1
	}

	points := r.policy.PointsPerCharge
	if charge.EnergyKWh > 0 && r.policy.PointsPerKWh.IsPositive() {
		points += decimal.NewFromFloat(charge.EnergyKWh).Mul(r.policy.PointsPerKWh).Floor().IntPart()
	}
	points += r.policy.StreakBonus * int64(rep.StreakDays)
	if points > 0 {
		rep.Score += points
	}

	rep.VerifiedCharges++
	rep.EnergyKWh += charge.EnergyKWh
	if tier := r.policy.Tiers.TierFor(rep.Score); tier > rep.Tier {
		rep.Tier = tier
	}
}

// Follow inserts a follower -> followee edge and bumps both cached counters.
func (r *ReputationEngine) Follow(ctx context.Context, followerID, followeeID string, isAuto bool) (*models.Follow, error) {
	followerID = strings.TrimSpace(followerID)
	followeeID = strings.TrimSpace(followeeID)
	if followerID == "" || followeeID == "" {
		return nil, fmt.Errorf("%w: follower and followee are required", models.ErrValidation)
	}
	if followerID == followeeID {
		return nil, models.ErrSelfFollow
	}

	edge := models.Follow{FollowerID: followerID, FolloweeID: followeeID, IsAuto: isAuto}
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := timeNow()
		edge.CreatedAt = now
		created, err := tx.Follows().Insert(ctx, &edge)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("%w: %s -> %s", models.ErrDuplicateFollow, followerID, followeeID)
		}
		return r.adjustCounts(ctx, tx, followerID, followeeID, 1, now)
	})
	if err != nil {
		if errors.Is(err, models.ErrInvariantViolation) {
			r.logger.Error("follow rejected", zap.String("follower_id", followerID), zap.String("followee_id", followeeID), zap.Error(err))
		}
		return nil, err
	}

	r.logger.Info("follow created",
		zap.String("follower_id", followerID),
		zap.String("followee_id", followeeID),
		zap.Bool("is_auto", isAuto),
	)
	return &edge, nil
}

// Unfollow removes an edge and decrements both cached counters.
func (r *ReputationEngine) Unfollow(ctx context.Context, followerID, followeeID string) error {
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		deleted, err := tx.Follows().Delete(ctx, followerID, followeeID)
		if err != nil {
			return err
		}
		if !deleted {
			return models.ErrNotFound
		}
		return r.adjustCounts(ctx, tx, followerID, followeeID, -1, timeNow())
	})
	if err != nil {
		if errors.Is(err, models.ErrInvariantViolation) {
			r.logger.Error("unfollow rejected", zap.String("follower_id", followerID), zap.String("followee_id", followeeID), zap.Error(err))
		}
		return err
	}
	r.logger.Info("follow removed", zap.String("follower_id", followerID), zap.String("followee_id", followeeID))
	return nil
}

func (r *ReputationEngine) adjustCounts(ctx context.Context, tx store.Tx, followerID, followeeID string, delta int, at time.Time) error {
	if _, err := tx.Reputation().AdjustFollowCounts(ctx, followeeID, delta, 0, at); err != nil {
		return err
	}
	_, err := tx.Reputation().AdjustFollowCounts(ctx, followerID, 0, delta, at)
	return err
}

// Reputation returns the read model. Users without a row get the Bronze zero value.
func (r *ReputationEngine) Reputation(ctx context.Context, userID string) (models.ReputationView, error) {
	var rep *models.UserReputation
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rep, err = tx.Reputation().Get(ctx, userID)
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return models.ReputationView{UserID: userID, Tier: models.TierBronze}, nil
	}
	if err != nil {
		return models.ReputationView{}, err
	}
	return rep.View(), nil
}

// AuditFollowCounts compares cached counters with the edge cardinality.
func (r *ReputationEngine) AuditFollowCounts(ctx context.Context, userID string) error {
	var cachedFollowers, cachedFollowing, followers, following int
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rep, err := tx.Reputation().Get(ctx, userID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			cachedFollowers, cachedFollowing = 0, 0
		case err != nil:
			return err
		default:
			cachedFollowers, cachedFollowing = rep.FollowersCount, rep.FollowingCount
		}
		if followers, err = tx.Follows().CountFollowers(ctx, userID); err != nil {
			return err
		}
		following, err = tx.Follows().CountFollowing(ctx, userID)
		return err
	})
	if err != nil {
		return err
	}
	if cachedFollowers != followers || cachedFollowing != following {
		r.logger.Error("follow counter mismatch",
			zap.String("user_id", userID),
			zap.Int("followers_cached", cachedFollowers),
			zap.Int("followers_edges", followers),
			zap.Int("following_cached", cachedFollowing),
			zap.Int("following_edges", following),
		)
		return fmt.Errorf("%w: user %s followers %d/%d following %d/%d",
			models.ErrFollowCountMismatch, userID, cachedFollowers, followers, cachedFollowing, following)
	}
	return nil
}

// MonthlyEarnings returns the follower earnings rollup of receiverID for the month containing month.
func (r *ReputationEngine) MonthlyEarnings(ctx context.Context, receiverID string, month time.Time) ([]models.FollowEarningsMonthly, error) {
	var out []models.FollowEarningsMonthly
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Follows().ListMonthlyEarnings(ctx, receiverID, models.MonthStart(month))
		return err
	})
	return out, err
}
