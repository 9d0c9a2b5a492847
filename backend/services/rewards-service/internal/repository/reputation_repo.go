package repository

import (
	"context"
	"time"

	"evrewards/backend/services/rewards-service/internal/models"
)

// ReputationRepository persists user reputation rows.
type ReputationRepository struct {
	db DBTX
}

// NewReputationRepository returns repository.
func NewReputationRepository(db DBTX) *ReputationRepository {
	return &ReputationRepository{db: db}
}

const reputationColumns = `
	user_id, score, tier, streak_days, followers_count, following_count,
	verified_charges, energy_kwh, last_charge_day, updated_at`

func scanReputation(row rowScanner) (*models.UserReputation, error) {
	var rep models.UserReputation
	var tier int16
	if err := row.Scan(
		&rep.UserID,
		&rep.Score,
		&tier,
		&rep.StreakDays,
		&rep.FollowersCount,
		&rep.FollowingCount,
		&rep.VerifiedCharges,
		&rep.EnergyKWh,
		&rep.LastChargeDay,
		&rep.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rep.Tier = models.Tier(tier)
	return &rep, nil
}

// Get returns a user's reputation.
func (r *ReputationRepository) Get(ctx context.Context, userID string) (*models.UserReputation, error) {
	const query = `SELECT ` + reputationColumns + ` FROM user_reputation WHERE user_id = $1`
	rep, err := scanReputation(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		return nil, notFound(err, models.ErrNotFound)
	}
	return rep, nil
}

// Lock creates the row when missing and locks it.
func (r *ReputationRepository) Lock(ctx context.Context, userID string) (*models.UserReputation, error) {
	const ensure = `
		INSERT INTO user_reputation (user_id, updated_at)
		VALUES ($1, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, ensure, userID); err != nil {
		return nil, err
	}
	const query = `SELECT ` + reputationColumns + ` FROM user_reputation WHERE user_id = $1 FOR UPDATE`
	return scanReputation(r.db.QueryRowContext(ctx, query, userID))
}

// Save writes score, tier and streak. Follow counters are left untouched.
func (r *ReputationRepository) Save(ctx context.Context, rep *models.UserReputation) error {
	const query = `
		UPDATE user_reputation
		SET score = $2,
		    tier = $3,
		    streak_days = $4,
		    verified_charges = $5,
		    energy_kwh = $6,
		    last_charge_day = $7,
		    updated_at = $8
		WHERE user_id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		rep.UserID,
		rep.Score,
		int16(rep.Tier),
		rep.StreakDays,
		rep.VerifiedCharges,
		rep.EnergyKWh,
		rep.LastChargeDay,
		rep.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AdjustFollowCounts applies counter deltas, rejecting any that would go below zero.
func (r *ReputationRepository) AdjustFollowCounts(ctx context.Context, userID string, followersDelta, followingDelta int, at time.Time) (*models.UserReputation, error) {
	const query = `
		INSERT INTO user_reputation (user_id, followers_count, following_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			followers_count = user_reputation.followers_count + EXCLUDED.followers_count,
			following_count = user_reputation.following_count + EXCLUDED.following_count,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + reputationColumns
	rep, err := scanReputation(r.db.QueryRowContext(ctx, query, userID, followersDelta, followingDelta, at))
	if err != nil {
		return nil, err
	}
	if rep.FollowersCount < 0 || rep.FollowingCount < 0 {
		return nil, models.ErrCounterUnderflow
	}
	return rep, nil
}
