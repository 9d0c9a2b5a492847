package memory

import (
	"context"
	"sort"
	"time"

	"evrewards/backend/services/rewards-service/internal/ids"
	"evrewards/backend/services/rewards-service/internal/models"
)

type reputationRepo struct {
	st *state
}

func cloneReputation(r models.UserReputation) *models.UserReputation {
	r.LastChargeDay = timePtr(r.LastChargeDay)
	return &r
}

func (r reputationRepo) Get(_ context.Context, userID string) (*models.UserReputation, error) {
	rep, ok := r.st.reputations[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneReputation(rep), nil
}

func (r reputationRepo) Lock(_ context.Context, userID string) (*models.UserReputation, error) {
	rep, ok := r.st.reputations[userID]
	if !ok {
		rep = models.UserReputation{UserID: userID}
		r.st.reputations[userID] = rep
	}
	return cloneReputation(rep), nil
}

func (r reputationRepo) Save(_ context.Context, rep *models.UserReputation) error {
	current := r.st.reputations[rep.UserID]
	next := *cloneReputation(*rep)
	// counters are owned by AdjustFollowCounts
	next.FollowersCount = current.FollowersCount
	next.FollowingCount = current.FollowingCount
	r.st.reputations[rep.UserID] = next
	return nil
}

func (r reputationRepo) AdjustFollowCounts(_ context.Context, userID string, followersDelta, followingDelta int, at time.Time) (*models.UserReputation, error) {
	rep := r.st.reputations[userID]
	rep.UserID = userID
	rep.FollowersCount += followersDelta
	rep.FollowingCount += followingDelta
	if rep.FollowersCount < 0 || rep.FollowingCount < 0 {
		return nil, models.ErrCounterUnderflow
	}
	rep.UpdatedAt = at
	r.st.reputations[userID] = rep
	return cloneReputation(rep), nil
}

type followRepo struct {
	st *state
}

func (r followRepo) Insert(_ context.Context, f *models.Follow) (bool, error) {
	key := followKey{follower: f.FollowerID, followee: f.FolloweeID}
	if _, ok := r.st.follows[key]; ok {
		return false, nil
	}
	r.st.follows[key] = *f
	return true, nil
}

func (r followRepo) Delete(_ context.Context, followerID, followeeID string) (bool, error) {
	key := followKey{follower: followerID, followee: followeeID}
	if _, ok := r.st.follows[key]; !ok {
		return false, nil
	}
	delete(r.st.follows, key)
	return true, nil
}

func (r followRepo) ListFollowers(_ context.Context, followeeID string) ([]models.Follow, error) {
	var out []models.Follow
	for key, f := range r.st.follows {
		if key.followee == followeeID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FollowerID < out[j].FollowerID })
	return out, nil
}

func (r followRepo) CountFollowers(_ context.Context, userID string) (int, error) {
	n := 0
	for key := range r.st.follows {
		if key.followee == userID {
			n++
		}
	}
	return n, nil
}

func (r followRepo) CountFollowing(_ context.Context, userID string) (int, error) {
	n := 0
	for key := range r.st.follows {
		if key.follower == userID {
			n++
		}
	}
	return n, nil
}

func (r followRepo) InsertEarning(_ context.Context, e *models.FollowEarningsEvent) (bool, error) {
	key := earningKey{chargeID: e.ChargeID, receiver: e.ReceiverID}
	if id, ok := r.st.earningKeys[key]; ok {
		*e = r.st.earnings[id]
		return false, nil
	}
	if e.ID == "" {
		e.ID = ids.NewULIDAt(e.CreatedAt)
	}
	r.st.earnings[e.ID] = *e
	r.st.earningKeys[key] = e.ID
	return true, nil
}

func (r followRepo) SetEarningWalletEvent(_ context.Context, earningID, walletEventID string) error {
	e, ok := r.st.earnings[earningID]
	if !ok {
		return models.ErrNotFound
	}
	e.WalletEventID = walletEventID
	r.st.earnings[earningID] = e
	return nil
}

func (r followRepo) AddMonthlyEarning(_ context.Context, e *models.FollowEarningsEvent) error {
	month := models.MonthStart(e.CreatedAt)
	key := monthlyKey{receiver: e.ReceiverID, payer: e.PayerID, month: month}
	m := r.st.monthly[key]
	m.ReceiverID = e.ReceiverID
	m.PayerID = e.PayerID
	m.Month = month
	m.AmountCents += e.AmountCents
	m.EnergyKWh += e.EnergyKWh
	m.Events++
	r.st.monthly[key] = m
	return nil
}

func (r followRepo) ListMonthlyEarnings(_ context.Context, receiverID string, month time.Time) ([]models.FollowEarningsMonthly, error) {
	month = models.MonthStart(month)
	var out []models.FollowEarningsMonthly
	for key, m := range r.st.monthly {
		if key.receiver == receiverID && key.month.Equal(month) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayerID < out[j].PayerID })
	return out, nil
}
