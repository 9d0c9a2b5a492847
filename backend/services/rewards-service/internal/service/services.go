package service

import (
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/store"
)

// Policies groups every tunable of the domain services.
type Policies struct {
	Tracking     TrackingPolicy
	Matching     MatchPolicy
	Reputation   ReputationPolicy
	MaxGeofenceM float64
}

// Services is the wired domain graph.
type Services struct {
	Tracker    *SessionTracker
	Ingestor   *PosEventIngestor
	Reconciler *MatchReconciler
	Ledger     *WalletLedger
	Reputation *ReputationEngine
	Merchants  *MerchantRegistry
}

// NewServices builds the services over st and connects the reconciler to session and
// POS event notifications. locker and cache may be nil.
func NewServices(st store.Store, locker Locker, cache SessionCache, policies Policies, logger *zap.Logger) *Services {
	if policies.Tracking.MaxGeofenceRadiusM <= 0 {
		policies.Tracking.MaxGeofenceRadiusM = policies.MaxGeofenceM
	}
	ledger := NewWalletLedger(st, logger.Named("ledger"))
	reputation := NewReputationEngine(st, ledger, policies.Reputation, logger.Named("reputation"))
	reconciler := NewMatchReconciler(st, ledger, reputation, cache, policies.Matching, logger.Named("reconciler"))
	tracker := NewSessionTracker(st, locker, cache, policies.Tracking, logger.Named("tracker"))
	tracker.SetObserver(reconciler)
	ingestor := NewPosEventIngestor(st, logger.Named("ingestor"))
	ingestor.SetObserver(reconciler)

	return &Services{
		Tracker:    tracker,
		Ingestor:   ingestor,
		Reconciler: reconciler,
		Ledger:     ledger,
		Reputation: reputation,
		Merchants:  NewMerchantRegistry(st, policies.MaxGeofenceM, logger.Named("merchants")),
	}
}
