package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/store"
	"evrewards/backend/services/rewards-service/internal/store/memory"
)

type recordingObserver struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recordingObserver) PosEventIngested(_ context.Context, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func TestIngestDeduplicatesRedeliveries(t *testing.T) {
	useClock(t, noon)
	st := memory.New()
	observer := &recordingObserver{}
	ingestor := NewPosEventIngestor(st, zap.NewNop())
	ingestor.SetObserver(observer)
	ctx := context.Background()

	hook := models.PosWebhook{
		Provider:        "Square",
		ProviderEventID: "sq-1",
		MerchantID:      "m1",
		EventType:       "payment.completed",
		AmountCents:     1500,
		EventAt:         noon,
		RawPayload:      []byte(`{"customer_id":"c-9","tip":{"cents":50}}`),
	}
	first, err := ingestor.Ingest(ctx, hook)
	require.NoError(t, err)
	require.True(t, first.Created)

	for i := 0; i < 3; i++ {
		again, err := ingestor.Ingest(ctx, hook)
		require.NoError(t, err)
		require.False(t, again.Created)
		require.Equal(t, first.EventID, again.EventID)
	}
	require.Equal(t, []uuid.UUID{first.EventID}, observer.ids)

	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		event, err := tx.PosEvents().Get(ctx, first.EventID)
		require.NoError(t, err)
		require.Equal(t, "square", event.Provider)
		require.Equal(t, "c-9", event.Payload.CustomerID)
		require.JSONEq(t, `{"cents":50}`, string(event.Payload.Extra["tip"]))

		state, err := tx.Matches().LockState(ctx, first.EventID)
		require.NoError(t, err)
		require.Equal(t, models.MatchPending, state.Status)
		return nil
	}))
}

func TestIngestConcurrentDeliveriesCreateOneEvent(t *testing.T) {
	useClock(t, noon)
	st := memory.New()
	ingestor := NewPosEventIngestor(st, zap.NewNop())
	ctx := context.Background()

	const workers = 32
	results := make([]models.IngestResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := ingestor.Ingest(ctx, models.PosWebhook{
				Provider:        "stripe",
				ProviderEventID: "evt_race",
				MerchantID:      "m1",
				AmountCents:     100,
				EventAt:         noon,
			})
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		require.NotEqual(t, uuid.Nil, res.EventID)
		require.Equal(t, results[0].EventID, res.EventID)
		if res.Created {
			created++
		}
	}
	require.Equal(t, 1, created)
}

func TestIngestDistinguishesProviders(t *testing.T) {
	useClock(t, noon)
	ingestor := NewPosEventIngestor(memory.New(), zap.NewNop())
	ctx := context.Background()

	seen := map[uuid.UUID]bool{}
	for _, provider := range []string{"square", "stripe", "toast"} {
		res, err := ingestor.Ingest(ctx, models.PosWebhook{
			Provider:        provider,
			ProviderEventID: "same-id",
			MerchantID:      "m1",
			AmountCents:     100,
			EventAt:         noon,
		})
		require.NoError(t, err)
		require.True(t, res.Created)
		seen[res.EventID] = true
	}
	require.Len(t, seen, 3)
}

func TestIngestRejectsInvalidWebhooks(t *testing.T) {
	useClock(t, noon)
	ingestor := NewPosEventIngestor(memory.New(), zap.NewNop())
	valid := models.PosWebhook{Provider: "square", ProviderEventID: "1", MerchantID: "m1", AmountCents: 1, EventAt: noon}

	cases := map[string]func(*models.PosWebhook){
		"provider":  func(h *models.PosWebhook) { h.Provider = " " },
		"event id":  func(h *models.PosWebhook) { h.ProviderEventID = "" },
		"merchant":  func(h *models.PosWebhook) { h.MerchantID = "" },
		"amount":    func(h *models.PosWebhook) { h.AmountCents = -5 },
		"timestamp": func(h *models.PosWebhook) { h.EventAt = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			hook := valid
			mutate(&hook)
			_, err := ingestor.Ingest(context.Background(), hook)
			require.ErrorIs(t, err, models.ErrValidation, fmt.Sprintf("case %s", name))
		})
	}
}
