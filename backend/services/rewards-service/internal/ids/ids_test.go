package ids

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestVerifiedChargeKeyIsStablePerPair(t *testing.T) {
	session := uuid.New()
	event := uuid.New()

	first := VerifiedChargeKey(session, event)
	require.Equal(t, first, VerifiedChargeKey(session, event))
	require.True(t, strings.HasPrefix(first, "verified_charge:"))
	require.Len(t, strings.TrimPrefix(first, "verified_charge:"), 32)

	require.NotEqual(t, first, VerifiedChargeKey(event, session))
	require.NotEqual(t, first, VerifiedChargeKey(session, uuid.New()))
}

func TestVerifiedChargeIDIsDeterministic(t *testing.T) {
	session := uuid.New()
	event := uuid.New()

	require.Equal(t, VerifiedChargeID(session, event), VerifiedChargeID(session, event))
	require.NotEqual(t, VerifiedChargeID(session, event), VerifiedChargeID(session, uuid.New()))
}

func TestULIDsAreOrdered(t *testing.T) {
	at := time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewULIDAt(at)
	b := NewULIDAt(at)
	c := NewULIDAt(at.Add(time.Millisecond))

	require.True(t, IsULID(a))
	require.Less(t, a, b)
	require.Less(t, b, c)
	require.False(t, IsULID("not-a-ulid"))
}
