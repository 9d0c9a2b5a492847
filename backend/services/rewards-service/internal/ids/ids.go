// Package ids generates identifiers and idempotency keys.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// chargeNamespace scopes name-based verified charge ids.
var chargeNamespace = uuid.MustParse("7c1e6f0a-3b4d-4f8e-9a21-5d0c8e6b2f41")

// NewULIDAt returns a ULID carrying the given timestamp.
func NewULIDAt(t time.Time) string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IsULID checks if s parses as a ULID.
func IsULID(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}

// VerifiedChargeID is deterministic for a (session, pos event) pair so replays resolve to the same row.
func VerifiedChargeID(sessionID, posEventID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(chargeNamespace, pairBytes(sessionID, posEventID))
}

// VerifiedChargeKey derives the ledger idempotency key of the primary credit.
func VerifiedChargeKey(sessionID, posEventID uuid.UUID) string {
	sum := blake2b.Sum256(pairBytes(sessionID, posEventID))
	return "verified_charge:" + hex.EncodeToString(sum[:16])
}

// FollowEarningKey derives the ledger idempotency key of a follower payout.
func FollowEarningKey(earningID string) string {
	return "follow_earning:" + earningID
}

func pairBytes(a, b uuid.UUID) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return buf
}
