// Package ranking keeps the live per-contest score tables.
//
// Entries are ordered by points descending; equal points are ordered by user ID ascending.
// Ranks are 1-based positions in that order and are recomputed on every query.
package ranking

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/victornm/contestboard/internal/domain"
)

// ErrSealed is returned by Increment and Credit once a contest has been sealed for archival.
var ErrSealed = stderrors.New("ranking: contest is sealed")

// SealTTL is how long a seal outlives the call to Seal. Closed contests refuse submissions before
// they reach the store, so the marker only has to cover the archival of the contest.
const SealTTL = 24 * time.Hour

// Store is a per-contest ordered user -> points table.
type Store interface {
	// Increment adds delta to the user's points, creating the entry at delta if absent.
	Increment(ctx context.Context, contestID, userID string, delta int64) error
	// Credit adds delta once per creditID; crediting the same ID again is a no-op. Like Increment
	// it fails with ErrSealed once the contest is sealed.
	Credit(ctx context.Context, contestID, userID, creditID string, delta int64) error
	// Revoke undoes a credit made by Credit. Revoking an unknown or already revoked credit is a
	// no-op. A user whose entry was created by the revoked credit is dropped when back at zero.
	Revoke(ctx context.Context, contestID, userID, creditID string) error
	// TopN returns up to n entries, best first. n <= 0 returns every entry.
	TopN(ctx context.Context, contestID string, n int) ([]domain.RankedEntry, error)
	// Exists reports whether the contest has live entries.
	Exists(ctx context.Context, contestID string) (bool, error)
	// Remove drops every entry and credit of the contest. Removing an absent contest is not an error.
	Remove(ctx context.Context, contestID string) error
	// Seal makes every later Increment and Credit on the contest fail with ErrSealed for SealTTL.
	Seal(ctx context.Context, contestID string) error
}

func validateIncrement(contestID, userID string, delta int64) error {
	if contestID == "" || userID == "" {
		return fmt.Errorf("ranking: empty contest or user id")
	}
	if delta < 0 {
		return fmt.Errorf("ranking: negative delta %d", delta)
	}
	return nil
}

func validateCredit(contestID, userID, creditID string, delta int64) error {
	if creditID == "" {
		return fmt.Errorf("ranking: empty credit id")
	}
	return validateIncrement(contestID, userID, delta)
}

// compareEntries orders by points descending, then user ID ascending.
func compareEntries(a, b domain.RankedEntry) int {
	if a.Points != b.Points {
		if a.Points > b.Points {
			return -1
		}
		return 1
	}
	return strings.Compare(a.UserID, b.UserID)
}

// assignRanks sorts entries, truncates to n (when n > 0) and numbers them from 1.
func assignRanks(entries []domain.RankedEntry, n int) []domain.RankedEntry {
	slices.SortFunc(entries, compareEntries)
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
