package ranking

import (
	"context"
	"sync"
	"time"

	"github.com/victornm/contestboard/internal/domain"
)

type credit struct {
	delta   int64
	created bool
}

type board struct {
	mu      sync.RWMutex
	points  map[string]int64
	credits map[string]credit
	list    *skipList
}

// add moves userID by delta. b.mu must be held for writing.
func (b *board) add(userID string, delta int64) {
	cur, ok := b.points[userID]
	if ok {
		b.list.remove(userID, cur)
	}
	b.points[userID] = cur + delta
	b.list.insert(userID, cur+delta)
}

// MemoryStore keeps the tables in process memory. It backs single-instance deployments and tests.
type MemoryStore struct {
	// mu is held for reading by every per-board operation and for writing when boards are
	// created or dropped, so Remove never races an Increment into a detached board.
	mu     sync.RWMutex
	boards map[string]*board
	sealed map[string]time.Time
	seed   uint64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		boards: make(map[string]*board),
		sealed: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (s *MemoryStore) Increment(_ context.Context, contestID, userID string, delta int64) error {
	if err := validateIncrement(contestID, userID, delta); err != nil {
		return err
	}

	b, err := s.acquire(contestID)
	if err != nil {
		return err
	}
	defer s.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.add(userID, delta)
	return nil
}

func (s *MemoryStore) Credit(_ context.Context, contestID, userID, creditID string, delta int64) error {
	if err := validateCredit(contestID, userID, creditID, delta); err != nil {
		return err
	}

	b, err := s.acquire(contestID)
	if err != nil {
		return err
	}
	defer s.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.credits[creditID]; ok {
		return nil
	}

	_, exists := b.points[userID]
	b.credits[creditID] = credit{delta: delta, created: !exists}
	b.add(userID, delta)
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, contestID, userID, creditID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.boards[contestID]
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.credits[creditID]
	if !ok {
		return nil
	}
	delete(b.credits, creditID)

	b.add(userID, -c.delta)
	if c.created && b.points[userID] == 0 {
		b.list.remove(userID, 0)
		delete(b.points, userID)
	}
	return nil
}

// acquire returns the board for contestID, creating it when needed, with s.mu read-locked.
func (s *MemoryStore) acquire(contestID string) (*board, error) {
	s.mu.RLock()
	if s.isSealed(contestID) {
		s.mu.RUnlock()
		return nil, ErrSealed
	}
	if b, ok := s.boards[contestID]; ok {
		return b, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	if s.isSealed(contestID) {
		s.mu.Unlock()
		return nil, ErrSealed
	}
	b, ok := s.boards[contestID]
	if !ok {
		s.seed++
		b = &board{
			points:  make(map[string]int64),
			credits: make(map[string]credit),
			list:    newSkipList(s.seed),
		}
		s.boards[contestID] = b
	}
	s.mu.Unlock()

	// The board may be removed between Unlock and RLock; retry until it is still registered.
	s.mu.RLock()
	if cur, ok := s.boards[contestID]; ok && cur == b {
		return b, nil
	}
	s.mu.RUnlock()
	return s.acquire(contestID)
}

// isSealed requires s.mu to be held.
func (s *MemoryStore) isSealed(contestID string) bool {
	at, ok := s.sealed[contestID]
	return ok && s.now().Sub(at) < SealTTL
}

func (s *MemoryStore) TopN(_ context.Context, contestID string, n int) ([]domain.RankedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.boards[contestID]
	if !ok {
		return []domain.RankedEntry{}, nil
	}

	b.mu.RLock()
	nodes := b.list.headN(n)
	b.mu.RUnlock()

	entries := make([]domain.RankedEntry, 0, len(nodes))
	for i, nd := range nodes {
		entries = append(entries, domain.RankedEntry{
			Rank:   i + 1,
			UserID: nd.userID,
			Points: nd.points,
		})
	}
	return entries, nil
}

func (s *MemoryStore) Exists(_ context.Context, contestID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.boards[contestID]
	if !ok {
		return false, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.list.length > 0, nil
}

func (s *MemoryStore) Remove(_ context.Context, contestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.boards, contestID)
	return nil
}

// Seal also drops expired seals of other contests.
func (s *MemoryStore) Seal(_ context.Context, contestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, at := range s.sealed {
		if now.Sub(at) >= SealTTL {
			delete(s.sealed, id)
		}
	}
	s.sealed[contestID] = now
	return nil
}
