// Package memstore provides an in-process store.Driver. State lives only as
// long as the process and is intended for development and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jensholdgaard/bidengine/internal/clock"
	"github.com/jensholdgaard/bidengine/internal/config"
	"github.com/jensholdgaard/bidengine/internal/store"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func init() {
	store.Register("memory", openMemory)
}

func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return New(clk).Repositories(), nil
}

// Store holds every repository's data behind one mutex.
type Store struct {
	mu         sync.RWMutex
	clock      clock.Clock
	auctions   map[string]*store.Auction
	users      map[string]*store.User
	products   map[string]*store.Product
	increments []store.IncrementRow
	lotSeq     int64

	// SaveHook, when set, is called before each Save and may return an
	// error to simulate a failed write.
	SaveHook func(a *store.Auction) error
}

// New returns an empty Store.
func New(clk clock.Clock) *Store {
	return &Store{
		clock:    clk,
		auctions: make(map[string]*store.Auction),
		users:    make(map[string]*store.User),
		products: make(map[string]*store.Product),
	}
}

// Repositories exposes s through the store interfaces.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Auctions:   &AuctionRepo{s: s},
		Users:      &UserRepo{s: s},
		Catalog:    &CatalogRepo{s: s},
		Increments: &IncrementRepo{s: s},
		Closer:     closerFunc(func() error { return nil }),
		Ping:       func(context.Context) error { return nil },
	}
}

// AddUser registers u in the directory.
func (s *Store) AddUser(u store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// AddProduct registers p under its Ref.
func (s *Store) AddProduct(p store.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.Ref] = &p
}

// SetIncrements replaces the increment table.
func (s *Store) SetIncrements(rows []store.IncrementRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments = append([]store.IncrementRow(nil), rows...)
}

// AuctionRepo implements store.AuctionRepository in memory.
type AuctionRepo struct {
	s *Store
}

func (r *AuctionRepo) Create(_ context.Context, a *store.Auction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, exists := r.s.auctions[a.ID]; exists {
		return fmt.Errorf("auction %s already exists", a.ID)
	}
	r.s.lotSeq++
	a.LotSeq = r.s.lotSeq
	a.LotNumber = fmt.Sprintf("LOT#%d", a.LotSeq)
	if a.Status == "" {
		a.Status = store.StatusActive
	}
	if a.CurrentBid.IsZero() {
		a.CurrentBid = a.StartingBid
	}
	now := r.s.clock.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1
	r.s.auctions[a.ID] = a.Clone()
	return nil
}

func (r *AuctionRepo) Load(_ context.Context, id string) (*store.Auction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return a.Clone(), nil
}

func (r *AuctionRepo) Save(_ context.Context, a *store.Auction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.SaveHook != nil {
		if err := r.s.SaveHook(a); err != nil {
			return fmt.Errorf("saving auction: %w", err)
		}
	}
	cur, ok := r.s.auctions[a.ID]
	if !ok {
		return fmt.Errorf("auction %s: %w", a.ID, store.ErrNotFound)
	}
	if cur.Version != a.Version {
		return fmt.Errorf("auction %s at version %d, have %d: %w", a.ID, cur.Version, a.Version, store.ErrVersionConflict)
	}
	a.Version++
	a.UpdatedAt = r.s.clock.Now().UTC()
	r.s.auctions[a.ID] = a.Clone()
	return nil
}

func (r *AuctionRepo) FindExpiredActive(_ context.Context, now time.Time) ([]store.Auction, error) {
	return r.filter(func(a *store.Auction) bool {
		return a.Status == store.StatusActive && a.Type == store.AuctionTimed &&
			a.EndDate != nil && !a.EndDate.After(now)
	}), nil
}

func (r *AuctionRepo) FindEndedUnnotified(_ context.Context) ([]store.Auction, error) {
	return r.filter(func(a *store.Auction) bool {
		return a.Status == store.StatusEnded && !a.NotificationSent
	}), nil
}

func (r *AuctionRepo) NextLot(_ context.Context, afterSeq int64) (*store.Auction, error) {
	next := r.filter(func(a *store.Auction) bool {
		return a.Status == store.StatusActive && a.LotSeq > afterSeq
	})
	if len(next) == 0 {
		return nil, fmt.Errorf("lot after %d: %w", afterSeq, store.ErrNotFound)
	}
	return &next[0], nil
}

// filter returns copies of matching auctions ordered by lot sequence.
func (r *AuctionRepo) filter(match func(a *store.Auction) bool) []store.Auction {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []store.Auction
	for _, a := range r.s.auctions {
		if match(a) {
			out = append(out, *a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LotSeq < out[j].LotSeq })
	return out
}

// UserRepo implements store.UserRepository in memory.
type UserRepo struct {
	s *Store
}

func (r *UserRepo) GetByID(_ context.Context, id string) (*store.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

// CatalogRepo implements store.CatalogRepository in memory.
type CatalogRepo struct {
	s *Store
}

func (r *CatalogRepo) Lookup(_ context.Context, productRef, _ string) (*store.Product, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.products[productRef]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productRef, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// IncrementRepo implements store.IncrementRepository in memory.
type IncrementRepo struct {
	s *Store
}

func (r *IncrementRepo) List(_ context.Context) ([]store.IncrementRow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]store.IncrementRow(nil), r.s.increments...), nil
}
