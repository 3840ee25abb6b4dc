package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/bidengine/internal/store"
)

// UserRepo implements store.UserRepository with sqlx.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo returns a new UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*store.User, error) {
	var u store.User
	err := r.db.GetContext(ctx, &u,
		`SELECT id, display_name, email, discord_id, role FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

// CatalogRepo implements store.CatalogRepository with sqlx.
type CatalogRepo struct {
	db *sqlx.DB
}

// NewCatalogRepo returns a new CatalogRepo.
func NewCatalogRepo(db *sqlx.DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

func (r *CatalogRepo) Lookup(ctx context.Context, productRef, categoryRef string) (*store.Product, error) {
	var p store.Product
	err := r.db.GetContext(ctx, &p,
		`SELECT p.ref, p.title, p.image, p.price, COALESCE(c.name, '') AS category
		 FROM products p LEFT JOIN categories c ON c.ref = $2
		 WHERE p.ref = $1`, productRef, categoryRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", productRef, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up product: %w", err)
	}
	return &p, nil
}

// IncrementRepo implements store.IncrementRepository with sqlx.
type IncrementRepo struct {
	db *sqlx.DB
}

// NewIncrementRepo returns a new IncrementRepo.
func NewIncrementRepo(db *sqlx.DB) *IncrementRepo {
	return &IncrementRepo{db: db}
}

func (r *IncrementRepo) List(ctx context.Context) ([]store.IncrementRow, error) {
	var rows []store.IncrementRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT price_threshold, increment FROM bid_increments ORDER BY price_threshold ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing bid increments: %w", err)
	}
	return rows, nil
}
