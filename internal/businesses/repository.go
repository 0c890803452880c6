package businesses

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotbook/slotbook/internal/shared"
)

// Repository provides PostgreSQL backed business lookups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindByID fetches a business by id.
func (r *Repository) FindByID(ctx context.Context, businessID string) (*Business, error) {
	var b Business
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, timezone, created_at, updated_at
		FROM businesses WHERE id = $1`, businessID).
		Scan(&b.ID, &b.OwnerID, &b.Name, &b.Timezone, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.NewNotFound("business", businessID)
	}
	if err != nil {
		return nil, fmt.Errorf("businesses: query business: %w", err)
	}
	return &b, nil
}

// FindBusinessOwner resolves a business to its owner's user id. Satisfies
// the permission engine's BusinessFinder.
func (r *Repository) FindBusinessOwner(ctx context.Context, businessID string) (string, error) {
	var ownerID string
	err := r.pool.QueryRow(ctx, `SELECT owner_id FROM businesses WHERE id = $1`, businessID).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", shared.NewNotFound("business", businessID)
	}
	if err != nil {
		return "", fmt.Errorf("businesses: query owner: %w", err)
	}
	return ownerID, nil
}

// ListStaffUserIDs returns the ids of users employed by the business.
func (r *Repository) ListStaffUserIDs(ctx context.Context, businessID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM business_staff WHERE business_id = $1`, businessID)
	if err != nil {
		return nil, fmt.Errorf("businesses: query staff: %w", err)
	}
	defer rows.Close()
	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return userIDs, nil
}
