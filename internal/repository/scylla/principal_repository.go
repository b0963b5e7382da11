package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"auth-core/internal/model"
)

// ErrPrincipalNotFound is returned when no account row matches.
var ErrPrincipalNotFound = errors.New("principal not found")

// PrincipalRepository reads account rows. Account writes happen in the
// identity service; this side only resolves credentials, from
// principals_by_email for login and principals for ID lookups.
type PrincipalRepository struct {
	client *ScyllaClient
}

func NewPrincipalRepository(client *ScyllaClient) *PrincipalRepository {
	return &PrincipalRepository{client: client}
}

func (r *PrincipalRepository) GetByEmail(ctx context.Context, email string) (*model.Principal, error) {
	q := r.client.Prepared.GetPrincipalByEmail.WithContext(ctx).Bind(email)
	return r.scanPrincipal(q)
}

func (r *PrincipalRepository) GetByID(ctx context.Context, id uuid.UUID, principalType model.PrincipalType) (*model.Principal, error) {
	q := r.client.Prepared.GetPrincipalByID.WithContext(ctx).Bind(gocql.UUID(id), string(principalType))
	return r.scanPrincipal(q)
}

func (r *PrincipalRepository) scanPrincipal(q *gocql.Query) (*model.Principal, error) {
	var (
		p             model.Principal
		principalID   gocql.UUID
		principalType string
		createdAt     time.Time
	)
	err := r.client.ScanWithRetry(q,
		&principalID, &principalType, &p.Email, &p.PasswordHash,
		&p.IsActive, &p.IsLocked, &p.IsAdmin, &p.TwoFactorSet, &createdAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}

	p.ID = uuid.UUID(principalID)
	p.Type = model.PrincipalType(principalType)
	p.CreatedAt = createdAt
	return &p, nil
}
