// Package services – ReplicaService
//
// ReplicaService applies user lifecycle changes to the local user replica.
// Every operation is idempotent so redelivered events are harmless.
package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/protu-ai/chat-service/internal/domain"
	"github.com/protu-ai/chat-service/internal/repo"
)

// ReplicaService maintains the user replica.
type ReplicaService struct {
	DB *gorm.DB
}

// Upsert creates or replaces the replica row for u.PublicID. Applying the
// same user twice leaves the same state as applying it once.
func (s *ReplicaService) Upsert(ctx context.Context, u domain.UserReplica) error {
	u.PublicID = strings.TrimSpace(u.PublicID)
	if u.PublicID == "" {
		return validationError("publicId is required")
	}
	if err := repo.UpsertUser(ctx, s.DB, u); err != nil {
		return databaseError("upsert user", err)
	}
	return nil
}

// Delete removes the replica row. A user that is already gone, or never
// synced, is not an error; removed reports whether a row was deleted.
func (s *ReplicaService) Delete(ctx context.Context, publicID string) (removed bool, err error) {
	publicID = strings.TrimSpace(publicID)
	if publicID == "" {
		return false, validationError("publicId is required")
	}
	err = repo.DeleteUser(ctx, s.DB, publicID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	case err != nil:
		return false, databaseError("delete user", err)
	}
	return true, nil
}

// Exists reports whether the replica knows publicID.
func (s *ReplicaService) Exists(ctx context.Context, publicID string) (bool, error) {
	ok, err := repo.UserExists(ctx, s.DB, publicID)
	if err != nil {
		return false, databaseError("check user", err)
	}
	return ok, nil
}

// Get returns the replica row for publicID.
func (s *ReplicaService) Get(ctx context.Context, publicID string) (*domain.UserReplica, error) {
	u, err := repo.GetUser(ctx, s.DB, publicID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, notFound("User")
	}
	if err != nil {
		return nil, databaseError("get user", err)
	}
	return u, nil
}
