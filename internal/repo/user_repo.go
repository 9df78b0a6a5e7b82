// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file holds the user replica, the local projection of
// users owned by the identity service.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/protu-ai/chat-service/internal/domain"
)

// UpsertUser inserts or updates the replica row keyed by public id. The role
// set is replaced wholesale; an upstream id, once known, is never cleared.
func UpsertUser(ctx context.Context, db *gorm.DB, u domain.UserReplica) error {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.Roles == nil {
		u.Roles = []string{}
	}

	assign := clause.Assignments(map[string]any{"updated_at": now})
	assign = append(assign, clause.AssignmentColumns([]string{"roles"})...)
	if u.ID != nil {
		assign = append(assign, clause.AssignmentColumns([]string{"upstream_id"})...)
	}

	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "public_id"}},
		DoUpdates: assign,
	}).Create(&u).Error
}

// DeleteUser removes the replica row. It returns ErrNotFound when no row
// matched.
func DeleteUser(ctx context.Context, db *gorm.DB, publicID string) error {
	res := db.WithContext(ctx).Where("public_id = ?", publicID).Delete(&domain.UserReplica{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetUser fetches a replica row by public id.
func GetUser(ctx context.Context, db *gorm.DB, publicID string) (*domain.UserReplica, error) {
	var u domain.UserReplica
	if err := db.WithContext(ctx).Where("public_id = ?", publicID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UserExists reports whether a replica row exists for publicID.
func UserExists(ctx context.Context, db *gorm.DB, publicID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.UserReplica{}).Where("public_id = ?", publicID).Count(&n).Error
	return n > 0, err
}
