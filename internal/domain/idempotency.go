package domain

import "time"

// Idempotency records the outcome of a message POST keyed by
// (user_id, scope, key) so a retried request returns the original exchange
// instead of appending a second one. Scope is the target chat id, or "auto"
// for the auto-chat endpoint.
type Idempotency struct {
	ID            string    `gorm:"type:char(36);primaryKey"`
	UserID        string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_user_scope_key,priority:1"`
	Scope         string    `gorm:"type:varchar(32);not null;uniqueIndex:ux_user_scope_key,priority:2"`
	Key           string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_user_scope_key,priority:3"`
	ChatID        string    `gorm:"type:varchar(26);not null"`
	UserMessageID string    `gorm:"type:char(36);not null"`
	AIMessageID   *string   `gorm:"type:char(36)"`
	Status        int       `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt     time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
