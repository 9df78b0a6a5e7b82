// Package domain defines the persistence models for chats, messages and the
// local user replica. These types are mapped with GORM and shared across the
// repository, service and HTTP layers.
package domain

import "time"

// Message roles. The backend writes only these two.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Name limits shared by chat creation and rename.
const (
	ChatNameMaxLen  = 100
	DefaultChatName = "New Chat"
)

// Chat represents a conversation owned by a single user.
//
// Fields:
//   - ID: ULID primary key (26 chars, lexicographically sortable by creation).
//   - UserID: public id of the owning user; indexed for listing.
//   - Name: display name, trimmed, non-empty, at most 100 characters.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Chat struct {
	ID        string    `json:"id"        gorm:"type:varchar(26);primaryKey"`
	UserID    string    `json:"userId"    gorm:"type:varchar(64);not null;index:idx_user_chats"`
	Name      string    `json:"name"      gorm:"type:varchar(100);not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// Message is one immutable entry in a chat's log. A "model" message answering
// a "user" message points back at it through ReplyToID.
//
// HasReply is not stored; repositories fill it for user messages so clients
// can tell a saved question without an answer from one still in flight.
type Message struct {
	ID             string    `json:"id"                       gorm:"type:char(36);primaryKey"`
	ChatID         string    `json:"chatId"                   gorm:"type:varchar(26);not null;index:idx_chat_msgs,priority:1"`
	Role           string    `json:"role"                     gorm:"type:varchar(16);not null;check:chk_messages_role,role IN ('user','model')"`
	Content        string    `json:"content"                  gorm:"type:text;not null"`
	AttachmentPath *string   `json:"attachmentPath,omitempty" gorm:"type:text"`
	AttachmentName *string   `json:"attachmentName,omitempty" gorm:"type:varchar(255)"`
	AttachmentType *string   `json:"attachmentType,omitempty" gorm:"type:varchar(127)"`
	AttachmentSize *int64    `json:"attachmentSize,omitempty"`
	ReplyToID      *string   `json:"replyToId,omitempty"      gorm:"type:char(36);index"`
	CreatedAt      time.Time `json:"createdAt"                gorm:"index:idx_chat_msgs,priority:2"`

	HasReply *bool `json:"hasReply,omitempty" gorm:"-"`

	// Chat is the parent conversation; deleting it removes its messages.
	Chat Chat `json:"-" gorm:"foreignKey:ChatID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// HasAttachment reports whether the message carries a file.
func (m Message) HasAttachment() bool { return m.AttachmentPath != nil && *m.AttachmentPath != "" }

// UserReplica is the local projection of a user owned by the identity
// service. It is written only by the user event subscriber.
type UserReplica struct {
	PublicID  string    `json:"publicId"     gorm:"type:varchar(64);primaryKey"`
	ID        *int64    `json:"id,omitempty" gorm:"column:upstream_id;index"`
	Roles     []string  `json:"roles"        gorm:"type:text;serializer:json"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName returns the database table name for UserReplica.
func (UserReplica) TableName() string { return "user_replicas" }
