// Chat HTTP handlers.
//
// This file exposes REST endpoints for chat resources:
//   - POST   /chats            (create)
//   - GET    /chats            (list, paginated, ETag support)
//   - GET    /chats/{chatId}   (chat plus a page of messages)
//   - PATCH  /chats/{chatId}   (rename)
//   - DELETE /chats/{chatId}   (delete with messages and attachments)
//
// Handlers are transport-thin: they bind input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/protu-ai/chat-service/internal/domain"
	"github.com/protu-ai/chat-service/internal/http/middleware"
	"github.com/protu-ai/chat-service/internal/repo"
	"github.com/protu-ai/chat-service/internal/services"
	"github.com/protu-ai/chat-service/internal/storage"
)

// ChatService is the chat lifecycle consumed by the handlers.
type ChatService interface {
	Create(ctx context.Context, userID, name string) (*domain.Chat, error)
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error)
	Get(ctx context.Context, chatID, userID string, page, pageSize int) (*domain.Chat, []domain.Message, int64, error)
	VerifyOwnership(ctx context.Context, chatID, userID string) (*domain.Chat, error)
	Rename(ctx context.Context, chatID, userID, name string) (*domain.Chat, error)
	Delete(ctx context.Context, chatID, userID string) error
}

// MessageService lists a chat's messages.
type MessageService interface {
	ListPage(ctx context.Context, chatID, userID string, page, pageSize int) ([]domain.Message, int64, error)
}

// IngestService runs a user message through the AI exchange.
type IngestService interface {
	AppendToChat(ctx context.Context, chatID, userID, content string, file *storage.Staged) (*services.IngestResult, error)
	AppendAutoChat(ctx context.Context, userID, content string, file *storage.Staged, chatID string) (*services.IngestResult, error)
}

// Uploads stages multipart files before the chat is known.
type Uploads interface {
	Stage(fh *multipart.FileHeader) (*storage.Staged, error)
	Discard(st *storage.Staged) error
}

// Deps wires the handlers. DB is optional; without it ETags and idempotent
// replays are disabled.
type Deps struct {
	Chats    ChatService
	Messages MessageService
	Ingest   IngestService
	Uploads  Uploads

	DB             *gorm.DB
	IdempotencyTTL time.Duration
}

// Handlers groups the HTTP endpoints for chats and messages.
type Handlers struct {
	chats    ChatService
	messages MessageService
	ingest   IngestService
	uploads  Uploads

	db     *gorm.DB
	idemTT time.Duration
}

// New builds Handlers. IdempotencyTTL defaults to 24h.
func New(d Deps) *Handlers {
	ttl := d.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handlers{
		chats:    d.Chats,
		messages: d.Messages,
		ingest:   d.Ingest,
		uploads:  d.Uploads,
		db:       d.DB,
		idemTT:   ttl,
	}
}

// CreateChatRequest is the JSON payload for creating a chat.
type CreateChatRequest struct {
	Name string `json:"name" example:"Linear algebra revision"`
}

// RenameChatRequest is the JSON payload for renaming a chat.
type RenameChatRequest struct {
	Name string `json:"name" example:"Eigenvalues"`
}

// ListChatsResponse wraps a page of chats.
type ListChatsResponse struct {
	Chats      []domain.Chat `json:"chats"`
	Pagination Pagination    `json:"pagination"`
}

// ChatDetailResponse is a chat with a page of its messages, newest first.
type ChatDetailResponse struct {
	Chat       *domain.Chat     `json:"chat"`
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// CreateChat godoc
// @ID          createChat
// @Summary     Create a chat
// @Description Creates a named chat for the caller. The caller must be known to the user replica.
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       body  body      handlers.CreateChatRequest  true  "Chat name"
// @Success     201   {object}  domain.Chat
// @Failure     400   {object}  handlers.ErrorResponse  "Name missing or too long"
// @Failure     401   {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     404   {object}  handlers.ErrorResponse  "User not found"
// @Failure     500   {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats [post]
func (h *Handlers) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	chat, err := h.chats.Create(c.Request.Context(), middleware.UserID(c), req.Name)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, chat)
}

// ListChats godoc
// @ID          listChats
// @Summary     List chats
// @Description Returns a page of the caller's chats, newest first. Supports a weak ETag via If-None-Match.
// @Tags        Chats
// @Produce     json
// @Security    Bearer
// @Param       If-None-Match  header  string  false  "Return 304 if the ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       limit          query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListChatsResponse
// @Header      200  {string}  ETag  "Weak ETag for the current page"
// @Success     304  {string}  string  "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats [get]
func (h *Handlers) ListChats(c *gin.Context) {
	ctx := c.Request.Context()
	uid := middleware.UserID(c)
	page, limit := pageParams(c)

	if h.db != nil {
		if count, maxTS, err := repo.ChatsStats(ctx, h.db, uid); err == nil {
			if notModified(c, "chats", uid, page, limit, count, unixOrZero(maxTS)) {
				return
			}
		}
	}

	items, total, err := h.chats.ListPage(ctx, uid, page, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListChatsResponse{
		Chats:      items,
		Pagination: newPagination(page, limit, total),
	})
}

// GetChat godoc
// @ID          getChat
// @Summary     Get a chat with its messages
// @Description Returns an owned chat and a page of its messages, newest first.
// @Tags        Chats
// @Produce     json
// @Security    Bearer
// @Param       chatId         path    string  true   "Chat ID (ULID)"
// @Param       If-None-Match  header  string  false  "Return 304 if the ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       limit          query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ChatDetailResponse
// @Success     304  {string}  string  "Not Modified"
// @Failure     403  {object}  handlers.ErrorResponse  "Chat owned by another user"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats/{chatId} [get]
func (h *Handlers) GetChat(c *gin.Context) {
	ctx := c.Request.Context()
	uid := middleware.UserID(c)
	chatID := c.Param("chatId")
	page, limit := pageParams(c)

	if h.db != nil {
		chat, err := h.chats.VerifyOwnership(ctx, chatID, uid)
		if err != nil {
			failErr(c, err)
			return
		}
		if count, latest, err := repo.MessagesStats(ctx, h.db, chatID); err == nil {
			if notModified(c, "chat", chatID, chat.UpdatedAt.UnixNano(), page, limit, count, unixOrZero(latest)) {
				return
			}
		}
	}

	chat, msgs, total, err := h.chats.Get(ctx, chatID, uid, page, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ChatDetailResponse{
		Chat:       chat,
		Messages:   msgs,
		Pagination: newPagination(page, limit, total),
	})
}

// RenameChat godoc
// @ID          renameChat
// @Summary     Rename a chat
// @Description Renames an owned chat. Names are trimmed and limited to 100 characters.
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       chatId  path      string                      true  "Chat ID (ULID)"
// @Param       body    body      handlers.RenameChatRequest  true  "New name"
// @Success     200     {object}  domain.Chat
// @Failure     400     {object}  handlers.ErrorResponse  "Name missing or too long"
// @Failure     403     {object}  handlers.ErrorResponse  "Chat owned by another user"
// @Failure     404     {object}  handlers.ErrorResponse  "Chat not found"
// @Failure     500     {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats/{chatId} [patch]
func (h *Handlers) RenameChat(c *gin.Context) {
	var req RenameChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	chat, err := h.chats.Rename(c.Request.Context(), c.Param("chatId"), middleware.UserID(c), req.Name)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, chat)
}

// DeleteChat godoc
// @ID          deleteChat
// @Summary     Delete a chat
// @Description Deletes an owned chat, its messages and its attachment directory.
// @Tags        Chats
// @Security    Bearer
// @Param       chatId  path  string  true  "Chat ID (ULID)"
// @Success     204  {string}  string  "No Content"
// @Failure     403  {object}  handlers.ErrorResponse  "Chat owned by another user"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats/{chatId} [delete]
func (h *Handlers) DeleteChat(c *gin.Context) {
	if err := h.chats.Delete(c.Request.Context(), c.Param("chatId"), middleware.UserID(c)); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
