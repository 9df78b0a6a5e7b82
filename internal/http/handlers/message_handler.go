// Message HTTP handlers.
//
// This file exposes REST endpoints for chat messages:
//   - POST /messages/{chatId}   (append to an owned chat and get the AI reply)
//   - POST /messages            (same, creating a chat when chatId is absent)
//   - GET  /messages/{chatId}   (list messages, newest first, ETag support)
//
// POST bodies are either JSON ({"content", "chatId"}) or multipart/form-data
// with the same fields plus an optional "file" part.
//
// Idempotency:
// With an Idempotency-Key header, a completed exchange is recorded. A retry
// with the same key returns the recorded messages with
// `Idempotency-Replayed: true` instead of appending again.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/protu-ai/chat-service/internal/domain"
	"github.com/protu-ai/chat-service/internal/http/middleware"
	"github.com/protu-ai/chat-service/internal/repo"
	"github.com/protu-ai/chat-service/internal/services"
	"github.com/protu-ai/chat-service/internal/storage"
)

// PostMessageRequest is the JSON form of a message POST. ChatID is only read
// by POST /messages.
type PostMessageRequest struct {
	Content string `json:"content"          example:"What is an eigenvector?"`
	ChatID  string `json:"chatId,omitempty" example:"01J9Z6W3M4Q8R2T5V7X9Y1B3C5"`
}

// ExchangeResponse is a completed exchange. ChatID and ChatName are set by
// POST /messages.
type ExchangeResponse struct {
	ChatID      string          `json:"chatId,omitempty"`
	ChatName    string          `json:"chatName,omitempty"`
	ChatCreated bool            `json:"chatCreated,omitempty"`
	UserMessage *domain.Message `json:"userMessage"`
	AIMessage   *domain.Message `json:"aiMessage"`
}

// ExchangeFailedResponse is returned with 500 ai_unavailable (or
// internal_error when storing the reply failed): the user message
// was stored but no reply was produced.
type ExchangeFailedResponse struct {
	RequestID   string          `json:"request_id,omitempty"`
	Code        string          `json:"code"               example:"ai_unavailable"`
	Message     string          `json:"message"            example:"Failed to get AI response"`
	ChatID      string          `json:"chatId,omitempty"`
	ChatName    string          `json:"chatName,omitempty"`
	UserMessage *domain.Message `json:"userMessage"`
}

// ListMessagesResponse contains a page of messages, newest first.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// messageInput is a bound POST body.
type messageInput struct {
	content string
	chatID  string
	file    *storage.Staged
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message to a chat
// @Description Stores the user message (with an optional attachment), asks the AI service for a reply and stores it.
// @Description When the AI call fails the user message is kept and returned with code ai_unavailable.
// @Tags        Messages
// @Accept      json
// @Accept      mpfd
// @Produce     json
// @Security    Bearer
// @Param       chatId           path      string  true   "Chat ID (ULID)"
// @Param       Idempotency-Key  header    string  false  "Key for safe retries"
// @Param       body             body      handlers.PostMessageRequest  false  "JSON body"
// @Param       content          formData  string  false  "Message text (multipart)"
// @Param       file             formData  file    false  "Attachment (multipart)"
// @Success     201  {object}  handlers.ExchangeResponse
// @Header      201  {string}  Idempotency-Replayed  "true when served from a recorded exchange"
// @Failure     400  {object}  handlers.ErrorResponse           "Invalid content"
// @Failure     403  {object}  handlers.ErrorResponse           "Chat owned by another user"
// @Failure     404  {object}  handlers.ErrorResponse           "Chat not found"
// @Failure     413  {object}  handlers.ErrorResponse           "Attachment too large"
// @Failure     500  {object}  handlers.ExchangeFailedResponse  "AI service failed; user message kept"
// @Router      /messages/{chatId} [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	chatID := c.Param("chatId")
	if h.replay(c, false) {
		return
	}
	in, ok := h.bindMessage(c)
	if !ok {
		return
	}
	res, err := h.ingest.AppendToChat(c.Request.Context(), chatID, middleware.UserID(c), in.content, in.file)
	h.respondExchange(c, res, err, false)
}

// PostMessageAutoChat godoc
// @ID          postMessageAutoChat
// @Summary     Send a message, creating a chat if needed
// @Description Like POST /messages/{chatId}, but chatId is optional. Without it a chat named after the first words of
// @Description the message is created, and its final title is generated in the background after the first reply.
// @Tags        Messages
// @Accept      json
// @Accept      mpfd
// @Produce     json
// @Security    Bearer
// @Param       Idempotency-Key  header    string  false  "Key for safe retries"
// @Param       body             body      handlers.PostMessageRequest  false  "JSON body"
// @Param       content          formData  string  false  "Message text (multipart)"
// @Param       chatId           formData  string  false  "Existing chat (multipart)"
// @Param       file             formData  file    false  "Attachment (multipart)"
// @Success     201  {object}  handlers.ExchangeResponse
// @Failure     400  {object}  handlers.ErrorResponse           "Invalid content"
// @Failure     403  {object}  handlers.ErrorResponse           "Chat owned by another user"
// @Failure     404  {object}  handlers.ErrorResponse           "Chat or user not found"
// @Failure     413  {object}  handlers.ErrorResponse           "Attachment too large"
// @Failure     500  {object}  handlers.ExchangeFailedResponse  "AI service failed; user message kept"
// @Router      /messages [post]
func (h *Handlers) PostMessageAutoChat(c *gin.Context) {
	if h.replay(c, true) {
		return
	}
	in, ok := h.bindMessage(c)
	if !ok {
		return
	}
	res, err := h.ingest.AppendAutoChat(c.Request.Context(), middleware.UserID(c), in.content, in.file, in.chatID)
	h.respondExchange(c, res, err, true)
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a chat
// @Description Returns a page of an owned chat's messages, newest first. User messages carry hasReply.
// @Tags        Messages
// @Produce     json
// @Security    Bearer
// @Param       chatId         path    string  true   "Chat ID (ULID)"
// @Param       If-None-Match  header  string  false  "Return 304 if the ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       limit          query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListMessagesResponse
// @Success     304  {string}  string  "Not Modified"
// @Failure     403  {object}  handlers.ErrorResponse  "Chat owned by another user"
// @Failure     404  {object}  handlers.ErrorResponse  "Chat not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /messages/{chatId} [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	uid := middleware.UserID(c)
	chatID := c.Param("chatId")
	page, limit := pageParams(c)

	if h.db != nil {
		if _, err := h.chats.VerifyOwnership(ctx, chatID, uid); err != nil {
			failErr(c, err)
			return
		}
		if count, latest, err := repo.MessagesStats(ctx, h.db, chatID); err == nil {
			if notModified(c, "messages", chatID, page, limit, count, unixOrZero(latest)) {
				return
			}
		}
	}

	items, total, err := h.messages.ListPage(ctx, chatID, uid, page, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, limit, total),
	})
}

// bindMessage reads a JSON or multipart body. A file part is staged; the
// ingest service owns it from then on.
func (h *Handlers) bindMessage(c *gin.Context) (messageInput, bool) {
	var in messageInput

	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		var req PostMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
				return in, false
			}
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return in, false
		}
		in.content, in.chatID = req.Content, strings.TrimSpace(req.ChatID)
		return in, true
	}

	fh, err := c.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
			return in, false
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid multipart body")
		return in, false
	default:
		if h.uploads == nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "attachments are not accepted")
			return in, false
		}
		st, err := h.uploads.Stage(fh)
		if err != nil {
			if errors.Is(err, storage.ErrTooLarge) {
				fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "attachment exceeds size limit")
				return in, false
			}
			_ = c.Error(err)
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to store attachment")
			return in, false
		}
		in.file = st
	}
	in.content = c.PostForm("content")
	in.chatID = strings.TrimSpace(c.PostForm("chatId"))
	return in, true
}

// respondExchange writes the ingest outcome and records it for idempotent
// retries on success.
func (h *Handlers) respondExchange(c *gin.Context, res *services.IngestResult, err error, withChat bool) {
	if err != nil {
		if res == nil || res.UserMessage == nil {
			failErr(c, err)
			return
		}
		// The user message is stored; the body must say so whatever failed after it.
		status, code := statusFor(err)
		_ = c.Error(err)
		body := ExchangeFailedResponse{
			RequestID:   requestID(c),
			Code:        code,
			Message:     services.Message(err, http.StatusText(status)),
			UserMessage: res.UserMessage,
		}
		if withChat && res.Chat != nil {
			body.ChatID, body.ChatName = res.Chat.ID, res.Chat.Name
		}
		middleware.LoggerFrom(c).Error().Err(err).
			Str("chat_id", res.UserMessage.ChatID).
			Str("code", code).
			Msg("api error")
		c.AbortWithStatusJSON(status, body)
		return
	}

	resp := ExchangeResponse{UserMessage: res.UserMessage, AIMessage: res.AIMessage}
	if withChat {
		resp.ChatID, resp.ChatName, resp.ChatCreated = res.Chat.ID, res.Chat.Name, res.ChatCreated
	}
	h.remember(c, res)
	ok(c, http.StatusCreated, resp)
}

// remember stores a completed exchange under the request's idempotency key.
// Failures only cost the replay, so they are logged and ignored.
func (h *Handlers) remember(c *gin.Context, res *services.IngestResult) {
	key, has := middleware.GetIdempotencyKey(c)
	if !has || h.db == nil || res.AIMessage == nil {
		return
	}
	_, err := repo.CreateIdempotency(c.Request.Context(), h.db, repo.IdempotencyRecord{
		UserID:        middleware.UserID(c),
		Scope:         middleware.ChatScope(c),
		Key:           key,
		ChatID:        res.Chat.ID,
		UserMessageID: res.UserMessage.ID,
		AIMessageID:   res.AIMessage.ID,
		Status:        http.StatusCreated,
	}, h.idemTT)
	if err != nil && !errors.Is(err, repo.ErrDuplicate) {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not saved")
	}
}

// replay serves a recorded exchange when IdempotencyValidator found one.
// It reports whether a response was written.
func (h *Handlers) replay(c *gin.Context, withChat bool) bool {
	if !middleware.IsReplay(c) || h.db == nil {
		return false
	}
	key, _ := middleware.GetIdempotencyKey(c)
	ctx := c.Request.Context()

	rec, err := repo.GetIdempotency(ctx, h.db, middleware.UserID(c), middleware.ChatScope(c), key, time.Now().UTC())
	if err != nil || rec.AIMessageID == nil {
		return false
	}
	userMsg, err := repo.GetMessage(ctx, h.db, rec.UserMessageID)
	if err != nil {
		return false
	}
	aiMsg, err := repo.GetMessage(ctx, h.db, *rec.AIMessageID)
	if err != nil {
		return false
	}
	resp := ExchangeResponse{UserMessage: userMsg, AIMessage: aiMsg}
	if withChat {
		chat, err := repo.FindChat(ctx, h.db, rec.ChatID)
		if err != nil {
			return false
		}
		resp.ChatID, resp.ChatName = chat.ID, chat.Name
	}
	c.Header(middleware.HeaderReplayed, "true")
	ok(c, rec.Status, resp)
	return true
}
