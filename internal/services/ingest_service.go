// Package services – IngestService
//
// IngestService accepts a user message, optionally with one attachment, and
// drives the exchange with the AI responder:
//
//  1. resolve the chat (ownership check, or create one for auto-chat)
//  2. move the staged attachment into the chat directory and persist the
//     user message
//  3. ask the AI responder for an answer
//  4. persist the answer as a model message that replies to the user message
//  5. for a chat created by this call, schedule a background title job
//
// Steps 2 and 4 are separate writes. When step 3 fails the user message stays
// stored and the caller receives a partial result together with ErrAIService.
package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/protu-ai/chat-service/internal/domain"
	"github.com/protu-ai/chat-service/internal/repo"
	"github.com/protu-ai/chat-service/internal/storage"
)

// Responder produces the assistant answer for a chat. The responder reads
// the conversation itself; only the chat id and an attachment flag are sent.
type Responder interface {
	Respond(ctx context.Context, chatID string, hasAttachment bool) (string, error)
}

// TitleScheduler queues a title job for a new chat. It must not block and
// reports false when the job was dropped.
type TitleScheduler interface {
	Schedule(chatID, userID, provisional string) bool
}

// AttachmentStore moves staged uploads into chat storage.
type AttachmentStore interface {
	Place(chatID string, st *storage.Staged) (string, error)
	Discard(st *storage.Staged) error
	Remove(path string) error
}

// IngestResult is the outcome of one ingestion. With ErrAIService it is still
// returned, carrying the chat and the stored user message.
type IngestResult struct {
	Chat        *domain.Chat
	ChatCreated bool
	UserMessage *domain.Message
	AIMessage   *domain.Message
}

// IngestService orchestrates message ingestion.
type IngestService struct {
	Chats    *ChatService
	Messages *MessageService
	AI       Responder
	Files    AttachmentStore
	Titles   TitleScheduler // optional
}

// AppendToChat appends a message to an existing chat owned by userID.
// Ownership is checked before the content, so a foreign chat is always
// ErrUnauthorized.
func (s *IngestService) AppendToChat(ctx context.Context, chatID, userID, content string, file *storage.Staged) (*IngestResult, error) {
	ctx, span := otel.Tracer("services/IngestService").Start(ctx, "AppendToChat",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.Bool("message.attached", file != nil),
		),
	)
	defer span.End()

	keep := false
	defer s.discardUnless(&keep, file)

	chat, err := s.Chats.VerifyOwnership(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	content, err = s.Messages.SanitizeContent(content, file != nil)
	if err != nil {
		return nil, err
	}
	keep = true
	res, err := s.exchange(ctx, chat, content, file)
	recordOutcome(span, err)
	return res, err
}

// AppendAutoChat appends a message to chatID when given, otherwise creates a
// chat named from the content first.
func (s *IngestService) AppendAutoChat(ctx context.Context, userID, content string, file *storage.Staged, chatID string) (*IngestResult, error) {
	if chatID != "" {
		return s.AppendToChat(ctx, chatID, userID, content, file)
	}

	ctx, span := otel.Tracer("services/IngestService").Start(ctx, "AppendAutoChat",
		trace.WithAttributes(attribute.Bool("message.attached", file != nil)),
	)
	defer span.End()

	keep := false
	defer s.discardUnless(&keep, file)

	content, err := s.Messages.SanitizeContent(content, file != nil)
	if err != nil {
		return nil, err
	}
	chat, created, err := s.Chats.GetOrCreateForMessage(ctx, userID, content, "")
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("chat.id", chat.ID))
	keep = true

	res, err := s.exchange(ctx, chat, content, file)
	if res != nil {
		res.ChatCreated = created
	}
	recordOutcome(span, err)
	if err != nil {
		return res, err
	}

	if created && s.Titles != nil {
		if !s.Titles.Schedule(chat.ID, userID, chat.Name) {
			zerolog.Ctx(ctx).Warn().Str("chat_id", chat.ID).Msg("title job dropped")
		}
	}
	return res, nil
}

// exchange stores the user message, calls the responder and stores the reply.
func (s *IngestService) exchange(ctx context.Context, chat *domain.Chat, content string, file *storage.Staged) (*IngestResult, error) {
	in := repo.NewMessage{ChatID: chat.ID, Role: domain.RoleUser, Content: content}
	if file != nil {
		path, err := s.Files.Place(chat.ID, file)
		if err != nil {
			_ = s.Files.Discard(file)
			return nil, &Error{Kind: ErrDatabase, Msg: "failed to store attachment", Err: err}
		}
		in.AttachmentPath = path
		in.AttachmentName = file.OriginalName
		in.AttachmentType = file.MIMEType
		in.AttachmentSize = file.Size
	}

	userMsg, err := s.Messages.Append(ctx, in)
	if err != nil {
		if in.AttachmentPath != "" {
			_ = s.Files.Remove(in.AttachmentPath)
		}
		return nil, err
	}
	res := &IngestResult{Chat: chat, UserMessage: userMsg}

	answer, err := s.AI.Respond(ctx, chat.ID, file != nil)
	if err == nil && answer == "" {
		err = errors.New("empty answer")
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("chat_id", chat.ID).Str("message_id", userMsg.ID).Msg("ai responder failed; user message kept")
		return res, aiServiceError(err)
	}

	aiMsg, err := s.Messages.Append(ctx, repo.NewMessage{
		ChatID:    chat.ID,
		Role:      domain.RoleModel,
		Content:   answer,
		ReplyToID: userMsg.ID,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("chat_id", chat.ID).Str("message_id", userMsg.ID).Msg("store reply failed; user message kept")
		return res, err
	}
	replied := true
	userMsg.HasReply = &replied
	res.AIMessage = aiMsg
	return res, nil
}

func (s *IngestService) discardUnless(keep *bool, file *storage.Staged) {
	if *keep || file == nil || s.Files == nil {
		return
	}
	_ = s.Files.Discard(file)
}

func recordOutcome(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
