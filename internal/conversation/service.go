// Package conversation owns chat threads and their messages, and coordinates
// streamed assistant responses: it resolves history, records the user
// message, starts the responder and relays increments to a transport sink.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/responder"
	"github.com/54b3r/kbchat-go/internal/store"
)

// Conversation types.
const (
	TypeGlobal    = string(responder.ModeGlobal)
	TypeKnowledge = string(responder.ModeKnowledge)
)

// titleRunes is the number of characters of the first message kept in a
// generated title.
const titleRunes = 20

// DefaultTitle is used when a conversation is created without a title or a
// first message.
const DefaultTitle = "New conversation"

// KnowledgeAccess resolves a knowledge base the user may use.
// *knowledge.Service satisfies it.
type KnowledgeAccess interface {
	CheckAccess(ctx context.Context, id, userID int64) (store.Knowledge, error)
}

// Generator produces assistant responses. *responder.Responder satisfies it.
type Generator interface {
	Respond(ctx context.Context, req responder.Request) (*responder.Stream, error)
	Collect(ctx context.Context, req responder.Request) (string, error)
}

// Config holds the service dependencies.
type Config struct {
	// Store persists conversations and messages.
	Store *store.Store
	// Knowledge checks access to knowledge bases.
	Knowledge KnowledgeAccess
	// Responder generates assistant replies.
	Responder Generator
	// HistoryDepth is how many prior messages are passed to the responder.
	// Defaults to responder.DefaultHistoryDepth.
	HistoryDepth int
}

// Service implements conversation operations.
type Service struct {
	store        *store.Store
	knowledge    KnowledgeAccess
	responder    Generator
	historyDepth int
}

// NewService constructs a Service.
func NewService(cfg *Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation: store must not be nil")
	}
	if cfg.Knowledge == nil {
		return nil, fmt.Errorf("conversation: knowledge access must not be nil")
	}
	if cfg.Responder == nil {
		return nil, fmt.Errorf("conversation: responder must not be nil")
	}
	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = responder.DefaultHistoryDepth
	}
	return &Service{
		store:        cfg.Store,
		knowledge:    cfg.Knowledge,
		responder:    cfg.Responder,
		historyDepth: depth,
	}, nil
}

// CreateInput is the payload of Create.
type CreateInput struct {
	Type         string `json:"type"`
	KnowledgeID  int64  `json:"knowledge_id"`
	Title        string `json:"title"`
	FirstMessage string `json:"first_message"`
}

// Created is a new conversation and, when a first message was supplied, the
// exchanged messages.
type Created struct {
	Conversation store.Conversation `json:"conversation"`
	Messages     []store.Message    `json:"messages,omitempty"`
}

// Create starts a conversation. A knowledge conversation requires access to
// its knowledge base. A first message is answered synchronously; if the
// model fails the conversation and user message are kept and the error is
// returned.
func (s *Service) Create(ctx context.Context, userID int64, in CreateInput) (Created, error) {
	if err := s.validateScope(ctx, userID, in.Type, in.KnowledgeID); err != nil {
		return Created{}, err
	}
	if in.Type == TypeGlobal {
		in.KnowledgeID = 0
	}
	first := strings.TrimSpace(in.FirstMessage)
	title := strings.TrimSpace(in.Title)
	switch {
	case title != "":
	case first != "":
		title = Title(first)
	default:
		title = DefaultTitle
	}

	conv, err := s.store.CreateConversation(ctx, store.Conversation{
		UserID:      userID,
		Type:        in.Type,
		KnowledgeID: in.KnowledgeID,
		Title:       title,
	})
	if err != nil {
		return Created{}, err
	}
	logging.FromContext(ctx).Info("conversation: created",
		slog.Int64("conversation_id", conv.ID),
		slog.Int64("user_id", userID),
		slog.String("type", conv.Type),
	)
	if first == "" {
		return Created{Conversation: conv}, nil
	}

	msgs, err := s.exchange(ctx, conv, first)
	return Created{Conversation: conv, Messages: msgs}, err
}

// Title derives a conversation title from its first message.
func Title(first string) string {
	first = strings.TrimSpace(first)
	if utf8.RuneCountInString(first) <= titleRunes {
		return first
	}
	return string([]rune(first)[:titleRunes]) + "..."
}

// Send appends a user message and a synchronously generated reply.
func (s *Service) Send(ctx context.Context, userID, convID int64, content string) ([]store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "content is required")
	}
	conv, err := s.Authorize(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	return s.exchange(ctx, conv, content)
}

// exchange records content as a user message and appends the collected reply.
func (s *Service) exchange(ctx context.Context, conv store.Conversation, content string) ([]store.Message, error) {
	history, err := s.history(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	userMsg, err := s.store.AppendMessage(ctx, store.Message{
		ConversationID: conv.ID,
		SenderType:     store.SenderUser,
		Content:        content,
	})
	if err != nil {
		return nil, err
	}

	reply, err := s.responder.Collect(ctx, requestFor(conv, content, history))
	if err != nil {
		return []store.Message{userMsg}, fmt.Errorf("conversation: generate reply: %w", err)
	}
	aiMsg, err := s.SaveAssistantMessage(ctx, conv.ID, reply, true)
	if err != nil {
		return []store.Message{userMsg}, err
	}
	return []store.Message{userMsg, aiMsg}, nil
}

// ListInput narrows List.
type ListInput struct {
	Type        string
	KnowledgeID int64
	Page        int
	Limit       int
}

// ListResult is a page of conversations.
type ListResult struct {
	Conversations []store.ConversationSummary `json:"conversations"`
	Pagination    store.Pagination            `json:"pagination"`
}

// List returns the user's conversations, most recently updated first.
func (s *Service) List(ctx context.Context, userID int64, in ListInput) (ListResult, error) {
	if in.Type != "" && in.Type != TypeGlobal && in.Type != TypeKnowledge {
		return ListResult{}, apperr.New(apperr.KindInvalidArgument, "unknown conversation type %q", in.Type)
	}
	pg, window := store.NewPagination(in.Page, in.Limit)
	list, total, err := s.store.ListConversations(ctx, store.ConversationFilter{
		UserID:      userID,
		Type:        in.Type,
		KnowledgeID: in.KnowledgeID,
		Page:        window,
	})
	if err != nil {
		return ListResult{}, err
	}
	if list == nil {
		list = []store.ConversationSummary{}
	}
	return ListResult{Conversations: list, Pagination: pg.WithTotal(total)}, nil
}

// Detail is a conversation with its messages in chronological order.
type Detail struct {
	store.Conversation
	Messages []store.Message `json:"messages"`
}

// Detail returns one of the user's conversations with all its messages.
func (s *Service) Detail(ctx context.Context, userID, convID int64) (Detail, error) {
	conv, err := s.Authorize(ctx, userID, convID)
	if err != nil {
		return Detail{}, err
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return Detail{}, err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return Detail{Conversation: conv, Messages: msgs}, nil
}

// Current returns the user's latest conversation for the given type and
// knowledge base, creating one when none exists.
func (s *Service) Current(ctx context.Context, userID int64, typ string, kbID int64) (Detail, error) {
	if err := s.validateScope(ctx, userID, typ, kbID); err != nil {
		return Detail{}, err
	}
	if typ == TypeGlobal {
		kbID = 0
	}
	conv, err := s.store.LatestConversation(ctx, userID, typ, kbID)
	if errors.Is(err, store.ErrNotFound) {
		created, cerr := s.Create(ctx, userID, CreateInput{Type: typ, KnowledgeID: kbID})
		if cerr != nil {
			return Detail{}, cerr
		}
		return Detail{Conversation: created.Conversation, Messages: []store.Message{}}, nil
	}
	if err != nil {
		return Detail{}, err
	}
	return s.Detail(ctx, userID, conv.ID)
}

// Delete soft-deletes a conversation and removes its messages.
func (s *Service) Delete(ctx context.Context, userID, convID int64) error {
	if _, err := s.Authorize(ctx, userID, convID); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.KindConversationNotFound, "")
		}
		return err
	}
	logging.FromContext(ctx).Info("conversation: deleted",
		slog.Int64("conversation_id", convID),
		slog.Int64("user_id", userID),
	)
	return nil
}

// DeleteMessage removes one message from a conversation the user owns.
func (s *Service) DeleteMessage(ctx context.Context, userID, msgID int64) error {
	msg, err := s.store.GetMessage(ctx, msgID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindMessageNotFound, "")
	}
	if err != nil {
		return err
	}
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindMessageNotFound, "")
	}
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return apperr.New(apperr.KindUnauthorized, "you do not have permission to delete this message")
	}
	if err := s.store.DeleteMessage(ctx, msgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.KindMessageNotFound, "")
		}
		return err
	}
	return nil
}

// Authorize returns the conversation when userID owns it.
func (s *Service) Authorize(ctx context.Context, userID, convID int64) (store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, apperr.New(apperr.KindConversationNotFound, "")
	}
	if err != nil {
		return store.Conversation{}, err
	}
	if conv.UserID != userID {
		return store.Conversation{}, apperr.New(apperr.KindUnauthorized, "you do not have access to this conversation")
	}
	return conv, nil
}

// StreamResponse records the user message and starts a streamed response.
// History is read before the user message is stored so the new message is
// not duplicated in the prompt. The returned Run must be closed.
func (s *Service) StreamResponse(ctx context.Context, convID int64, userMessage string, userID int64) (*Run, error) {
	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "user message is required")
	}
	conv, err := s.Authorize(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	history, err := s.history(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.AppendMessage(ctx, store.Message{
		ConversationID: conv.ID,
		SenderType:     store.SenderUser,
		Content:        userMessage,
	}); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := s.responder.Respond(runCtx, requestFor(conv, userMessage, history))
	if err != nil {
		cancel()
		logging.FromContext(ctx).Error("conversation: could not start response",
			slog.Int64("conversation_id", conv.ID),
			slog.Any("error", err),
		)
		return nil, err
	}
	return &Run{
		ConversationID: conv.ID,
		UserMessage:    userMessage,
		stream:         stream,
		done:           runCtx.Done(),
		ctxErr:         runCtx.Err,
		cancel:         cancel,
	}, nil
}

// SaveAssistantMessage appends an assistant message. success records
// whether the response ran to completion.
func (s *Service) SaveAssistantMessage(ctx context.Context, convID int64, content string, success bool) (store.Message, error) {
	msg, err := s.store.AppendMessage(ctx, store.Message{
		ConversationID: convID,
		SenderType:     store.SenderAI,
		Content:        content,
		IsSuccess:      &success,
	})
	if err != nil {
		return store.Message{}, err
	}
	logging.FromContext(ctx).Debug("conversation: assistant message saved",
		slog.Int64("conversation_id", convID),
		slog.Bool("success", success),
		slog.Int("chars", utf8.RuneCountInString(content)),
	)
	return msg, nil
}

// SaveOutcome persists a relayed response when it produced something worth
// keeping. It detaches from ctx cancellation so a disconnect does not lose
// the partial reply.
func (s *Service) SaveOutcome(ctx context.Context, convID int64, out Outcome) error {
	if !out.ShouldSave() {
		return nil
	}
	_, err := s.SaveAssistantMessage(context.WithoutCancel(ctx), convID, out.Content, out.Success())
	return err
}

// validateScope checks the conversation type and, for knowledge
// conversations, the user's access to the knowledge base.
func (s *Service) validateScope(ctx context.Context, userID int64, typ string, kbID int64) error {
	switch typ {
	case TypeGlobal:
		return nil
	case TypeKnowledge:
		if kbID <= 0 {
			return apperr.New(apperr.KindInvalidArgument, "knowledge_id is required for knowledge conversations")
		}
		_, err := s.knowledge.CheckAccess(ctx, kbID, userID)
		return err
	default:
		return apperr.New(apperr.KindInvalidArgument, "conversation type must be %q or %q", TypeGlobal, TypeKnowledge)
	}
}

// history returns the most recent messages as responder turns, oldest first.
func (s *Service) history(ctx context.Context, convID int64) ([]responder.Turn, error) {
	msgs, err := s.store.RecentMessages(ctx, convID, s.historyDepth)
	if err != nil {
		return nil, err
	}
	turns := make([]responder.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := responder.RoleUser
		if m.SenderType == store.SenderAI {
			role = responder.RoleAssistant
		}
		turns = append(turns, responder.Turn{Role: role, Content: m.Content})
	}
	return turns, nil
}

func requestFor(conv store.Conversation, query string, history []responder.Turn) responder.Request {
	return responder.Request{
		Mode:        responder.Mode(conv.Type),
		KnowledgeID: conv.KnowledgeID,
		Query:       query,
		History:     history,
	}
}
