// Package responder assembles retrieval-augmented prompts and drives a
// streaming completion against a chat model. A response is a single-pass,
// non-restartable sequence of text increments pulled with Stream.Next.
package responder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/kbchat-go/internal/budget"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/rag"
)

// SystemPrompt is the instruction placed first in every message sequence.
const SystemPrompt = "You are a helpful AI assistant. Answer the user's questions in a friendly and accurate way."

// knowledgeTemplate wraps retrieved passages and the question into a single
// user turn. {context} and {question} are substituted.
const knowledgeTemplate = `You are an intelligent assistant. Answer the user's question based on the knowledge base content provided below.
If the knowledge base does not contain relevant information, tell the user so explicitly.

Knowledge base content:
{context}

User question: {question}

Answer the user's question based on the knowledge base content above:`

// NoResultsMessage is the only increment produced when a knowledge-mode
// search returns nothing. The chat model is not called in that case.
const NoResultsMessage = "Sorry, I could not find any content related to your question in this knowledge base."

// DefaultHistoryDepth is the number of prior messages carried into a prompt.
const DefaultHistoryDepth = 10

// Mode selects open-domain or knowledge-bound generation.
type Mode string

// Conversation modes. The values are the persisted conversation types.
const (
	ModeGlobal    Mode = "global"
	ModeKnowledge Mode = "knowledge"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeGlobal || m == ModeKnowledge }

// Role is the sender of a history turn.
type Role string

// History roles. The values are the persisted sender types.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "ai"
)

// Turn is one prior message.
type Turn struct {
	Role    Role
	Content string
}

// Retriever returns passages of one knowledge base ordered by descending
// similarity.
type Retriever interface {
	Retrieve(ctx context.Context, kbID int64, query string, topK int) ([]rag.Hit, error)
}

// Config holds the dependencies required to construct a Responder.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.BaseChatModel

	// Retriever serves knowledge-mode searches. Required for knowledge mode.
	Retriever Retriever

	// TopK is the number of passages retrieved per query. Defaults to 5.
	TopK int

	// HistoryDepth caps the prior messages included. Defaults to 10.
	HistoryDepth int

	// MaxContextTokens is the estimated input budget; history is trimmed
	// oldest-first to fit. Defaults to budget.DefaultMaxContextTokens.
	MaxContextTokens int
}

// Responder builds prompts and starts model streams. It is stateless between
// calls and safe for concurrent use.
type Responder struct {
	chatModel        model.BaseChatModel
	retriever        Retriever
	topK             int
	historyDepth     int
	maxContextTokens int
}

// New constructs a Responder from cfg.
func New(cfg *Config) (*Responder, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("responder: ChatModel must not be nil")
	}
	r := &Responder{
		chatModel:        cfg.ChatModel,
		retriever:        cfg.Retriever,
		topK:             cfg.TopK,
		historyDepth:     cfg.HistoryDepth,
		maxContextTokens: cfg.MaxContextTokens,
	}
	if r.topK <= 0 {
		r.topK = rag.DefaultTopK
	}
	if r.historyDepth <= 0 {
		r.historyDepth = DefaultHistoryDepth
	}
	if r.maxContextTokens <= 0 {
		r.maxContextTokens = budget.DefaultMaxContextTokens
	}
	return r, nil
}

// Request is one generation request.
type Request struct {
	// Mode selects open or knowledge generation.
	Mode Mode
	// KnowledgeID is required in knowledge mode.
	KnowledgeID int64
	// Query is the new user message.
	Query string
	// History holds prior messages, oldest first. Only the most recent
	// HistoryDepth are used.
	History []Turn
}

// Respond starts a response. Retrieval and model-call failures are returned
// before any increment is produced.
func (r *Responder) Respond(ctx context.Context, req Request) (*Stream, error) {
	log := logging.FromContext(ctx)

	var question *schema.Message
	switch req.Mode {
	case ModeGlobal:
		question = schema.UserMessage(req.Query)

	case ModeKnowledge:
		if r.retriever == nil {
			return nil, fmt.Errorf("responder: knowledge mode requires a retriever")
		}
		hits, err := r.retriever.Retrieve(ctx, req.KnowledgeID, req.Query, r.topK)
		if err != nil {
			return nil, fmt.Errorf("responder: retrieval failed: %w", err)
		}
		if len(hits) == 0 {
			log.Info("responder: no relevant passages, skipping model call",
				slog.Int64("knowledge_id", req.KnowledgeID),
			)
			return newStream(schema.StreamReaderFromArray([]*schema.Message{
				schema.AssistantMessage(NoResultsMessage, nil),
			})), nil
		}
		question = schema.UserMessage(knowledgePrompt(hits, req.Query))

	default:
		return nil, fmt.Errorf("responder: unknown mode %q", req.Mode)
	}

	messages := r.buildMessages(ctx, req.History, question)
	sr, err := r.chatModel.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("responder: stream failed: %w", err)
	}
	return newStream(sr), nil
}

// Collect runs Respond and concatenates every increment.
func (r *Responder) Collect(ctx context.Context, req Request) (string, error) {
	s, err := r.Respond(ctx, req)
	if err != nil {
		return "", err
	}
	defer s.Close()

	var buf strings.Builder
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return buf.String(), nil
		}
		if err != nil {
			return buf.String(), err
		}
		buf.WriteString(chunk)
	}
}

// buildMessages returns [system, ...history, question]. History is reduced
// to the last historyDepth turns and then trimmed oldest-first to the token
// budget.
func (r *Responder) buildMessages(ctx context.Context, history []Turn, question *schema.Message) []*schema.Message {
	if len(history) > r.historyDepth {
		history = history[len(history)-r.historyDepth:]
	}

	system := schema.SystemMessage(SystemPrompt)
	historyMsgs := make([]*schema.Message, 0, len(history))
	for _, t := range history {
		switch t.Role {
		case RoleUser:
			historyMsgs = append(historyMsgs, schema.UserMessage(t.Content))
		case RoleAssistant:
			historyMsgs = append(historyMsgs, schema.AssistantMessage(t.Content, nil))
		}
	}

	before := len(historyMsgs)
	historyMsgs = budget.TrimHistory([]*schema.Message{system, question}, historyMsgs, r.maxContextTokens)
	if dropped := before - len(historyMsgs); dropped > 0 {
		logging.FromContext(ctx).Warn("budget: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(historyMsgs)),
			slog.Int("max_tokens", r.maxContextTokens),
		)
	}

	out := make([]*schema.Message, 0, len(historyMsgs)+2)
	out = append(out, system)
	out = append(out, historyMsgs...)
	out = append(out, question)
	return out
}

// knowledgePrompt fills the knowledge template with the passages, best first,
// separated by blank lines.
func knowledgePrompt(hits []rag.Hit, query string) string {
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = h.Payload.Content
	}
	return strings.NewReplacer(
		"{context}", strings.Join(parts, "\n\n"),
		"{question}", query,
	).Replace(knowledgeTemplate)
}
