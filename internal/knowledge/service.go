// Package knowledge manages knowledge bases, their membership, and the
// documents uploaded into them. File uploads are written through the local
// file store and handed to the ingestion pipeline; deletions retract the
// file's passages from the vector index.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/filestore"
	"github.com/54b3r/kbchat-go/internal/ingestion"
	"github.com/54b3r/kbchat-go/internal/logging"
	"github.com/54b3r/kbchat-go/internal/store"
)

// Indexer is the subset of the ingestion pipeline the service drives.
// *ingestion.Pipeline satisfies it.
type Indexer interface {
	Ingest(ctx context.Context, req ingestion.Request) (ingestion.Result, error)
	Retract(ctx context.Context, kbID, fileID int64) error
	DropKnowledgeBase(ctx context.Context, kbID int64) error
}

// Config holds the service dependencies.
type Config struct {
	// Store persists knowledge bases and file records.
	Store *store.Store
	// Files holds uploaded bytes.
	Files *filestore.Store
	// Indexer ingests and retracts documents.
	Indexer Indexer
	// MaxUploadBytes caps a single upload. Zero means unlimited.
	MaxUploadBytes int64
}

// Service implements knowledge base and file operations.
type Service struct {
	store          *store.Store
	files          *filestore.Store
	indexer        Indexer
	maxUploadBytes int64
}

// NewService constructs a Service.
func NewService(cfg *Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("knowledge: store must not be nil")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("knowledge: file store must not be nil")
	}
	if cfg.Indexer == nil {
		return nil, fmt.Errorf("knowledge: indexer must not be nil")
	}
	return &Service{
		store:          cfg.Store,
		files:          cfg.Files,
		indexer:        cfg.Indexer,
		maxUploadBytes: cfg.MaxUploadBytes,
	}, nil
}

// CreateInput is the payload of Create.
type CreateInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Avatar      string `json:"avatar"`
	IsShared    bool   `json:"is_shared"`
}

// Create makes a knowledge base owned by userID.
func (s *Service) Create(ctx context.Context, userID int64, in CreateInput) (store.Knowledge, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Knowledge{}, apperr.New(apperr.KindInvalidArgument, "name is required")
	}
	k, err := s.store.CreateKnowledge(ctx, store.Knowledge{
		Name:        name,
		Description: in.Description,
		Avatar:      in.Avatar,
		OwnerID:     userID,
		IsShared:    in.IsShared,
	})
	if err != nil {
		return store.Knowledge{}, err
	}
	logging.FromContext(ctx).Info("knowledge: created",
		slog.Int64("knowledge_id", k.ID),
		slog.Int64("user_id", userID),
		slog.Bool("shared", k.IsShared),
	)
	return k, nil
}

// Summary is a shared knowledge base listing entry.
type Summary struct {
	store.Knowledge
	Members []int64 `json:"members"`
}

// ListInput narrows ListShared.
type ListInput struct {
	Name     string
	OwnerID  int64
	Page     int
	PageSize int
}

// ListResult is a page of shared knowledge bases.
type ListResult struct {
	Items      []Summary        `json:"items"`
	Pagination store.Pagination `json:"pagination"`
}

// ListShared returns shared knowledge bases, most recently updated first.
func (s *Service) ListShared(ctx context.Context, in ListInput) (ListResult, error) {
	pg, window := store.NewPagination(in.Page, in.PageSize)
	list, total, err := s.store.ListSharedKnowledge(ctx, store.KnowledgeFilter{
		Name:    strings.TrimSpace(in.Name),
		OwnerID: in.OwnerID,
		Page:    window,
	})
	if err != nil {
		return ListResult{}, err
	}
	items := make([]Summary, len(list))
	for i, k := range list {
		members, err := s.store.ListMembers(ctx, k.ID)
		if err != nil {
			return ListResult{}, err
		}
		items[i] = Summary{Knowledge: k, Members: members}
	}
	return ListResult{Items: items, Pagination: pg.WithTotal(total)}, nil
}

// Detail is a single knowledge base as seen by one user.
type Detail struct {
	store.Knowledge
	Members           []int64      `json:"members"`
	Files             []store.File `json:"files"`
	ConversationCount int          `json:"conversation_count"`
	IsOwner           bool         `json:"is_owner"`
	IsMember          bool         `json:"is_member"`
}

// Get returns a knowledge base the user can access.
func (s *Service) Get(ctx context.Context, id, userID int64) (Detail, error) {
	k, isMember, err := s.access(ctx, id, userID)
	if err != nil {
		return Detail{}, err
	}
	members, err := s.store.ListMembers(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	files, _, err := s.store.ListFiles(ctx, store.FileFilter{KnowledgeID: id})
	if err != nil {
		return Detail{}, err
	}
	convs, err := s.store.CountConversations(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{
		Knowledge:         k,
		Members:           members,
		Files:             files,
		ConversationCount: convs,
		IsOwner:           k.OwnerID == userID,
		IsMember:          isMember,
	}, nil
}

// Personal returns the knowledge bases the user owns.
func (s *Service) Personal(ctx context.Context, userID int64) ([]store.Knowledge, error) {
	return s.store.ListOwnedKnowledge(ctx, userID)
}

// Joined returns the shared knowledge bases the user is a member of.
func (s *Service) Joined(ctx context.Context, userID int64) ([]store.Knowledge, error) {
	return s.store.ListJoinedKnowledge(ctx, userID)
}

// Join adds the user to a shared knowledge base.
func (s *Service) Join(ctx context.Context, id, userID int64) error {
	k, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !k.IsShared {
		return apperr.New(apperr.KindKnowledgeNotShared, "")
	}
	if err := s.store.AddMember(ctx, id, userID); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return apperr.New(apperr.KindKnowledgeAlreadyJoined, "")
		}
		return err
	}
	logging.FromContext(ctx).Info("knowledge: joined", slog.Int64("knowledge_id", id), slog.Int64("user_id", userID))
	return nil
}

// Leave removes the user from a knowledge base. Owners cannot leave.
func (s *Service) Leave(ctx context.Context, id, userID int64) error {
	k, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if k.OwnerID == userID {
		return apperr.New(apperr.KindKnowledgeOwned, "")
	}
	if err := s.store.RemoveMember(ctx, id, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.KindKnowledgeNotJoined, "")
		}
		return err
	}
	logging.FromContext(ctx).Info("knowledge: left", slog.Int64("knowledge_id", id), slog.Int64("user_id", userID))
	return nil
}

// Delete drops the knowledge base's vector collection and soft-deletes the
// record. Only the owner may delete.
func (s *Service) Delete(ctx context.Context, id, userID int64) error {
	k, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if k.OwnerID != userID {
		return apperr.New(apperr.KindKnowledgeUnauthorized, "only the owner can delete a knowledge base")
	}
	if err := s.indexer.DropKnowledgeBase(ctx, id); err != nil {
		return apperr.Wrap(apperr.KindIngestionFailed, err, "failed to drop the knowledge base's vector collection")
	}
	if err := s.store.SoftDeleteKnowledge(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.KindKnowledgeNotFound, "")
		}
		return err
	}
	logging.FromContext(ctx).Info("knowledge: deleted", slog.Int64("knowledge_id", id), slog.Int64("user_id", userID))
	return nil
}

// CheckAccess returns the knowledge base when the user is its owner, a
// member, or it is shared.
func (s *Service) CheckAccess(ctx context.Context, id, userID int64) (store.Knowledge, error) {
	k, _, err := s.access(ctx, id, userID)
	return k, err
}

func (s *Service) access(ctx context.Context, id, userID int64) (store.Knowledge, bool, error) {
	k, err := s.lookup(ctx, id)
	if err != nil {
		return store.Knowledge{}, false, err
	}
	isMember, err := s.store.IsMember(ctx, id, userID)
	if err != nil {
		return store.Knowledge{}, false, err
	}
	if k.OwnerID != userID && !isMember && !k.IsShared {
		return store.Knowledge{}, false, apperr.New(apperr.KindKnowledgeUnauthorized, "")
	}
	return k, isMember, nil
}

func (s *Service) lookup(ctx context.Context, id int64) (store.Knowledge, error) {
	k, err := s.store.GetKnowledge(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Knowledge{}, apperr.New(apperr.KindKnowledgeNotFound, "")
	}
	return k, err
}
