package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Knowledge is a knowledge base record.
type Knowledge struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Avatar      string    `json:"avatar"`
	OwnerID     int64     `json:"owner_id"`
	IsShared    bool      `json:"is_shared"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	// FileCount is the number of live files. Populated on reads.
	FileCount int `json:"file_count"`
}

// KnowledgeFilter narrows ListSharedKnowledge.
type KnowledgeFilter struct {
	// Name matches case-insensitively anywhere in the name when non-empty.
	Name string
	// OwnerID restricts to one owner when non-zero.
	OwnerID int64
	Page
}

const knowledgeColumns = `k.id, k.name, k.description, k.avatar, k.owner_id, k.is_shared, k.created_at, k.updated_at,
    (SELECT COUNT(*) FROM files f WHERE f.knowledge_id = k.id AND f.is_deleted = 0)`

type scanner interface {
	Scan(dest ...any) error
}

func scanKnowledge(row scanner) (Knowledge, error) {
	var (
		k                Knowledge
		shared           int
		created, updated int64
	)
	err := row.Scan(&k.ID, &k.Name, &k.Description, &k.Avatar, &k.OwnerID, &shared, &created, &updated, &k.FileCount)
	if err != nil {
		return Knowledge{}, err
	}
	k.IsShared = shared != 0
	k.CreatedAt = fromMS(created)
	k.UpdatedAt = fromMS(updated)
	return k, nil
}

// CreateKnowledge inserts k and returns it with its id and timestamps set.
func (s *Store) CreateKnowledge(ctx context.Context, k Knowledge) (Knowledge, error) {
	now := s.now()
	const q = `INSERT INTO knowledge (name, description, avatar, owner_id, is_shared, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, k.Name, k.Description, k.Avatar, k.OwnerID, boolInt(k.IsShared), ms(now), ms(now))
	if err != nil {
		return Knowledge{}, fmt.Errorf("store: create knowledge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Knowledge{}, fmt.Errorf("store: create knowledge id: %w", err)
	}
	k.ID = id
	k.CreatedAt = fromMS(ms(now))
	k.UpdatedAt = k.CreatedAt
	k.FileCount = 0
	return k, nil
}

// GetKnowledge returns a live knowledge base.
func (s *Store) GetKnowledge(ctx context.Context, id int64) (Knowledge, error) {
	q := `SELECT ` + knowledgeColumns + ` FROM knowledge k WHERE k.id = ? AND k.is_deleted = 0`
	k, err := scanKnowledge(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return Knowledge{}, notFound("get knowledge", err)
	}
	return k, nil
}

// ListSharedKnowledge returns shared, live knowledge bases ordered by most
// recently updated, and the total matching count.
func (s *Store) ListSharedKnowledge(ctx context.Context, f KnowledgeFilter) ([]Knowledge, int, error) {
	where := []string{"k.is_deleted = 0", "k.is_shared = 1"}
	var args []any
	if f.Name != "" {
		where = append(where, `k.name LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(f.Name))
	}
	if f.OwnerID != 0 {
		where = append(where, "k.owner_id = ?")
		args = append(args, f.OwnerID)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge k WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count shared knowledge: %w", err)
	}

	limit, pargs := f.Page.clause()
	q := `SELECT ` + knowledgeColumns + ` FROM knowledge k WHERE ` + cond + ` ORDER BY k.updated_at DESC, k.id DESC` + limit
	list, err := s.queryKnowledge(ctx, q, append(args, pargs...)...)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// ListOwnedKnowledge returns the live knowledge bases owned by userID.
func (s *Store) ListOwnedKnowledge(ctx context.Context, userID int64) ([]Knowledge, error) {
	q := `SELECT ` + knowledgeColumns + ` FROM knowledge k
WHERE k.owner_id = ? AND k.is_deleted = 0 ORDER BY k.updated_at DESC, k.id DESC`
	return s.queryKnowledge(ctx, q, userID)
}

// ListJoinedKnowledge returns the shared, live knowledge bases userID is a
// member of.
func (s *Store) ListJoinedKnowledge(ctx context.Context, userID int64) ([]Knowledge, error) {
	q := `SELECT ` + knowledgeColumns + ` FROM knowledge k
JOIN knowledge_user ku ON ku.knowledge_id = k.id
WHERE ku.user_id = ? AND k.is_shared = 1 AND k.is_deleted = 0
ORDER BY k.updated_at DESC, k.id DESC`
	return s.queryKnowledge(ctx, q, userID)
}

func (s *Store) queryKnowledge(ctx context.Context, q string, args ...any) ([]Knowledge, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list knowledge: %w", err)
	}
	defer rows.Close()

	list := []Knowledge{}
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list knowledge scan: %w", err)
		}
		list = append(list, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list knowledge rows: %w", err)
	}
	return list, nil
}

// SoftDeleteKnowledge marks a knowledge base deleted.
func (s *Store) SoftDeleteKnowledge(ctx context.Context, id int64) error {
	const q = `UPDATE knowledge SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0`
	res, err := s.db.ExecContext(ctx, q, ms(s.now()), id)
	if err != nil {
		return fmt.Errorf("store: delete knowledge: %w", err)
	}
	return affected("delete knowledge", res)
}

// CountConversations returns the number of live conversations bound to kbID.
func (s *Store) CountConversations(ctx context.Context, kbID int64) (int, error) {
	var n int
	const q = `SELECT COUNT(*) FROM conversations WHERE knowledge_id = ? AND is_deleted = 0`
	if err := s.db.QueryRowContext(ctx, q, kbID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count conversations: %w", err)
	}
	return n, nil
}

// IsMember reports whether userID has joined kbID.
func (s *Store) IsMember(ctx context.Context, kbID, userID int64) (bool, error) {
	var n int
	const q = `SELECT COUNT(*) FROM knowledge_user WHERE knowledge_id = ? AND user_id = ?`
	if err := s.db.QueryRowContext(ctx, q, kbID, userID).Scan(&n); err != nil {
		return false, fmt.Errorf("store: is member: %w", err)
	}
	return n > 0, nil
}

// AddMember records userID as a member of kbID. Returns ErrDuplicate if the
// membership already exists.
func (s *Store) AddMember(ctx context.Context, kbID, userID int64) error {
	const q = `INSERT INTO knowledge_user (knowledge_id, user_id, created_at) VALUES (?, ?, ?)
ON CONFLICT (knowledge_id, user_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, kbID, userID, ms(s.now()))
	if err != nil {
		return fmt.Errorf("store: add member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// RemoveMember deletes the membership. Returns ErrNotFound if absent.
func (s *Store) RemoveMember(ctx context.Context, kbID, userID int64) error {
	const q = `DELETE FROM knowledge_user WHERE knowledge_id = ? AND user_id = ?`
	res, err := s.db.ExecContext(ctx, q, kbID, userID)
	if err != nil {
		return fmt.Errorf("store: remove member: %w", err)
	}
	return affected("remove member", res)
}

// ListMembers returns the user ids that joined kbID, in join order.
func (s *Store) ListMembers(ctx context.Context, kbID int64) ([]int64, error) {
	const q = `SELECT user_id FROM knowledge_user WHERE knowledge_id = ? ORDER BY created_at, user_id`
	rows, err := s.db.QueryContext(ctx, q, kbID)
	if err != nil {
		return nil, fmt.Errorf("store: list members: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list members scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list members rows: %w", err)
	}
	return ids, nil
}
