package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

// memoryContextHeader labels the memory block prepended to questions.
const memoryContextHeader = "[User memory]"

// queryKeywordLimit caps how many distinct query keywords are searched
// when collecting relevant memories.
const queryKeywordLimit = 5

var englishStopwords = stopwords.MustGet("en")

// clampImportance forces an importance score into [0, 1].
func clampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// UpsertMemory records an observation. If a row with the same
// (user, type, key) exists it is updated in place: the value is
// replaced, importance keeps the maximum of old and new, last_accessed
// is bumped and access_count incremented. Otherwise a fresh row is
// inserted with access_count 0. Never creates duplicates.
func (s *Store) UpsertMemory(ctx context.Context, userID int64, mtype MemoryType, key, value string, sourceSessionID int64, importance float64) (*Memory, error) {
	importance = clampImportance(importance)
	now := time.Now().UTC()

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			existingID  int64
			existingImp float64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, importance FROM memories
			WHERE user_id = ? AND memory_type = ? AND key = ?`,
			userID, mtype, key,
		).Scan(&existingID, &existingImp)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			var src any
			if sourceSessionID != 0 {
				src = sourceSessionID
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO memories
					(user_id, memory_type, key, value, source_session_id,
					 importance, created_at, last_accessed, access_count)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
				userID, mtype, key, value, src, importance, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert memory: %w", err)
			}
			id, err = res.LastInsertId()
			return err

		case err != nil:
			return fmt.Errorf("find memory: %w", err)

		default:
			if existingImp > importance {
				importance = existingImp
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE memories
				SET value = ?, importance = ?, last_accessed = ?, access_count = access_count + 1
				WHERE id = ?`,
				value, importance, now, existingID,
			); err != nil {
				return fmt.Errorf("update memory: %w", err)
			}
			id = existingID
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	return s.GetMemory(ctx, id)
}

// GetMemory retrieves a memory by id.
func (s *Store) GetMemory(ctx context.Context, id int64) (*Memory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, memory_type, key, value, source_session_id,
		       importance, created_at, last_accessed, access_count
		FROM memories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var (
		m   Memory
		src sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.Type, &m.Key, &m.Value, &src,
		&m.Importance, &m.CreatedAt, &m.LastAccessed, &m.AccessCount); err != nil {
		return nil, err
	}
	m.SourceSessionID = src.Int64
	return &m, nil
}

// SearchMemories finds memories whose key or value contains the
// keyword, ordered by importance. Each returned memory has its access
// stats bumped.
func (s *Store) SearchMemories(ctx context.Context, userID int64, keyword string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	pattern := "%" + keyword + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, memory_type, key, value, source_session_id,
		       importance, created_at, last_accessed, access_count
		FROM memories
		WHERE user_id = ? AND (key LIKE ? OR value LIKE ?)
		ORDER BY importance DESC, last_accessed DESC, id
		LIMIT ?`, userID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(memories) > 0 {
		if err := s.touchMemories(ctx, memories); err != nil {
			return nil, err
		}
	}
	return memories, nil
}

// touchMemories bumps last_accessed and access_count for a result set.
func (s *Store) touchMemories(ctx context.Context, memories []*Memory) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range memories {
			if _, err := tx.ExecContext(ctx, `
				UPDATE memories
				SET last_accessed = ?, access_count = access_count + 1
				WHERE id = ?`, now, m.ID); err != nil {
				return fmt.Errorf("touch memory %d: %w", m.ID, err)
			}
			m.LastAccessed = now
			m.AccessCount++
		}
		return nil
	})
}

// RelevantForQuery collects memories related to a free-form query: the
// query is split into word runs, stopwords are dropped, and the first
// five distinct keywords are each searched for two matches. Results
// are deduplicated by id and the top entries by importance returned.
// A limit of 0 defaults to 3.
func (s *Store) RelevantForQuery(ctx context.Context, userID int64, query string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 3
	}

	seen := make(map[int64]*Memory)
	var order []int64
	for _, keyword := range queryKeywords(query) {
		matches, err := s.SearchMemories(ctx, userID, keyword, 2)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if _, ok := seen[m.ID]; !ok {
				seen[m.ID] = m
				order = append(order, m.ID)
			}
		}
	}

	memories := make([]*Memory, 0, len(order))
	for _, id := range order {
		memories = append(memories, seen[id])
	}
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].Importance > memories[j].Importance
	})

	if len(memories) > limit {
		memories = memories[:limit]
	}
	return memories, nil
}

// queryKeywords extracts up to queryKeywordLimit distinct lowercase
// word runs from the query, skipping stopwords and single letters.
func queryKeywords(query string) []string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool)
	var keywords []string
	for _, w := range words {
		w = strings.ToLower(w)
		if len([]rune(w)) < 2 || seen[w] || englishStopwords.Contains(w) {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
		if len(keywords) == queryKeywordLimit {
			break
		}
	}
	return keywords
}

// FormatForContext renders memories as a labeled block ready to prepend
// to a question. Empty input yields an empty string.
func FormatForContext(memories []*Memory) string {
	if len(memories) == 0 {
		return ""
	}

	parts := make([]string, 0, len(memories)+1)
	parts = append(parts, memoryContextHeader)
	for _, m := range memories {
		parts = append(parts, "- "+m.Value)
	}
	return strings.Join(parts, "\n")
}

// UserMemories lists a user's memories, optionally filtered by type,
// ranked by importance then recency. A limit of 0 returns everything.
func (s *Store) UserMemories(ctx context.Context, userID int64, mtype MemoryType, limit int) ([]*Memory, error) {
	query := `
		SELECT id, user_id, memory_type, key, value, source_session_id,
		       importance, created_at, last_accessed, access_count
		FROM memories WHERE user_id = ?`
	args := []any{userID}
	if mtype != "" {
		query += " AND memory_type = ?"
		args = append(args, mtype)
	}
	query += " ORDER BY importance DESC, last_accessed DESC, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// EvictMemories runs the capacity sweep: everything beyond the
// keepCount highest-ranked memories (importance desc, then recency of
// access) is deleted. Returns the number of rows removed.
func (s *Store) EvictMemories(ctx context.Context, userID int64, keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}

	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM memories
			WHERE user_id = ? AND id NOT IN (
				SELECT id FROM memories
				WHERE user_id = ?
				ORDER BY importance DESC, last_accessed DESC, id
				LIMIT ?
			)`, userID, userID, keepCount)
		if err != nil {
			return fmt.Errorf("evict memories: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// AdjustImportance sets a memory's importance, clamped into [0, 1]
// regardless of input magnitude.
func (s *Store) AdjustImportance(ctx context.Context, memoryID int64, importance float64) error {
	importance = clampImportance(importance)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE memories SET importance = ? WHERE id = ?", importance, memoryID)
		if err != nil {
			return fmt.Errorf("adjust importance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrMemoryNotFound
		}
		return nil
	})
}

// DeleteMemory removes a single memory row.
func (s *Store) DeleteMemory(ctx context.Context, memoryID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", memoryID)
		if err != nil {
			return fmt.Errorf("delete memory: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrMemoryNotFound
		}
		return nil
	})
}

// MemoryCount returns the number of memories stored for the user.
func (s *Store) MemoryCount(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memories WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return count, nil
}
