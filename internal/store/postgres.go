package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ErrDanglingReference marks an insert that referenced a student or teacher
// the store does not know.
var ErrDanglingReference = errors.New("referenced entity does not exist")

// ErrItemConflict marks an item id that is already stored under a different
// thread, so the append is neither a fresh insert nor a duplicate delivery.
var ErrItemConflict = errors.New("item id already used by another thread")

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (s *PostgresStore) GetParentByEmail(ctx context.Context, email string) (ParentAccount, error) {
	var parent ParentAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, COALESCE(phone, ''), password_hash, created_at
		FROM parent_accounts
		WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&parent.ID, &parent.Name, &parent.Email, &parent.Phone, &parent.PasswordHash, &parent.CreatedAt)
	if err != nil {
		return ParentAccount{}, err
	}
	return parent, nil
}

func (s *PostgresStore) GetParentByID(ctx context.Context, parentID string) (ParentAccount, error) {
	var parent ParentAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, COALESCE(phone, ''), password_hash, created_at
		FROM parent_accounts
		WHERE id = $1
	`, parentID).Scan(&parent.ID, &parent.Name, &parent.Email, &parent.Phone, &parent.PasswordHash, &parent.CreatedAt)
	if err != nil {
		return ParentAccount{}, err
	}
	return parent, nil
}

func (s *PostgresStore) CreateParent(ctx context.Context, parent ParentAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parent_accounts (id, name, email, phone, password_hash)
		VALUES ($1, $2, LOWER($3), NULLIF($4, ''), $5)
	`, parent.ID, parent.Name, parent.Email, parent.Phone, parent.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert parent account: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, parentID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, parent_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET parent_id=EXCLUDED.parent_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, parentID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (ParentAccount, error) {
	const query = `
		SELECT p.id, p.name, p.email, COALESCE(p.phone, '')
		FROM refresh_sessions rs
		JOIN parent_accounts p ON p.id = rs.parent_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var parent ParentAccount
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&parent.ID, &parent.Name, &parent.Email, &parent.Phone)
	if err != nil {
		return ParentAccount{}, err
	}
	return parent, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) ListStudents(ctx context.Context, parentID string) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, COALESCE(grade, ''), parent_id
		FROM students
		WHERE parent_id=$1
		ORDER BY last_name ASC, first_name ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()

	items := make([]Student, 0)
	for rows.Next() {
		var item Student
		if err := rows.Scan(&item.ID, &item.FirstName, &item.LastName, &item.Grade, &item.ParentID); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetStudent(ctx context.Context, parentID, studentID string) (Student, error) {
	var item Student
	err := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, COALESCE(grade, ''), parent_id
		FROM students
		WHERE id=$1 AND parent_id=$2
	`, studentID, parentID).Scan(&item.ID, &item.FirstName, &item.LastName, &item.Grade, &item.ParentID)
	if err != nil {
		return Student{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListTeachersForStudent(ctx context.Context, studentID string) ([]Teacher, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.email, COALESCE(t.subject, '')
		FROM teachers t
		JOIN student_teachers st ON st.teacher_id = t.id
		WHERE st.student_id=$1
		ORDER BY t.name ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list teachers for student: %w", err)
	}
	defer rows.Close()

	items := make([]Teacher, 0)
	for rows.Next() {
		var item Teacher
		if err := rows.Scan(&item.ID, &item.Name, &item.Email, &item.Subject); err != nil {
			return nil, fmt.Errorf("scan teacher: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate teachers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, parentID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.parent_id, m.teacher_id, t.name, m.student_id,
			CONCAT(st.first_name, ' ', st.last_name), m.subject,
			m.last_message_at, m.is_read_parent, m.created_at
		FROM threads m
		JOIN teachers t ON t.id = m.teacher_id
		JOIN students st ON st.id = m.student_id
		WHERE m.parent_id=$1
		ORDER BY m.last_message_at DESC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]Thread, 0)
	index := make(map[string]int)
	for rows.Next() {
		var item Thread
		if err := rows.Scan(
			&item.ID,
			&item.ParentID,
			&item.TeacherID,
			&item.TeacherName,
			&item.StudentID,
			&item.StudentName,
			&item.Subject,
			&item.LastMessageAt,
			&item.IsReadParent,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		index[item.ID] = len(threads)
		threads = append(threads, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	if len(threads) == 0 {
		return threads, nil
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT ti.id, ti.thread_id, ti.sender_name, ti.sender_role, ti.content, ti.sent_at, ti.is_from_teacher
		FROM thread_items ti
		JOIN threads m ON m.id = ti.thread_id
		WHERE m.parent_id=$1
		ORDER BY ti.sent_at ASC, ti.seq ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list thread items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var item ThreadItem
		if err := itemRows.Scan(
			&item.ID,
			&item.ThreadID,
			&item.SenderName,
			&item.SenderRole,
			&item.Content,
			&item.SentAt,
			&item.IsFromTeacher,
		); err != nil {
			return nil, fmt.Errorf("scan thread item: %w", err)
		}
		if at, ok := index[item.ThreadID]; ok {
			threads[at].Items = append(threads[at].Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread items: %w", err)
	}
	return threads, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, parentID, threadID string) (Thread, error) {
	var item Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.parent_id, m.teacher_id, t.name, m.student_id,
			CONCAT(st.first_name, ' ', st.last_name), m.subject,
			m.last_message_at, m.is_read_parent, m.created_at
		FROM threads m
		JOIN teachers t ON t.id = m.teacher_id
		JOIN students st ON st.id = m.student_id
		WHERE m.id=$1 AND m.parent_id=$2
	`, threadID, parentID).Scan(
		&item.ID,
		&item.ParentID,
		&item.TeacherID,
		&item.TeacherName,
		&item.StudentID,
		&item.StudentName,
		&item.Subject,
		&item.LastMessageAt,
		&item.IsReadParent,
		&item.CreatedAt,
	)
	if err != nil {
		return Thread{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, sender_name, sender_role, content, sent_at, is_from_teacher
		FROM thread_items
		WHERE thread_id=$1
		ORDER BY sent_at ASC, seq ASC
	`, threadID)
	if err != nil {
		return Thread{}, fmt.Errorf("list thread items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry ThreadItem
		if err := rows.Scan(
			&entry.ID,
			&entry.ThreadID,
			&entry.SenderName,
			&entry.SenderRole,
			&entry.Content,
			&entry.SentAt,
			&entry.IsFromTeacher,
		); err != nil {
			return Thread{}, fmt.Errorf("scan thread item: %w", err)
		}
		item.Items = append(item.Items, entry)
	}
	if err := rows.Err(); err != nil {
		return Thread{}, fmt.Errorf("iterate thread items: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UnreadThreadCount(ctx context.Context, parentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM threads WHERE parent_id=$1 AND is_read_parent=FALSE
	`, parentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread threads: %w", err)
	}
	return count, nil
}

// AppendThreadItem inserts one item and updates the thread's read flags and
// last_message_at in a single transaction, so a reader never observes one
// without the other. The item id is the caller's idempotency token: a
// duplicate id returns the already-stored item and leaves the thread
// metadata untouched. An empty parentID skips ownership scoping (the
// teacher-side write path).
func (s *PostgresStore) AppendThreadItem(ctx context.Context, parentID, threadID string, item ThreadItem) (ThreadItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ThreadItem{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM threads WHERE id=$1 AND ($2='' OR parent_id=$2))
	`, threadID, parentID).Scan(&exists)
	if err != nil {
		return ThreadItem{}, fmt.Errorf("check thread: %w", err)
	}
	if !exists {
		return ThreadItem{}, sql.ErrNoRows
	}

	item.ThreadID = threadID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO thread_items (id, thread_id, sender_name, sender_role, content, is_from_teacher, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO NOTHING
		RETURNING sent_at
	`, item.ID, threadID, item.SenderName, item.SenderRole, item.Content, item.IsFromTeacher).Scan(&item.SentAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Duplicate delivery of the same client item; return what is stored.
		existing, lookupErr := s.getThreadItem(ctx, tx, item.ID)
		if lookupErr != nil {
			return ThreadItem{}, lookupErr
		}
		if existing.ThreadID != threadID {
			return ThreadItem{}, ErrItemConflict
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return ThreadItem{}, fmt.Errorf("commit append tx: %w", commitErr)
		}
		return existing, nil
	}
	if err != nil {
		return ThreadItem{}, fmt.Errorf("insert thread item: %w", err)
	}

	// NOW() is transaction-start time, so of two concurrent appends the one
	// that started earlier can commit later. GREATEST keeps last_message_at
	// pinned to the newest item's sent_at regardless of commit order.
	if _, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET last_message_at=GREATEST(last_message_at, $2), is_read_parent=$3, is_read_teacher=$4
		WHERE id=$1
	`, threadID, item.SentAt, !item.IsFromTeacher, item.IsFromTeacher); err != nil {
		return ThreadItem{}, fmt.Errorf("update thread metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ThreadItem{}, fmt.Errorf("commit append tx: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) getThreadItem(ctx context.Context, tx *sql.Tx, itemID string) (ThreadItem, error) {
	var item ThreadItem
	err := tx.QueryRowContext(ctx, `
		SELECT id, thread_id, sender_name, sender_role, content, sent_at, is_from_teacher
		FROM thread_items
		WHERE id=$1
	`, itemID).Scan(
		&item.ID,
		&item.ThreadID,
		&item.SenderName,
		&item.SenderRole,
		&item.Content,
		&item.SentAt,
		&item.IsFromTeacher,
	)
	if err != nil {
		return ThreadItem{}, fmt.Errorf("lookup thread item: %w", err)
	}
	return item, nil
}

// CreateThread inserts the thread row and its seed item in one transaction.
// The seed item's sent_at and the thread's last_message_at are assigned the
// same timestamp.
func (s *PostgresStore) CreateThread(ctx context.Context, thread Thread, seed ThreadItem) (Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Thread{}, fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO threads (id, parent_id, teacher_id, student_id, subject, last_message_at, is_read_parent, is_read_teacher)
		VALUES ($1, $2, $3, $4, $5, NOW(), TRUE, FALSE)
		RETURNING last_message_at, created_at
	`, thread.ID, thread.ParentID, thread.TeacherID, thread.StudentID, thread.Subject).Scan(&thread.LastMessageAt, &thread.CreatedAt)
	if isForeignKeyViolation(err) {
		return Thread{}, ErrDanglingReference
	}
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	thread.IsReadParent = true

	seed.ThreadID = thread.ID
	seed.SentAt = thread.LastMessageAt
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_items (id, thread_id, sender_name, sender_role, content, is_from_teacher, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, seed.ID, seed.ThreadID, seed.SenderName, seed.SenderRole, seed.Content, seed.IsFromTeacher, seed.SentAt); err != nil {
		return Thread{}, fmt.Errorf("insert seed item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Thread{}, fmt.Errorf("commit create tx: %w", err)
	}
	thread.Items = []ThreadItem{seed}
	return thread, nil
}

func (s *PostgresStore) MarkThreadRead(ctx context.Context, parentID, threadID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET is_read_parent=TRUE
		WHERE id=$1 AND parent_id=$2
	`, threadID, parentID)
	if err != nil {
		return false, fmt.Errorf("mark thread read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark thread read rows: %w", err)
	}
	return affected > 0, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
