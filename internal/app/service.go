package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"satchel/api/internal/account"
	"satchel/api/internal/auth"
	"satchel/api/internal/config"
	"satchel/api/internal/session"
	"satchel/api/internal/store"
	"satchel/api/internal/util"
)

const maxItemLength = 4000

// Session is an authenticated parent context derived from an access token,
// plus the token pair handed back on sign-in and refresh.
type Session struct {
	Token        string
	RefreshToken string
	ParentID     string
	ParentName   string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetParentByID(ctx context.Context, parentID string) (store.ParentAccount, error)
	SaveRefreshSession(ctx context.Context, tokenHash, parentID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.ParentAccount, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	ListStudents(ctx context.Context, parentID string) ([]store.Student, error)
	GetStudent(ctx context.Context, parentID, studentID string) (store.Student, error)
	ListTeachersForStudent(ctx context.Context, studentID string) ([]store.Teacher, error)
	ListThreads(ctx context.Context, parentID string) ([]store.Thread, error)
	GetThread(ctx context.Context, parentID, threadID string) (store.Thread, error)
	UnreadThreadCount(ctx context.Context, parentID string) (int, error)
	AppendThreadItem(ctx context.Context, parentID, threadID string, item store.ThreadItem) (store.ThreadItem, error)
	CreateThread(ctx context.Context, thread store.Thread, seed store.ThreadItem) (store.Thread, error)
	MarkThreadRead(ctx context.Context, parentID, threadID string) (bool, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions outside Postgres. When nil the service
// falls back to the relational refresh_sessions table.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, parent store.ParentAccount, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.ParentAccount, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	accounts *account.Service
	sessions sessionStore
}

func New(cfg config.Config, dataStore dataStore, accounts *account.Service) *Service {
	return &Service{cfg: cfg, store: dataStore, accounts: accounts}
}

func NewWithSessionStore(cfg config.Config, dataStore dataStore, accounts *account.Service, sessions sessionStore) *Service {
	return &Service{cfg: cfg, store: dataStore, accounts: accounts, sessions: sessions}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req account.SignUpRequest) (Session, error) {
	parent, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, account.ErrEmailExists):
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "an account with that email already exists", nil)
		case errors.Is(err, account.ErrMissingFields), errors.Is(err, account.ErrPasswordTooShort):
			return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, parent)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	parent, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid email or password", nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, parent)
}

func (s *Service) issueSession(ctx context.Context, parent store.ParentAccount) (Session, error) {
	exp := time.Now().Add(s.cfg.AccessTTL)
	claims := auth.Claims{
		Sub:   parent.ID,
		Name:  parent.Name,
		Email: parent.Email,
		JTI:   util.NewID("jti"),
		Exp:   exp.Unix(),
	}
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), claims)
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}

	refresh := util.NewID("rft")
	refreshExp := time.Now().Add(s.cfg.RefreshTTL)
	if s.sessions != nil {
		err = s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), parent, refreshExp)
	} else {
		err = s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), parent.ID, refreshExp)
	}
	if err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		ParentID:     parent.ID,
		ParentName:   parent.Name,
		Email:        parent.Email,
		JTI:          claims.JTI,
		ExpiresAt:    exp,
	}, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// token pair is issued for the same parent.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)

	var parent store.ParentAccount
	var err error
	if s.sessions != nil {
		parent, err = s.sessions.LookupRefreshSession(ctx, hash)
	} else {
		parent, err = s.store.LookupRefreshSession(ctx, hash)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrSessionNotFound) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "refresh token is invalid or expired", nil)
		}
		return Session{}, err
	}

	if s.sessions != nil {
		err = s.sessions.RevokeRefreshSession(ctx, hash)
	} else {
		err = s.store.RevokeRefreshSession(ctx, hash)
	}
	if err != nil {
		return Session{}, fmt.Errorf("revoke refresh session: %w", err)
	}
	return s.issueSession(ctx, parent)
}

// SessionFromToken validates a bearer token and resolves the parent it was
// issued to. Revoked token ids are rejected even before expiry.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "access token is invalid or expired", nil)
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "access token has been revoked", nil)
	}
	parent, err := s.store.GetParentByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "account no longer exists", nil)
		}
		return Session{}, err
	}
	return Session{
		ParentID:   parent.ID,
		ParentName: parent.Name,
		Email:      parent.Email,
		JTI:        claims.JTI,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	if refreshToken == "" {
		return nil
	}
	hash := auth.HashToken(refreshToken)
	if s.sessions != nil {
		return s.sessions.RevokeRefreshSession(ctx, hash)
	}
	return s.store.RevokeRefreshSession(ctx, hash)
}

func (s *Service) Children(ctx context.Context, parentID string) ([]store.Student, error) {
	return s.store.ListStudents(ctx, parentID)
}

func (s *Service) TeachersForChild(ctx context.Context, parentID, studentID string) ([]store.Teacher, error) {
	if _, err := s.store.GetStudent(ctx, parentID, studentID); err != nil {
		return nil, err
	}
	return s.store.ListTeachersForStudent(ctx, studentID)
}

func (s *Service) LoadThreads(ctx context.Context, parentID string) ([]store.Thread, error) {
	return s.store.ListThreads(ctx, parentID)
}

func (s *Service) GetThread(ctx context.Context, parentID, threadID string) (store.Thread, error) {
	return s.store.GetThread(ctx, parentID, threadID)
}

func (s *Service) UnreadCount(ctx context.Context, parentID string) (int, error) {
	return s.store.UnreadThreadCount(ctx, parentID)
}

type AppendItemInput struct {
	Content      string `json:"content"`
	ClientItemID string `json:"clientItemId"`
}

// AppendItem adds a parent-authored item to a thread the parent can see.
// When the client supplies its own item id, retried deliveries of the same
// id return the already-stored item instead of appending twice.
func (s *Service) AppendItem(ctx context.Context, session Session, threadID string, input AppendItemInput) (store.ThreadItem, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return store.ThreadItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", map[string]string{"field": "content"})
	}
	if utf8.RuneCountInString(content) > maxItemLength {
		return store.ThreadItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("content must be at most %d characters", maxItemLength), map[string]string{"field": "content"})
	}

	itemID := strings.TrimSpace(input.ClientItemID)
	if itemID == "" {
		itemID = util.NewID("itm")
	} else if len(itemID) > 64 {
		return store.ThreadItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "clientItemId must be at most 64 characters", map[string]string{"field": "clientItemId"})
	}

	item := store.ThreadItem{
		ID:            itemID,
		ThreadID:      threadID,
		SenderName:    session.ParentName,
		SenderRole:    "parent",
		Content:       content,
		IsFromTeacher: false,
	}
	return s.store.AppendThreadItem(ctx, session.ParentID, threadID, item)
}

type CreateThreadInput struct {
	StudentID string `json:"studentId"`
	TeacherID string `json:"teacherId"`
	Subject   string `json:"subject"`
	Content   string `json:"content"`
}

// CreateThread starts a new conversation with its seed item. The student
// must belong to the signed-in parent; the teacher reference is validated
// by the store.
func (s *Service) CreateThread(ctx context.Context, session Session, input CreateThreadInput) (store.Thread, error) {
	studentID := strings.TrimSpace(input.StudentID)
	teacherID := strings.TrimSpace(input.TeacherID)
	subject := strings.TrimSpace(input.Subject)
	content := strings.TrimSpace(input.Content)

	missing := []string{}
	if studentID == "" {
		missing = append(missing, "studentId")
	}
	if teacherID == "" {
		missing = append(missing, "teacherId")
	}
	if subject == "" {
		missing = append(missing, "subject")
	}
	if content == "" {
		missing = append(missing, "content")
	}
	if len(missing) > 0 {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")),
			map[string]any{"fields": missing})
	}
	if utf8.RuneCountInString(content) > maxItemLength {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("content must be at most %d characters", maxItemLength), map[string]string{"field": "content"})
	}

	student, err := s.store.GetStudent(ctx, session.ParentID, studentID)
	if err != nil {
		return store.Thread{}, err
	}

	thread := store.Thread{
		ID:          util.NewID("thr"),
		ParentID:    session.ParentID,
		TeacherID:   teacherID,
		StudentID:   student.ID,
		StudentName: student.FullName(),
		Subject:     subject,
	}
	seed := store.ThreadItem{
		ID:            util.NewID("itm"),
		ThreadID:      thread.ID,
		SenderName:    session.ParentName,
		SenderRole:    "parent",
		Content:       content,
		IsFromTeacher: false,
	}
	created, err := s.store.CreateThread(ctx, thread, seed)
	if err != nil {
		return store.Thread{}, err
	}
	// Re-read for the joined teacher and student names.
	return s.store.GetThread(ctx, session.ParentID, created.ID)
}

// MarkRead clears the parent's unread flag. Marking an already-read thread
// is a no-op; marking a thread the parent cannot see is a not-found error.
func (s *Service) MarkRead(ctx context.Context, parentID, threadID string) error {
	affected, err := s.store.MarkThreadRead(ctx, parentID, threadID)
	if err != nil {
		return err
	}
	if !affected {
		return sql.ErrNoRows
	}
	return nil
}
