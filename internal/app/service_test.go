package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"satchel/api/internal/account"
	"satchel/api/internal/config"
	"satchel/api/internal/store"
)

type fakeStore struct {
	getParentByIDFn          func(context.Context, string) (store.ParentAccount, error)
	saveRefreshSessionFn     func(context.Context, string, string, time.Time) error
	lookupRefreshSessionFn   func(context.Context, string) (store.ParentAccount, error)
	revokeRefreshSessionFn   func(context.Context, string) error
	revokeAccessTokenFn      func(context.Context, string, time.Time) error
	isAccessTokenRevokedFn   func(context.Context, string) (bool, error)
	listStudentsFn           func(context.Context, string) ([]store.Student, error)
	getStudentFn             func(context.Context, string, string) (store.Student, error)
	listTeachersForStudentFn func(context.Context, string) ([]store.Teacher, error)
	listThreadsFn            func(context.Context, string) ([]store.Thread, error)
	getThreadFn              func(context.Context, string, string) (store.Thread, error)
	unreadThreadCountFn      func(context.Context, string) (int, error)
	appendThreadItemFn       func(context.Context, string, string, store.ThreadItem) (store.ThreadItem, error)
	createThreadFn           func(context.Context, store.Thread, store.ThreadItem) (store.Thread, error)
	markThreadReadFn         func(context.Context, string, string) (bool, error)
}

func (f *fakeStore) GetParentByID(ctx context.Context, parentID string) (store.ParentAccount, error) {
	if f.getParentByIDFn != nil {
		return f.getParentByIDFn(ctx, parentID)
	}
	return store.ParentAccount{ID: parentID, Name: "Dana Whitfield", Email: "dana@example.com"}, nil
}
func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, parentID string, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, parentID, expiresAt)
	}
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.ParentAccount, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.ParentAccount{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSessionFn != nil {
		return f.revokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}
func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	if f.revokeAccessTokenFn != nil {
		return f.revokeAccessTokenFn(ctx, jti, exp)
	}
	return nil
}
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) ListStudents(ctx context.Context, parentID string) ([]store.Student, error) {
	if f.listStudentsFn != nil {
		return f.listStudentsFn(ctx, parentID)
	}
	return nil, nil
}
func (f *fakeStore) GetStudent(ctx context.Context, parentID, studentID string) (store.Student, error) {
	if f.getStudentFn != nil {
		return f.getStudentFn(ctx, parentID, studentID)
	}
	return store.Student{}, sql.ErrNoRows
}
func (f *fakeStore) ListTeachersForStudent(ctx context.Context, studentID string) ([]store.Teacher, error) {
	if f.listTeachersForStudentFn != nil {
		return f.listTeachersForStudentFn(ctx, studentID)
	}
	return nil, nil
}
func (f *fakeStore) ListThreads(ctx context.Context, parentID string) ([]store.Thread, error) {
	if f.listThreadsFn != nil {
		return f.listThreadsFn(ctx, parentID)
	}
	return nil, nil
}
func (f *fakeStore) GetThread(ctx context.Context, parentID, threadID string) (store.Thread, error) {
	if f.getThreadFn != nil {
		return f.getThreadFn(ctx, parentID, threadID)
	}
	return store.Thread{}, sql.ErrNoRows
}
func (f *fakeStore) UnreadThreadCount(ctx context.Context, parentID string) (int, error) {
	if f.unreadThreadCountFn != nil {
		return f.unreadThreadCountFn(ctx, parentID)
	}
	return 0, nil
}
func (f *fakeStore) AppendThreadItem(ctx context.Context, parentID, threadID string, item store.ThreadItem) (store.ThreadItem, error) {
	if f.appendThreadItemFn != nil {
		return f.appendThreadItemFn(ctx, parentID, threadID, item)
	}
	return store.ThreadItem{}, sql.ErrNoRows
}
func (f *fakeStore) CreateThread(ctx context.Context, thread store.Thread, seed store.ThreadItem) (store.Thread, error) {
	if f.createThreadFn != nil {
		return f.createThreadFn(ctx, thread, seed)
	}
	return store.Thread{}, nil
}
func (f *fakeStore) MarkThreadRead(ctx context.Context, parentID, threadID string) (bool, error) {
	if f.markThreadReadFn != nil {
		return f.markThreadReadFn(ctx, parentID, threadID)
	}
	return false, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

func newTestService(fs *fakeStore) *Service {
	cfg := config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  24 * time.Hour,
	}
	return New(cfg, fs, account.NewService(nil))
}

func testSession() Session {
	return Session{ParentID: "par_1", ParentName: "Dana Whitfield", Email: "dana@example.com"}
}

func TestAppendItem_RejectsWhitespaceOnlyContent(t *testing.T) {
	called := false
	fs := &fakeStore{
		appendThreadItemFn: func(context.Context, string, string, store.ThreadItem) (store.ThreadItem, error) {
			called = true
			return store.ThreadItem{}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.AppendItem(context.Background(), testSession(), "thr_1", AppendItemInput{Content: "   \n\t "})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 422 || domainErr.Code != "VALIDATION_ERROR" {
		t.Errorf("expected 422 VALIDATION_ERROR, got %d %s", domainErr.Status, domainErr.Code)
	}
	if called {
		t.Error("store should not be called for empty content")
	}
}

func TestAppendItem_TrimsContentAndSetsParentSender(t *testing.T) {
	var got store.ThreadItem
	fs := &fakeStore{
		appendThreadItemFn: func(_ context.Context, parentID, threadID string, item store.ThreadItem) (store.ThreadItem, error) {
			if parentID != "par_1" || threadID != "thr_1" {
				t.Errorf("unexpected scope %s/%s", parentID, threadID)
			}
			got = item
			item.SentAt = time.Now()
			return item, nil
		},
	}
	svc := newTestService(fs)

	item, err := svc.AppendItem(context.Background(), testSession(), "thr_1", AppendItemInput{Content: "  Thanks for the update!  "})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if got.Content != "Thanks for the update!" {
		t.Errorf("expected trimmed content, got %q", got.Content)
	}
	if got.SenderName != "Dana Whitfield" || got.SenderRole != "parent" || got.IsFromTeacher {
		t.Errorf("unexpected sender fields: %+v", got)
	}
	if !strings.HasPrefix(item.ID, "itm_") {
		t.Errorf("expected generated item id, got %q", item.ID)
	}
}

func TestAppendItem_KeepsClientItemID(t *testing.T) {
	fs := &fakeStore{
		appendThreadItemFn: func(_ context.Context, _, _ string, item store.ThreadItem) (store.ThreadItem, error) {
			return item, nil
		},
	}
	svc := newTestService(fs)

	item, err := svc.AppendItem(context.Background(), testSession(), "thr_1", AppendItemInput{
		Content:      "hello",
		ClientItemID: "9f2c2a1e-53fc-4f0b-9d3e-0a8b1c2d3e4f",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if item.ID != "9f2c2a1e-53fc-4f0b-9d3e-0a8b1c2d3e4f" {
		t.Errorf("expected client id preserved, got %q", item.ID)
	}
}

func TestAppendItem_UnknownThreadIsNotFound(t *testing.T) {
	fs := &fakeStore{
		appendThreadItemFn: func(context.Context, string, string, store.ThreadItem) (store.ThreadItem, error) {
			return store.ThreadItem{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	_, err := svc.AppendItem(context.Background(), testSession(), "thr_missing", AppendItemInput{Content: "hi"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	status, code, _, _ := mapError(err)
	if status != 404 || code != "NOT_FOUND" {
		t.Errorf("expected 404 NOT_FOUND, got %d %s", status, code)
	}
}

func TestCreateThread_ReportsAllMissingFields(t *testing.T) {
	called := false
	fs := &fakeStore{
		createThreadFn: func(_ context.Context, thread store.Thread, seed store.ThreadItem) (store.Thread, error) {
			called = true
			return thread, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateThread(context.Background(), testSession(), CreateThreadInput{Subject: "Homework"})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
	for _, field := range []string{"studentId", "teacherId", "content"} {
		if !strings.Contains(domainErr.Message, field) {
			t.Errorf("expected message to name %s, got %q", field, domainErr.Message)
		}
	}
	if strings.Contains(domainErr.Message, "subject") {
		t.Errorf("subject was provided, message should not name it: %q", domainErr.Message)
	}
	if called {
		t.Error("store should not be called when validation fails")
	}
}

func TestCreateThread_RejectsStudentOfAnotherParent(t *testing.T) {
	fs := &fakeStore{
		getStudentFn: func(_ context.Context, parentID, studentID string) (store.Student, error) {
			return store.Student{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateThread(context.Background(), testSession(), CreateThreadInput{
		StudentID: "stu_other",
		TeacherID: "tch_1",
		Subject:   "Homework",
		Content:   "A question about the reading list",
	})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestCreateThread_SeedsFromStudentAndSession(t *testing.T) {
	var gotThread store.Thread
	var gotSeed store.ThreadItem
	fs := &fakeStore{
		getStudentFn: func(context.Context, string, string) (store.Student, error) {
			return store.Student{ID: "stu_1", FirstName: "Maya", LastName: "Whitfield", ParentID: "par_1"}, nil
		},
		createThreadFn: func(_ context.Context, thread store.Thread, seed store.ThreadItem) (store.Thread, error) {
			gotThread = thread
			gotSeed = seed
			thread.Items = []store.ThreadItem{seed}
			return thread, nil
		},
	}
	fs.getThreadFn = func(_ context.Context, parentID, threadID string) (store.Thread, error) {
		if parentID != "par_1" || threadID != gotThread.ID {
			t.Errorf("unexpected re-read scope %s/%s", parentID, threadID)
		}
		reread := gotThread
		reread.TeacherName = "Ms. Alvarez"
		reread.Items = []store.ThreadItem{gotSeed}
		return reread, nil
	}
	svc := newTestService(fs)

	thread, err := svc.CreateThread(context.Background(), testSession(), CreateThreadInput{
		StudentID: "stu_1",
		TeacherID: "tch_1",
		Subject:   "  Field trip  ",
		Content:   "  Can Maya join the museum trip?  ",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if gotThread.StudentName != "Maya Whitfield" {
		t.Errorf("expected denormalized student name, got %q", gotThread.StudentName)
	}
	if gotThread.Subject != "Field trip" {
		t.Errorf("expected trimmed subject, got %q", gotThread.Subject)
	}
	if gotThread.ParentID != "par_1" || gotThread.TeacherID != "tch_1" {
		t.Errorf("unexpected thread refs: %+v", gotThread)
	}
	if gotSeed.Content != "Can Maya join the museum trip?" || gotSeed.IsFromTeacher {
		t.Errorf("unexpected seed item: %+v", gotSeed)
	}
	if gotSeed.ThreadID != gotThread.ID {
		t.Errorf("seed thread id %q does not match thread %q", gotSeed.ThreadID, gotThread.ID)
	}
	if len(thread.Items) != 1 {
		t.Errorf("expected one seed item, got %d", len(thread.Items))
	}
	if thread.TeacherName != "Ms. Alvarez" {
		t.Errorf("expected joined teacher name on the created thread, got %q", thread.TeacherName)
	}
}

func TestMarkRead_UnknownThreadIsNotFound(t *testing.T) {
	fs := &fakeStore{
		markThreadReadFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)

	err := svc.MarkRead(context.Background(), "par_1", "thr_missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestMarkRead_Succeeds(t *testing.T) {
	fs := &fakeStore{
		markThreadReadFn: func(_ context.Context, parentID, threadID string) (bool, error) {
			if parentID != "par_1" || threadID != "thr_1" {
				t.Errorf("unexpected scope %s/%s", parentID, threadID)
			}
			return true, nil
		},
	}
	svc := newTestService(fs)

	if err := svc.MarkRead(context.Background(), "par_1", "thr_1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
}

func TestTeachersForChild_ChecksOwnership(t *testing.T) {
	listCalled := false
	fs := &fakeStore{
		getStudentFn: func(context.Context, string, string) (store.Student, error) {
			return store.Student{}, sql.ErrNoRows
		},
		listTeachersForStudentFn: func(context.Context, string) ([]store.Teacher, error) {
			listCalled = true
			return nil, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.TeachersForChild(context.Background(), "par_1", "stu_other")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if listCalled {
		t.Error("teachers should not be listed for a student the parent does not own")
	}
}

func TestIssueSessionAndSessionFromToken(t *testing.T) {
	revoked := map[string]bool{}
	fs := &fakeStore{
		isAccessTokenRevokedFn: func(_ context.Context, jti string) (bool, error) {
			return revoked[jti], nil
		},
		revokeAccessTokenFn: func(_ context.Context, jti string, _ time.Time) error {
			revoked[jti] = true
			return nil
		},
	}
	svc := newTestService(fs)

	parent := store.ParentAccount{ID: "par_1", Name: "Dana Whitfield", Email: "dana@example.com"}
	session, err := svc.issueSession(context.Background(), parent)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected token pair")
	}

	resolved, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("resolve session: %v", err)
	}
	if resolved.ParentID != "par_1" || resolved.ParentName != "Dana Whitfield" {
		t.Errorf("unexpected session: %+v", resolved)
	}

	if err := svc.Logout(context.Background(), resolved, session.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	_, err = svc.SessionFromToken(context.Background(), session.Token)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 401 {
		t.Fatalf("expected 401 after logout, got %v", err)
	}
}

func TestRefresh_RotatesToken(t *testing.T) {
	sessions := map[string]store.ParentAccount{}
	fs := &fakeStore{
		saveRefreshSessionFn: func(_ context.Context, tokenHash, parentID string, _ time.Time) error {
			sessions[tokenHash] = store.ParentAccount{ID: parentID, Name: "Dana Whitfield", Email: "dana@example.com"}
			return nil
		},
		lookupRefreshSessionFn: func(_ context.Context, tokenHash string) (store.ParentAccount, error) {
			parent, ok := sessions[tokenHash]
			if !ok {
				return store.ParentAccount{}, sql.ErrNoRows
			}
			return parent, nil
		},
		revokeRefreshSessionFn: func(_ context.Context, tokenHash string) error {
			delete(sessions, tokenHash)
			return nil
		},
	}
	svc := newTestService(fs)

	first, err := svc.issueSession(context.Background(), store.ParentAccount{ID: "par_1", Name: "Dana Whitfield", Email: "dana@example.com"})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("expected refresh token rotation")
	}

	_, err = svc.Refresh(context.Background(), first.RefreshToken)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 401 {
		t.Fatalf("expected 401 for reused refresh token, got %v", err)
	}
}

func TestMapError_ItemConflict(t *testing.T) {
	status, code, _, _ := mapError(store.ErrItemConflict)
	if status != 409 || code != "CONFLICT" {
		t.Errorf("expected 409 CONFLICT, got %d %s", status, code)
	}
}

func TestMapError_StoreUnavailable(t *testing.T) {
	status, code, _, _ := mapError(context.DeadlineExceeded)
	if status != 503 || code != "STORE_UNAVAILABLE" {
		t.Errorf("expected 503 STORE_UNAVAILABLE, got %d %s", status, code)
	}
}
