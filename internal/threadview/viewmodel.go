// Package threadview keeps a client-side copy of a parent's threads and
// applies mutations optimistically: reads and replies update the local copy
// first and persist in the background, while new threads block until the
// server confirms them.
package threadview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"satchel/api/internal/store"
)

// ItemState tracks an optimistic item through its round trip.
type ItemState int

const (
	StatePending ItemState = iota
	StateConfirmed
	StateFailed
)

// CreateInput mirrors the new-thread form.
type CreateInput struct {
	StudentID string
	TeacherID string
	Subject   string
	Content   string
}

// Mutator persists thread mutations. Implementations wrap the API service
// or an HTTP client.
type Mutator interface {
	AppendItem(ctx context.Context, threadID, clientItemID, content string) (store.ThreadItem, error)
	CreateThread(ctx context.Context, input CreateInput) (store.Thread, error)
	MarkRead(ctx context.Context, threadID string) error
}

var ErrMissingFields = errors.New("all fields are required")

// ViewModel holds the thread list as the client last saw it. Optimistic
// updates land here immediately; the next full reload replaces the local
// copy with server state and is the reconciliation point.
type ViewModel struct {
	mu       sync.Mutex
	mutator  Mutator
	sender   string
	threads  []store.Thread
	selected string
	draft    string
	states   map[string]ItemState
	lastErr  error
	inflight sync.WaitGroup

	now func() time.Time
}

func New(mutator Mutator, senderName string, threads []store.Thread) *ViewModel {
	copied := make([]store.Thread, len(threads))
	copy(copied, threads)
	return &ViewModel{
		mutator: mutator,
		sender:  senderName,
		threads: copied,
		states:  make(map[string]ItemState),
		now:     time.Now,
	}
}

// Threads returns the current local thread list.
func (vm *ViewModel) Threads() []store.Thread {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]store.Thread, len(vm.threads))
	copy(out, vm.threads)
	return out
}

// Selected returns the currently open thread, if any.
func (vm *ViewModel) Selected() (store.Thread, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if idx := vm.indexOf(vm.selected); idx >= 0 {
		return vm.threads[idx], true
	}
	return store.Thread{}, false
}

// Select opens a thread. An unread thread is shown as read immediately and
// the read mark is persisted in the background; a failed mark leaves the
// local flag in place and records the error for the next reload to resolve.
func (vm *ViewModel) Select(threadID string) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	idx := vm.indexOf(threadID)
	if idx < 0 {
		return false
	}
	vm.selected = threadID
	if vm.threads[idx].IsReadParent {
		return true
	}
	vm.threads[idx].IsReadParent = true

	vm.inflight.Add(1)
	go func() {
		defer vm.inflight.Done()
		if err := vm.mutator.MarkRead(context.Background(), threadID); err != nil {
			vm.mu.Lock()
			vm.lastErr = err
			vm.mu.Unlock()
		}
	}()
	return true
}

func (vm *ViewModel) SetDraft(text string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.draft = text
}

func (vm *ViewModel) Draft() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.draft
}

// SendReply appends the draft to the selected thread optimistically: the
// item appears at the end of the thread and the draft clears before the
// server call starts. The returned item carries the client-assigned id.
func (vm *ViewModel) SendReply() (store.ThreadItem, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	content := strings.TrimSpace(vm.draft)
	idx := vm.indexOf(vm.selected)
	if content == "" || idx < 0 {
		return store.ThreadItem{}, false
	}

	item := store.ThreadItem{
		ID:         uuid.NewString(),
		ThreadID:   vm.threads[idx].ID,
		SenderName: vm.sender,
		SenderRole: "parent",
		Content:    content,
		SentAt:     vm.now(),
	}
	vm.threads[idx].Items = append(vm.threads[idx].Items, item)
	vm.threads[idx].LastMessageAt = item.SentAt
	vm.threads[idx].IsReadParent = true
	vm.states[item.ID] = StatePending
	vm.draft = ""

	threadID := item.ThreadID
	vm.inflight.Add(1)
	go func() {
		defer vm.inflight.Done()
		_, err := vm.mutator.AppendItem(context.Background(), threadID, item.ID, item.Content)
		vm.mu.Lock()
		defer vm.mu.Unlock()
		if err != nil {
			vm.states[item.ID] = StateFailed
			vm.lastErr = err
			return
		}
		vm.states[item.ID] = StateConfirmed
	}()
	return item, true
}

// CreateThread starts a new conversation. Unlike replies this blocks until
// the server confirms, so a failure surfaces inline instead of leaving a
// phantom thread in the list.
func (vm *ViewModel) CreateThread(ctx context.Context, input CreateInput) (store.Thread, error) {
	if strings.TrimSpace(input.StudentID) == "" ||
		strings.TrimSpace(input.TeacherID) == "" ||
		strings.TrimSpace(input.Subject) == "" ||
		strings.TrimSpace(input.Content) == "" {
		return store.Thread{}, ErrMissingFields
	}

	thread, err := vm.mutator.CreateThread(ctx, input)
	if err != nil {
		return store.Thread{}, err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.threads = append([]store.Thread{thread}, vm.threads...)
	vm.selected = thread.ID
	return thread, nil
}

// ItemState reports the round-trip state of an optimistic item.
func (vm *ViewModel) ItemState(itemID string) (ItemState, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	state, ok := vm.states[itemID]
	return state, ok
}

// LastError returns the most recent background failure.
func (vm *ViewModel) LastError() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.lastErr
}

// Wait blocks until all background mutations have settled.
func (vm *ViewModel) Wait() {
	vm.inflight.Wait()
}

func (vm *ViewModel) indexOf(threadID string) int {
	if threadID == "" {
		return -1
	}
	for i := range vm.threads {
		if vm.threads[i].ID == threadID {
			return i
		}
	}
	return -1
}
