package store

import "time"

const previewLength = 60

type ParentAccount struct {
	ID           string
	Name         string
	Email        string
	Phone        string
	PasswordHash string
	CreatedAt    time.Time
}

type Student struct {
	ID        string
	FirstName string
	LastName  string
	Grade     string
	ParentID  string
}

// FullName is the display form used when denormalizing student names onto
// threads.
func (s Student) FullName() string {
	if s.FirstName == "" {
		return s.LastName
	}
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

type Teacher struct {
	ID      string
	Name    string
	Email   string
	Subject string
}

// Thread is a single parent–teacher conversation about one student. Items
// are ordered ascending by SentAt (ties broken by insertion sequence) and
// the sequence is append-only; a thread always carries at least one item.
type Thread struct {
	ID            string
	ParentID      string
	TeacherID     string
	TeacherName   string
	StudentID     string
	StudentName   string
	Subject       string
	LastMessageAt time.Time
	IsReadParent  bool
	Items         []ThreadItem
	CreatedAt     time.Time
}

// Preview derives the list-pane excerpt: the most recent item's content,
// truncated with an ellipsis when it exceeds 60 characters.
func (t Thread) Preview() string {
	if len(t.Items) == 0 {
		return ""
	}
	content := []rune(t.Items[len(t.Items)-1].Content)
	if len(content) <= previewLength {
		return string(content)
	}
	return string(content[:previewLength]) + "…"
}

type ThreadItem struct {
	ID            string
	ThreadID      string
	SenderName    string
	SenderRole    string
	Content       string
	SentAt        time.Time
	IsFromTeacher bool
}
