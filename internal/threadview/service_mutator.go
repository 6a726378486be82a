package threadview

import (
	"context"

	"satchel/api/internal/app"
	"satchel/api/internal/store"
)

// ServiceMutator drives the view-model directly against the API service,
// for clients embedded in the same process. Each mutator is bound to one
// authenticated session.
type ServiceMutator struct {
	service *app.Service
	session app.Session
}

func NewServiceMutator(service *app.Service, session app.Session) *ServiceMutator {
	return &ServiceMutator{service: service, session: session}
}

func (m *ServiceMutator) AppendItem(ctx context.Context, threadID, clientItemID, content string) (store.ThreadItem, error) {
	return m.service.AppendItem(ctx, m.session, threadID, app.AppendItemInput{
		Content:      content,
		ClientItemID: clientItemID,
	})
}

func (m *ServiceMutator) CreateThread(ctx context.Context, input CreateInput) (store.Thread, error) {
	return m.service.CreateThread(ctx, m.session, app.CreateThreadInput{
		StudentID: input.StudentID,
		TeacherID: input.TeacherID,
		Subject:   input.Subject,
		Content:   input.Content,
	})
}

func (m *ServiceMutator) MarkRead(ctx context.Context, threadID string) error {
	return m.service.MarkRead(ctx, m.session.ParentID, threadID)
}
