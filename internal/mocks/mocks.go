package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"telehealth-chat/internal/models"
	"telehealth-chat/internal/repositories"
)

type ThreadRepositoryMock struct {
	mock.Mock
}

func (m *ThreadRepositoryMock) FindOrCreateThread(ctx context.Context, patientID int, doctorID int) (models.ChatThread, error) {
	args := m.Called(ctx, patientID, doctorID)
	var thread models.ChatThread
	if val := args.Get(0); val != nil {
		thread = val.(models.ChatThread)
	}
	return thread, args.Error(1)
}

func (m *ThreadRepositoryMock) GetThread(ctx context.Context, threadID int) (models.ChatThread, error) {
	args := m.Called(ctx, threadID)
	var thread models.ChatThread
	if val := args.Get(0); val != nil {
		thread = val.(models.ChatThread)
	}
	return thread, args.Error(1)
}

func (m *ThreadRepositoryMock) CloseThread(ctx context.Context, threadID int) (models.ChatThread, error) {
	args := m.Called(ctx, threadID)
	var thread models.ChatThread
	if val := args.Get(0); val != nil {
		thread = val.(models.ChatThread)
	}
	return thread, args.Error(1)
}

func (m *ThreadRepositoryMock) ListThreadsForUser(ctx context.Context, userID int) ([]models.ChatThread, error) {
	args := m.Called(ctx, userID)
	var threads []models.ChatThread
	if val := args.Get(0); val != nil {
		threads = val.([]models.ChatThread)
	}
	return threads, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) AppendMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	args := m.Called(ctx, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, threadID int) ([]models.Message, error) {
	args := m.Called(ctx, threadID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) LastMessages(ctx context.Context, threadIDs []int) (map[int]models.Message, error) {
	args := m.Called(ctx, threadIDs)
	var last map[int]models.Message
	if val := args.Get(0); val != nil {
		last = val.(map[int]models.Message)
	}
	return last, args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) BulkUsers(ctx context.Context, ids []int) ([]models.UserSummary, error) {
	args := m.Called(ctx, ids)
	var users []models.UserSummary
	if val := args.Get(0); val != nil {
		users = val.([]models.UserSummary)
	}
	return users, args.Error(1)
}

type AppointmentRepositoryMock struct {
	mock.Mock
}

func (m *AppointmentRepositoryMock) HasEligibleAppointment(ctx context.Context, patientID int, doctorID int) (bool, error) {
	args := m.Called(ctx, patientID, doctorID)
	return args.Bool(0), args.Error(1)
}

var _ repositories.ThreadRepository = (*ThreadRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.UserRepository = (*UserRepositoryMock)(nil)
var _ repositories.AppointmentRepository = (*AppointmentRepositoryMock)(nil)
