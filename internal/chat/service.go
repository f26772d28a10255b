package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"telehealth-chat/internal/logger"
	"telehealth-chat/internal/models"
	"telehealth-chat/internal/observability"
	"telehealth-chat/internal/policy"
	"telehealth-chat/internal/repositories"
	"telehealth-chat/internal/storage"
)

// Broadcaster fans a persisted event out to thread subscribers without blocking.
type Broadcaster interface {
	Publish(ctx context.Context, threadID int, event models.MessageEvent)
}

// SendRequest is one send from a thread participant.
type SendRequest struct {
	ThreadID int
	Content  *string
	ClientID string
	Files    []storage.File
}

// Service implements thread and message operations for authenticated users.
type Service struct {
	log         *logger.Logger
	threads     repositories.ThreadRepository
	messages    repositories.MessageRepository
	users       repositories.UserRepository
	guard       *policy.Guard
	store       storage.Store
	broadcaster Broadcaster
	tracer      trace.Tracer
}

func NewService(
	log *logger.Logger,
	threads repositories.ThreadRepository,
	messages repositories.MessageRepository,
	users repositories.UserRepository,
	guard *policy.Guard,
	store storage.Store,
	broadcaster Broadcaster,
) *Service {
	return &Service{
		log:         log.With("component", "ChatService"),
		threads:     threads,
		messages:    messages,
		users:       users,
		guard:       guard,
		store:       store,
		broadcaster: broadcaster,
		tracer:      otel.Tracer("telehealth-chat/chat"),
	}
}

// CreateOrGetThread returns the requester's thread with doctorID, creating it
// when the requester holds an eligible appointment. An existing thread is
// returned as is, closed or not.
func (s *Service) CreateOrGetThread(ctx context.Context, id models.Identity, doctorID int) (models.ChatThread, error) {
	if id.IsZero() {
		return models.ChatThread{}, ErrAuthenticationRequired
	}
	ok, err := s.guard.CanCreateThread(ctx, id.UserID, doctorID)
	if err != nil {
		return models.ChatThread{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !ok {
		return models.ChatThread{}, fmt.Errorf("%w: no eligible appointment", ErrNotAuthorized)
	}

	thread, err := s.threads.FindOrCreateThread(ctx, id.UserID, doctorID)
	if err != nil {
		return models.ChatThread{}, fmt.Errorf("%w: find or create thread: %v", ErrPersistence, err)
	}
	return thread, nil
}

// SendMessage stores attachments, persists the message and publishes it to the
// thread channel. The returned message is exactly what subscribers receive.
func (s *Service) SendMessage(ctx context.Context, id models.Identity, req SendRequest) (models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "chat.SendMessage", trace.WithAttributes(
		attribute.Int("chat.thread_id", req.ThreadID),
		attribute.Int("chat.files", len(req.Files)),
	))
	defer span.End()

	msg, stage, err := s.send(ctx, id, req)
	if err != nil {
		observability.IncSendFailure(stage)
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		return models.Message{}, err
	}
	span.SetAttributes(attribute.Int("chat.message_id", msg.ID))
	return msg, nil
}

func (s *Service) send(ctx context.Context, id models.Identity, req SendRequest) (models.Message, string, error) {
	if id.IsZero() {
		return models.Message{}, "auth", ErrAuthenticationRequired
	}

	content := models.NormalizeContent(req.Content)
	if content == "" && len(req.Files) == 0 {
		return models.Message{}, "validate", ErrInvalidMessage
	}

	thread, err := s.loadThread(ctx, req.ThreadID)
	if err != nil {
		return models.Message{}, "load", err
	}
	if !s.guard.CanAccessThread(id.UserID, thread) {
		return models.Message{}, "guard", ErrNotAuthorized
	}
	if !thread.IsActive {
		return models.Message{}, "guard", ErrThreadClosed
	}

	stored, err := storage.StoreAll(ctx, s.store, req.Files)
	if err != nil {
		s.log.Warn("attachment store failed", "thread_id", thread.ID, "sender_id", id.UserID, "error", err)
		return models.Message{}, "store", fmt.Errorf("%w: %v", ErrAttachmentStore, err)
	}

	in := models.NewMessage{
		ThreadID:    thread.ID,
		SenderID:    id.UserID,
		Attachments: storage.Attachments(stored),
	}
	if content != "" {
		in.Content = &content
	}
	if clientID := strings.TrimSpace(req.ClientID); clientID != "" {
		in.ClientID = &clientID
	}

	msg, err := s.messages.AppendMessage(ctx, in)
	if err != nil {
		storage.DeleteAll(ctx, s.store, stored)
		s.log.Error("append message failed", "thread_id", thread.ID, "sender_id", id.UserID, "error", err)
		return models.Message{}, "persist", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.withSender(ctx, &msg)

	for _, d := range stored {
		observability.IncAttachmentStored(string(d.Kind))
	}
	observability.IncMessageSent(messageKind(msg))

	s.broadcaster.Publish(ctx, thread.ID, models.MessageEvent{
		Type:     models.EventTypeMessage,
		ThreadID: thread.ID,
		Message:  &msg,
	})
	return msg, "", nil
}

// ListMessages returns the full history of a thread in persistence order.
func (s *Service) ListMessages(ctx context.Context, id models.Identity, threadID int) ([]models.Message, error) {
	if id.IsZero() {
		return nil, ErrAuthenticationRequired
	}
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !s.guard.CanAccessThread(id.UserID, thread) {
		return nil, ErrNotAuthorized
	}

	msgs, err := s.messages.ListMessages(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", ErrPersistence, err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	profiles := s.profiles(ctx, []int{thread.PatientID, thread.DoctorID})
	for i := range msgs {
		if p, ok := profiles[msgs[i].SenderID]; ok {
			p := p
			msgs[i].Sender = &p
		}
	}
	return msgs, nil
}

// ListThreads returns the caller's threads, most recently active first.
func (s *Service) ListThreads(ctx context.Context, id models.Identity) ([]models.ThreadSummary, error) {
	if id.IsZero() {
		return nil, ErrAuthenticationRequired
	}

	threads, err := s.threads.ListThreadsForUser(ctx, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: list threads: %v", ErrPersistence, err)
	}
	if len(threads) == 0 {
		return []models.ThreadSummary{}, nil
	}

	threadIDs := make([]int, 0, len(threads))
	otherIDs := make([]int, 0, len(threads))
	for _, t := range threads {
		threadIDs = append(threadIDs, t.ID)
		otherIDs = append(otherIDs, t.OtherParty(id.UserID))
	}

	last, err := s.messages.LastMessages(ctx, threadIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: last messages: %v", ErrPersistence, err)
	}
	profiles := s.profiles(ctx, otherIDs)

	summaries := make([]models.ThreadSummary, 0, len(threads))
	for _, t := range threads {
		other := t.OtherParty(id.UserID)
		summary := models.ThreadSummary{Thread: t, OtherParty: models.UserSummary{ID: other}}
		if p, ok := profiles[other]; ok {
			summary.OtherParty = p
		}
		if m, ok := last[t.ID]; ok {
			m := m
			summary.LastMessage = &m
			summary.Preview = MessagePreview(&m)
		}
		summaries = append(summaries, summary)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Thread.UpdatedAt.After(summaries[j].Thread.UpdatedAt)
	})
	return summaries, nil
}

// CloseThread deactivates a thread. Only its patient or an admin may close it.
func (s *Service) CloseThread(ctx context.Context, id models.Identity, threadID int) (models.ChatThread, error) {
	if id.IsZero() {
		return models.ChatThread{}, ErrAuthenticationRequired
	}
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return models.ChatThread{}, err
	}
	if !s.guard.CanCloseThread(id, thread) {
		return models.ChatThread{}, ErrNotAuthorized
	}
	if !thread.IsActive {
		return thread, nil
	}

	closed, err := s.threads.CloseThread(ctx, thread.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrThreadNotFound) {
			return models.ChatThread{}, ErrThreadNotFound
		}
		return models.ChatThread{}, fmt.Errorf("%w: close thread: %v", ErrPersistence, err)
	}

	s.broadcaster.Publish(ctx, closed.ID, models.MessageEvent{
		Type:     models.EventTypeThreadClosed,
		ThreadID: closed.ID,
	})
	return closed, nil
}

// AuthorizeSubscription checks that the user may listen on the thread channel.
func (s *Service) AuthorizeSubscription(ctx context.Context, id models.Identity, threadID int) (models.ChatThread, error) {
	if id.IsZero() {
		return models.ChatThread{}, ErrAuthenticationRequired
	}
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return models.ChatThread{}, err
	}
	if !s.guard.CanAccessThread(id.UserID, thread) {
		return models.ChatThread{}, ErrNotAuthorized
	}
	return thread, nil
}

func (s *Service) loadThread(ctx context.Context, threadID int) (models.ChatThread, error) {
	if threadID <= 0 {
		return models.ChatThread{}, ErrThreadNotFound
	}
	thread, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, repositories.ErrThreadNotFound) {
			return models.ChatThread{}, ErrThreadNotFound
		}
		return models.ChatThread{}, fmt.Errorf("%w: get thread: %v", ErrPersistence, err)
	}
	return thread, nil
}

// profiles is best effort: a missing profile never fails the request.
func (s *Service) profiles(ctx context.Context, ids []int) map[int]models.UserSummary {
	out := map[int]models.UserSummary{}
	if s.users == nil || len(ids) == 0 {
		return out
	}
	users, err := s.users.BulkUsers(ctx, ids)
	if err != nil {
		s.log.Warn("load user profiles failed", "count", len(ids), "error", err)
		return out
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out
}

func (s *Service) withSender(ctx context.Context, msg *models.Message) {
	if p, ok := s.profiles(ctx, []int{msg.SenderID})[msg.SenderID]; ok {
		msg.Sender = &p
	}
}

func messageKind(msg models.Message) string {
	hasText := msg.Text() != ""
	switch {
	case hasText && len(msg.Attachments) > 0:
		return "mixed"
	case hasText:
		return "text"
	default:
		return "attachment"
	}
}
