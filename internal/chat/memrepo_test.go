package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"telehealth-chat/internal/models"
	"telehealth-chat/internal/repositories"
)

// memRepo is an in-memory stand-in for the SQL repositories.
type memRepo struct {
	mu           sync.Mutex
	clock        time.Time
	threads      []models.ChatThread
	msgs         []models.Message
	nextAtt      int
	users        map[int]models.UserSummary
	appointments map[[2]int]string
	failAppend   error
	appendCalls  int
}

func newMemRepo() *memRepo {
	return &memRepo{
		clock:        time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		users:        map[int]models.UserSummary{},
		appointments: map[[2]int]string{},
	}
}

func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memRepo) FindOrCreateThread(_ context.Context, patientID int, doctorID int) (models.ChatThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.threads {
		if t.PatientID == patientID && t.DoctorID == doctorID {
			return t, nil
		}
	}
	now := r.tick()
	t := models.ChatThread{ID: len(r.threads) + 1, PatientID: patientID, DoctorID: doctorID, IsActive: true, CreatedAt: now, UpdatedAt: now}
	r.threads = append(r.threads, t)
	return t, nil
}

func (r *memRepo) GetThread(_ context.Context, threadID int) (models.ChatThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.threads {
		if t.ID == threadID {
			return t, nil
		}
	}
	return models.ChatThread{}, repositories.ErrThreadNotFound
}

func (r *memRepo) CloseThread(_ context.Context, threadID int) (models.ChatThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.threads {
		if r.threads[i].ID == threadID {
			r.threads[i].IsActive = false
			r.threads[i].UpdatedAt = r.tick()
			return r.threads[i], nil
		}
	}
	return models.ChatThread{}, repositories.ErrThreadNotFound
}

func (r *memRepo) ListThreadsForUser(_ context.Context, userID int) ([]models.ChatThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ChatThread
	for _, t := range r.threads {
		if t.HasParticipant(userID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *memRepo) AppendMessage(_ context.Context, in models.NewMessage) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendCalls++
	if r.failAppend != nil {
		return models.Message{}, r.failAppend
	}
	msg := models.Message{
		ID:          len(r.msgs) + 1,
		ThreadID:    in.ThreadID,
		SenderID:    in.SenderID,
		Content:     in.Content,
		ClientID:    in.ClientID,
		CreatedAt:   r.tick(),
		Attachments: []models.Attachment{},
	}
	for _, a := range in.Attachments {
		r.nextAtt++
		msg.Attachments = append(msg.Attachments, models.Attachment{ID: r.nextAtt, MessageID: msg.ID, Filename: a.Filename, URL: a.URL, MimeType: a.MimeType})
	}
	r.msgs = append(r.msgs, msg)
	for i := range r.threads {
		if r.threads[i].ID == in.ThreadID {
			r.threads[i].UpdatedAt = msg.CreatedAt
		}
	}
	return msg, nil
}

func (r *memRepo) ListMessages(_ context.Context, threadID int) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Message
	for _, m := range r.msgs {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepo) LastMessages(_ context.Context, threadIDs []int) (map[int]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int]models.Message{}
	for _, id := range threadIDs {
		for _, m := range r.msgs {
			if m.ThreadID == id {
				out[id] = m
			}
		}
	}
	return out, nil
}

func (r *memRepo) BulkUsers(_ context.Context, ids []int) ([]models.UserSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.UserSummary
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *memRepo) HasEligibleAppointment(_ context.Context, patientID int, doctorID int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.appointments[[2]int{patientID, doctorID}]
	return status == "SCHEDULED" || status == "COMPLETED", nil
}

func (r *memRepo) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

var _ repositories.ThreadRepository = (*memRepo)(nil)
var _ repositories.MessageRepository = (*memRepo)(nil)
var _ repositories.UserRepository = (*memRepo)(nil)
var _ repositories.AppointmentRepository = (*memRepo)(nil)
