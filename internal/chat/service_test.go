package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telehealth-chat/internal/broadcast"
	"telehealth-chat/internal/logger"
	"telehealth-chat/internal/mocks"
	"telehealth-chat/internal/models"
	"telehealth-chat/internal/policy"
	"telehealth-chat/internal/storage"
)

const (
	patientID = 1
	doctorID  = 2
	outsider  = 3
)

var (
	patient = models.Identity{UserID: patientID, Role: models.RolePatient}
	doctor  = models.Identity{UserID: doctorID, Role: models.RoleDoctor}
	pngData = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
)

func strPtr(s string) *string { return &s }

type fixture struct {
	repo    *memRepo
	hub     *broadcast.Hub
	gateway *broadcast.Gateway
	svc     *Service
}

func newFixture(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	repo := newMemRepo()
	repo.users[patientID] = models.UserSummary{ID: patientID, Role: models.RolePatient, DisplayName: "Pat"}
	repo.users[doctorID] = models.UserSummary{ID: doctorID, Role: models.RoleDoctor, DisplayName: "Dr. Dee"}
	repo.appointments[[2]int{patientID, doctorID}] = "COMPLETED"

	if store == nil {
		store = storage.NewLocalStore(t.TempDir(), "/uploads")
	}
	hub := broadcast.NewHub()
	gw := broadcast.NewGateway(logger.Nop(), hub, broadcast.NewLocalRelay(hub))
	svc := NewService(logger.Nop(), repo, repo, repo, policy.NewGuard(repo), store, gw)
	t.Cleanup(gw.Wait)
	return &fixture{repo: repo, hub: hub, gateway: gw, svc: svc}
}

func recvEvent(t *testing.T, ch <-chan models.MessageEvent) models.MessageEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
	return models.MessageEvent{}
}

func TestPatientDoctorConversation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	thread, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)
	assert.True(t, thread.IsActive)

	doctorFeed := make(chan models.MessageEvent, 4)
	sub := f.gateway.Subscribe(thread.ID, func(ev models.MessageEvent) { doctorFeed <- ev })
	defer sub.Unsubscribe()

	m1, err := f.svc.SendMessage(ctx, patient, SendRequest{ThreadID: thread.ID, Content: strPtr("Hello")})
	require.NoError(t, err)
	assert.Equal(t, "Hello", m1.Text())
	assert.Empty(t, m1.Attachments)

	ev := recvEvent(t, doctorFeed)
	assert.Equal(t, models.EventTypeMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, m1, *ev.Message)

	m2, err := f.svc.SendMessage(ctx, doctor, SendRequest{
		ThreadID: thread.ID,
		Files:    []storage.File{{Name: "rash.png", Data: pngData}},
	})
	require.NoError(t, err)
	assert.Nil(t, m2.Content)
	require.Len(t, m2.Attachments, 1)
	assert.True(t, strings.HasPrefix(m2.Attachments[0].MimeType, "image/"))
	assert.Equal(t, "rash.png", m2.Attachments[0].Filename)
	recvEvent(t, doctorFeed)

	for _, id := range []models.Identity{patient, doctor} {
		msgs, err := f.svc.ListMessages(ctx, id, thread.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, m1.ID, msgs[0].ID)
		assert.Equal(t, m2.ID, msgs[1].ID)
		assert.False(t, msgs[1].CreatedAt.Before(msgs[0].CreatedAt))
		require.NotNil(t, msgs[0].Sender)
		assert.Equal(t, "Pat", msgs[0].Sender.DisplayName)
	}
}

func TestCreateOrGetThreadWithoutAppointment(t *testing.T) {
	f := newFixture(t, nil)
	stranger := models.Identity{UserID: outsider, Role: models.RolePatient}

	_, err := f.svc.CreateOrGetThread(context.Background(), stranger, doctorID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Empty(t, f.repo.threads)
}

func TestCreateOrGetThreadRules(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateOrGetThread(ctx, models.Identity{}, doctorID)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)

	_, err = f.svc.CreateOrGetThread(ctx, doctor, patientID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.svc.CreateOrGetThread(ctx, patient, patientID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestCreateOrGetThreadGatesOnAppointmentNotRole(t *testing.T) {
	f := newFixture(t, nil)
	// A doctor booked as the patient of another doctor.
	colleague := models.Identity{UserID: 5, Role: models.RoleDoctor}
	f.repo.appointments[[2]int{5, doctorID}] = "SCHEDULED"

	thread, err := f.svc.CreateOrGetThread(context.Background(), colleague, doctorID)
	require.NoError(t, err)
	assert.Equal(t, 5, thread.PatientID)
	assert.Equal(t, doctorID, thread.DoctorID)
}

func TestCreateOrGetThreadIsIdempotentUnderConcurrency(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	ids := make([]int, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			thread, err := f.svc.CreateOrGetThread(context.Background(), patient, doctorID)
			assert.NoError(t, err)
			ids[i] = thread.ID
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.repo.threads, 1)
	for _, id := range ids {
		assert.Equal(t, f.repo.threads[0].ID, id)
	}
}

func TestOutsiderCannotReadOrWrite(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, patient, SendRequest{ThreadID: thread.ID, Content: strPtr("private")})
	require.NoError(t, err)

	intruder := models.Identity{UserID: outsider, Role: models.RoleDoctor}
	msgs, err := f.svc.ListMessages(ctx, intruder, thread.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Nil(t, msgs)

	msg, err := f.svc.SendMessage(ctx, intruder, SendRequest{ThreadID: thread.ID, Content: strPtr("hi")})
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Zero(t, msg.ID)
	assert.Equal(t, 1, f.repo.messageCount())
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, models.Identity{}, SendRequest{ThreadID: thread.ID, Content: strPtr("x")})
	assert.ErrorIs(t, err, ErrAuthenticationRequired)

	_, err = f.svc.SendMessage(ctx, patient, SendRequest{ThreadID: thread.ID, Content: strPtr("   ")})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = f.svc.SendMessage(ctx, patient, SendRequest{ThreadID: thread.ID})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = f.svc.SendMessage(ctx, patient, SendRequest{ThreadID: 999, Content: strPtr("x")})
	assert.ErrorIs(t, err, ErrThreadNotFound)

	assert.Zero(t, f.repo.appendCalls)
}

func TestSendMessageTrimsContentAndEchoesClientID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)

	msg, err := f.svc.SendMessage(ctx, patient, SendRequest{ThreadID: thread.ID, Content: strPtr("  hi  "), ClientID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Text())
	require.NotNil(t, msg.ClientID)
	assert.Equal(t, "c-1", *msg.ClientID)
}

func TestFailedAttachmentAbortsWholeSend(t *testing.T) {
	store := new(mocks.StoreMock)
	f := newFixture(t, store)
	ctx := context.Background()
	thread, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)

	store.On("Store", mock.Anything, mock.Anything, "", "a.pdf").
		Return(storage.Descriptor{Key: "chat/1/a.pdf", URL: "u1", Filename: "a.pdf", MimeType: "application/pdf"}, nil).Once()
	store.On("Store", mock.Anything, mock.Anything, "", "b.pdf").
		Return(nil, errors.New("bucket unavailable")).Once()
	store.On("Delete", mock.Anything, "chat/1/a.pdf").Return(nil).Once()

	_, err = f.svc.SendMessage(ctx, patient, SendRequest{
		ThreadID: thread.ID,
		Content:  strPtr("three files"),
		Files:    []storage.File{{Name: "a.pdf"}, {Name: "b.pdf"}, {Name: "c.pdf"}},
	})
	assert.ErrorIs(t, err, ErrAttachmentStore)
	assert.Zero(t, f.repo.appendCalls)
	assert.Zero(t, f.repo.messageCount())
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, "", "c.pdf")
}

func TestThreeAttachmentsPersistTogether(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)

	msg, err := f.svc.SendMessage(ctx, patient, SendRequest{
		ThreadID: thread.ID,
		Files: []storage.File{
			{Name: "a.png", Data: pngData},
			{Name: "b.txt", MimeType: "text/plain", Data: []byte("notes")},
			{Name: "c.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.4")},
		},
	})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 3)
	assert.Equal(t, []string{"a.png", "b.txt", "c.pdf"}, []string{msg.Attachments[0].Filename, msg.Attachments[1].Filename, msg.Attachments[2].Filename})
}

func TestPersistenceFailureDeletesStoredFiles(t *testing.T) {
	store := new(mocks.StoreMock)
	f := newFixture(t, store)
	ctx := context.Background()
	thread, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)
	f.repo.failAppend = errors.New("connection reset")

	store.On("Store", mock.Anything, mock.Anything, "image/png", "a.png").
		Return(storage.Descriptor{Key: "chat/1/a.png", URL: "u", Filename: "a.png", MimeType: "image/png"}, nil).Once()
	store.On("Delete", mock.Anything, "chat/1/a.png").Return(nil).Once()

	_, err = f.svc.SendMessage(ctx, patient, SendRequest{
		ThreadID: thread.ID,
		Files:    []storage.File{{Name: "a.png", MimeType: "image/png", Data: pngData}},
	})
	assert.ErrorIs(t, err, ErrPersistence)
	store.AssertExpectations(t)
}

type failingRelay struct{}

func (failingRelay) Name() string { return "failing" }

func (failingRelay) Publish(context.Context, string, models.MessageEvent) error {
	return errors.New("redis unavailable")
}

func TestBroadcastFailureDoesNotFailSend(t *testing.T) {
	f := newFixture(t, nil)
	gw := broadcast.NewGateway(logger.Nop(), f.hub, failingRelay{})
	f.svc.broadcaster = gw
	ctx := context.Background()
	thread, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)

	msg, err := f.svc.SendMessage(ctx, patient, SendRequest{ThreadID: thread.ID, Content: strPtr("still saved")})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	gw.Wait()
	assert.Equal(t, 1, f.repo.messageCount())
}

func TestClosedThread(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	thread, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)

	_, err = f.svc.CloseThread(ctx, doctor, thread.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	feed := make(chan models.MessageEvent, 1)
	sub := f.gateway.Subscribe(thread.ID, func(ev models.MessageEvent) { feed <- ev })
	defer sub.Unsubscribe()

	closed, err := f.svc.CloseThread(ctx, patient, thread.ID)
	require.NoError(t, err)
	assert.False(t, closed.IsActive)
	assert.Equal(t, models.EventTypeThreadClosed, recvEvent(t, feed).Type)

	_, err = f.svc.SendMessage(ctx, doctor, SendRequest{ThreadID: thread.ID, Content: strPtr("late")})
	assert.ErrorIs(t, err, ErrThreadClosed)

	msgs, err := f.svc.ListMessages(ctx, doctor, thread.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	again, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, again.ID)
	assert.False(t, again.IsActive)

	admin := models.Identity{UserID: 50, Role: models.RoleAdmin}
	_, err = f.svc.CloseThread(ctx, admin, thread.ID)
	assert.NoError(t, err)
}

func TestListThreads(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.repo.users[4] = models.UserSummary{ID: 4, Role: models.RoleDoctor, DisplayName: "Dr. Who"}
	f.repo.appointments[[2]int{patientID, 4}] = "SCHEDULED"

	first, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)
	second, err := f.svc.CreateOrGetThread(ctx, patient, 4)
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, doctor, SendRequest{ThreadID: first.ID, Files: []storage.File{{Name: "labs.pdf", MimeType: "application/pdf", Data: []byte("%PDF")}}})
	require.NoError(t, err)

	summaries, err := f.svc.ListThreads(ctx, patient)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, first.ID, summaries[0].Thread.ID)
	assert.Equal(t, "Dr. Dee", summaries[0].OtherParty.DisplayName)
	assert.Equal(t, "[attachment] labs.pdf", summaries[0].Preview)
	assert.Equal(t, second.ID, summaries[1].Thread.ID)
	assert.Nil(t, summaries[1].LastMessage)

	doctorView, err := f.svc.ListThreads(ctx, doctor)
	require.NoError(t, err)
	require.Len(t, doctorView, 1)
	assert.Equal(t, "Pat", doctorView[0].OtherParty.DisplayName)

	none, err := f.svc.ListThreads(ctx, models.Identity{UserID: outsider})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello world", Preview("  hello \n world ", 80))
	assert.Equal(t, "abcd…", Preview("abcdefgh", 5))
	assert.Equal(t, "olá…", Preview("olá mundo", 5))
	assert.Equal(t, 5, len([]rune(Preview("ééééééééé", 5))))
	assert.Equal(t, "", MessagePreview(nil))

	blank := &models.Message{Content: strPtr("   "), Attachments: []models.Attachment{{Filename: "labs.pdf"}}}
	assert.Equal(t, "[attachment] labs.pdf", MessagePreview(blank))
	assert.Equal(t, "attachment", messageKind(*blank))
	assert.Equal(t, "mixed", messageKind(models.Message{Content: strPtr(" hi "), Attachments: blank.Attachments}))
}

func attachmentsStored(t *testing.T, kind storage.Kind) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "telehealth_chat_attachments_stored_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "kind" && l.GetValue() == string(kind) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestAttachmentMetricsUseStoredKind(t *testing.T) {
	store := new(mocks.StoreMock)
	store.On("Store", mock.Anything, mock.Anything, mock.Anything, "scan.dcm").
		Return(storage.Descriptor{Key: "chat/k/scan.dcm", URL: "/uploads/chat/k/scan.dcm", MimeType: "application/dicom", Filename: "scan.dcm", Kind: storage.KindMedia}, nil)
	f := newFixture(t, store)
	ctx := context.Background()
	thread, err := f.svc.CreateOrGetThread(ctx, patient, doctorID)
	require.NoError(t, err)

	media, docs := attachmentsStored(t, storage.KindMedia), attachmentsStored(t, storage.KindDocument)
	_, err = f.svc.SendMessage(ctx, patient, SendRequest{
		ThreadID: thread.ID,
		Files:    []storage.File{{Name: "scan.dcm", MimeType: "application/dicom", Data: []byte("DICM")}},
	})
	require.NoError(t, err)

	assert.Equal(t, media+1, attachmentsStored(t, storage.KindMedia))
	assert.Equal(t, docs, attachmentsStored(t, storage.KindDocument))
}
