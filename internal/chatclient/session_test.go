package chatclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telehealth-chat/internal/logger"
	"telehealth-chat/internal/models"
)

type fakeSub struct {
	mu      sync.Mutex
	closed  bool
	onEvent func(models.MessageEvent)
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeTransport struct {
	mu      sync.Mutex
	history map[int][]models.Message
	subs    map[int][]*fakeSub
	nextID  int
	sendErr error
	// echo delivers the created message on the thread channel before the
	// direct response returns.
	echo bool
	// respErr fails the direct response after the message was persisted.
	respErr error
	// hang makes SendMessage wait for its ctx; the ctx error is reported on it.
	hang chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{history: map[int][]models.Message{}, subs: map[int][]*fakeSub{}, nextID: 100}
}

func (f *fakeTransport) ListMessages(_ context.Context, threadID int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.history[threadID]...), nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, threadID int, in SendInput) (models.Message, error) {
	if f.hang != nil {
		<-ctx.Done()
		f.hang <- ctx.Err()
		return models.Message{}, ctx.Err()
	}
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return models.Message{}, err
	}
	f.nextID++
	content, clientID := in.Content, in.ClientID
	msg := models.Message{ID: f.nextID, ThreadID: threadID, SenderID: 1, Content: &content, ClientID: &clientID, CreatedAt: time.Now()}
	f.history[threadID] = append(f.history[threadID], msg)
	echo, respErr := f.echo, f.respErr
	f.mu.Unlock()

	if echo {
		f.emit(threadID, models.MessageEvent{Type: models.EventTypeMessage, ThreadID: threadID, Message: &msg})
	}
	if respErr != nil {
		return models.Message{}, respErr
	}
	return msg, nil
}

func (f *fakeTransport) Subscribe(_ context.Context, threadID int, onEvent func(models.MessageEvent)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{onEvent: onEvent}
	f.subs[threadID] = append(f.subs[threadID], sub)
	return sub, nil
}

func (f *fakeTransport) sub(threadID, i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[threadID][i]
}

func (f *fakeTransport) emit(threadID int, ev models.MessageEvent) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[threadID]...)
	f.mu.Unlock()
	for _, s := range subs {
		if !s.isClosed() {
			s.onEvent(ev)
		}
	}
}

func startSession(t *testing.T, tr Transport) *Session {
	t.Helper()
	s := NewSession(logger.Nop(), tr, 1)
	go func() { _ = s.Run(context.Background()) }()
	t.Cleanup(s.Close)
	return s
}

func snapshot(t *testing.T, s *Session) Snapshot {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func TestSessionOpenLoadsHistory(t *testing.T) {
	tr := newFakeTransport()
	content := "hello"
	tr.history[7] = []models.Message{{ID: 1, ThreadID: 7, SenderID: 2, Content: &content}}
	s := startSession(t, tr)

	require.NoError(t, s.Open(context.Background(), 7))

	snap := snapshot(t, s)
	assert.Equal(t, 7, snap.ThreadID)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, StateConfirmed, snap.Entries[0].State)
}

func TestSessionSendReconcilesEchoAndResponse(t *testing.T) {
	tr := newFakeTransport()
	tr.echo = true
	s := startSession(t, tr)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, 7))
	require.NoError(t, s.SetDraft(ctx, "  hi  "))

	clientID, err := s.Send(ctx, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, clientID)
	assert.Empty(t, snapshot(t, s).Draft)

	require.Eventually(t, func() bool {
		entries := snapshot(t, s).Entries
		return len(entries) == 1 && entries[0].State == StateConfirmed
	}, time.Second, 5*time.Millisecond)

	snap := snapshot(t, s)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, clientID, snap.Entries[0].ClientID)
	assert.Equal(t, "hi", snap.Entries[0].Content)
	assert.Equal(t, 101, snap.Entries[0].MessageID())
}

func TestSessionSendFailureKeepsFailedEntryAndRestoresDraft(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = errors.New("server error")
	s := startSession(t, tr)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, 7))
	require.NoError(t, s.SetDraft(ctx, "are you there?"))

	clientID, err := s.Send(ctx, nil)
	require.NoError(t, err)

	select {
	case n := <-s.Notifications():
		assert.Equal(t, NotifySendFailed, n.Kind)
		assert.Equal(t, clientID, n.ClientID)
		assert.Equal(t, 7, n.ThreadID)
		assert.EqualError(t, n.Err, "server error")
	case <-time.After(time.Second):
		t.Fatal("expected a send failure notification")
	}

	snap := snapshot(t, s)
	assert.Equal(t, "are you there?", snap.Draft)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, StateFailed, snap.Entries[0].State)

	require.NoError(t, s.Dismiss(ctx, clientID))
	assert.Empty(t, snapshot(t, s).Entries)
}

func TestSessionSendValidation(t *testing.T) {
	s := startSession(t, newFakeTransport())
	ctx := context.Background()

	_, err := s.Send(ctx, nil)
	assert.ErrorIs(t, err, ErrNoThread)

	require.NoError(t, s.Open(ctx, 7))
	require.NoError(t, s.SetDraft(ctx, "   "))
	_, err = s.Send(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	clientID, err := s.Send(ctx, []File{{Name: "scan.png", MimeType: "image/png", Data: []byte{1}}})
	require.NoError(t, err)
	assert.NotEmpty(t, clientID)
}

func TestSessionThreadSwitchReleasesPreviousSubscription(t *testing.T) {
	tr := newFakeTransport()
	s := startSession(t, tr)
	ctx := context.Background()

	require.NoError(t, s.Open(ctx, 1))
	first := tr.sub(1, 0)
	require.NoError(t, s.Open(ctx, 2))

	assert.True(t, first.isClosed())
	assert.False(t, tr.sub(2, 0).isClosed())

	// A late delivery from the old channel is ignored.
	stale := "stale"
	first.onEvent(models.MessageEvent{Type: models.EventTypeMessage, ThreadID: 1,
		Message: &models.Message{ID: 9, ThreadID: 1, SenderID: 2, Content: &stale}})

	fresh := "fresh"
	tr.emit(2, models.MessageEvent{Type: models.EventTypeMessage, ThreadID: 2,
		Message: &models.Message{ID: 10, ThreadID: 2, SenderID: 2, Content: &fresh}})

	snap := snapshot(t, s)
	assert.Equal(t, 2, snap.ThreadID)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, 10, snap.Entries[0].MessageID())
}

func TestSessionThreadClosedNotification(t *testing.T) {
	tr := newFakeTransport()
	s := startSession(t, tr)
	require.NoError(t, s.Open(context.Background(), 3))

	tr.emit(3, models.MessageEvent{Type: models.EventTypeThreadClosed, ThreadID: 3})

	select {
	case n := <-s.Notifications():
		assert.Equal(t, NotifyThreadClosed, n.Kind)
		assert.Equal(t, 3, n.ThreadID)
	case <-time.After(time.Second):
		t.Fatal("expected a thread closed notification")
	}
}

func TestSessionCloseReleasesSubscription(t *testing.T) {
	tr := newFakeTransport()
	s := NewSession(logger.Nop(), tr, 1)
	go func() { _ = s.Run(context.Background()) }()
	require.NoError(t, s.Open(context.Background(), 4))

	s.Close()
	s.Close()

	assert.True(t, tr.sub(4, 0).isClosed())
	_, err := s.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionLostResponseAfterEchoKeepsConfirmedEntry(t *testing.T) {
	tr := newFakeTransport()
	tr.echo = true
	tr.respErr = errors.New("response lost")
	s := startSession(t, tr)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, 7))
	require.NoError(t, s.SetDraft(ctx, "hello"))

	_, err := s.Send(ctx, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := snapshot(t, s).Entries
		return len(entries) == 1 && entries[0].State == StateConfirmed
	}, time.Second, 5*time.Millisecond)

	// The failed direct result arrives after the echo and must not regress it.
	require.Never(t, func() bool {
		snap, err := s.Snapshot(context.Background())
		return err != nil || snap.Draft != "" || len(snap.Entries) != 1 || snap.Entries[0].State != StateConfirmed
	}, 150*time.Millisecond, 5*time.Millisecond)
	select {
	case n := <-s.Notifications():
		t.Fatalf("unexpected notification %s", n.Kind)
	default:
	}
}

func TestSessionCloseCancelsInFlightSend(t *testing.T) {
	tr := newFakeTransport()
	tr.hang = make(chan error, 1)
	s := NewSession(logger.Nop(), tr, 1)
	go func() { _ = s.Run(context.Background()) }()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, 7))
	require.NoError(t, s.SetDraft(ctx, "still there?"))
	_, err := s.Send(ctx, nil)
	require.NoError(t, err)

	s.Close()

	select {
	case err := <-tr.hang:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("send was not cancelled by Close")
	}
}
