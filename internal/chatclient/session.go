package chatclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"telehealth-chat/internal/logger"
	"telehealth-chat/internal/models"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNoThread      = errors.New("no thread open")
	ErrEmptyMessage  = errors.New("message needs content or at least one file")
)

// NotificationKind classifies transient user-facing errors.
type NotificationKind string

const (
	NotifySendFailed   NotificationKind = "send_failed"
	NotifyLoadFailed   NotificationKind = "load_failed"
	NotifyThreadClosed NotificationKind = "thread_closed"
)

// Notification is surfaced to the UI; it never tears the session down.
type Notification struct {
	Kind     NotificationKind
	ThreadID int
	ClientID string
	Err      error
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	ThreadID int
	Draft    string
	Entries  []Entry
}

// Session owns one connection's chat state. Every mutation runs on the
// goroutine started by Run, so the view needs no locking.
type Session struct {
	log       *logger.Logger
	transport Transport
	userID    int

	events        chan func()
	notifications chan Notification
	changes       chan struct{}
	quit          chan struct{}
	stopped       chan struct{}
	closeOnce     sync.Once

	// runCtx bounds in-flight sends; cancelled when the loop stops.
	runCtx    context.Context
	cancelRun context.CancelFunc

	// loop-owned
	view     *View
	threadID int
	epoch    uint64
	sub      Subscription
	draft    string
}

func NewSession(log *logger.Logger, transport Transport, userID int) *Session {
	runCtx, cancelRun := context.WithCancel(context.Background())
	return &Session{
		log:           log.With("component", "ChatSession", "user_id", userID),
		transport:     transport,
		userID:        userID,
		events:        make(chan func()),
		notifications: make(chan Notification, 16),
		changes:       make(chan struct{}, 1),
		quit:          make(chan struct{}),
		stopped:       make(chan struct{}),
		runCtx:        runCtx,
		cancelRun:     cancelRun,
		view:          NewView(),
	}
}

// Run processes events until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)
	defer s.releaseSubscription()
	defer s.cancelRun()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return nil
		case fn := <-s.events:
			fn()
		}
	}
}

// Close stops the loop, cancels in-flight sends and releases the active subscription.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.stopped
}

// Notifications delivers transient errors. Old notifications are dropped when the buffer is full.
func (s *Session) Notifications() <-chan Notification { return s.notifications }

// Changes is signalled (coalesced) whenever the snapshot may have changed.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Open switches to threadID: the previous subscription is released, the new
// channel subscribed and the view replaced by a fresh fetch.
func (s *Session) Open(ctx context.Context, threadID int) error {
	var openErr error
	err := s.do(ctx, func() {
		s.releaseSubscription()
		s.epoch++
		epoch := s.epoch
		s.threadID = threadID
		s.view.Reset(nil)
		s.draft = ""
		s.changed()

		sub, err := s.transport.Subscribe(ctx, threadID, func(ev models.MessageEvent) {
			s.post(func() { s.onEvent(epoch, ev) })
		})
		if err != nil {
			s.log.Warn("subscribe failed", "thread_id", threadID, "error", err)
			s.notify(Notification{Kind: NotifyLoadFailed, ThreadID: threadID, Err: err})
			openErr = fmt.Errorf("subscribe thread %d: %w", threadID, err)
			return
		}
		s.sub = sub

		msgs, err := s.transport.ListMessages(ctx, threadID)
		if err != nil {
			s.log.Warn("load messages failed", "thread_id", threadID, "error", err)
			s.notify(Notification{Kind: NotifyLoadFailed, ThreadID: threadID, Err: err})
			openErr = fmt.Errorf("load thread %d: %w", threadID, err)
			return
		}
		s.view.Reset(msgs)
		s.changed()
	})
	if err != nil {
		return err
	}
	return openErr
}

// SetDraft replaces the compose input.
func (s *Session) SetDraft(ctx context.Context, text string) error {
	return s.do(ctx, func() {
		s.draft = text
		s.changed()
	})
}

// Send optimistically appends the draft (plus files) and clears the draft. The
// durable send runs in the background; its result is reconciled on the loop.
func (s *Session) Send(ctx context.Context, files []File) (string, error) {
	var (
		clientID string
		sendErr  error
	)
	err := s.do(ctx, func() {
		if s.threadID == 0 {
			sendErr = ErrNoThread
			return
		}
		content := s.draft
		if strings.TrimSpace(content) == "" && len(files) == 0 {
			sendErr = ErrEmptyMessage
			return
		}

		entry := s.view.AddPending(s.userID, content, files)
		clientID = entry.ClientID
		s.draft = ""
		s.changed()

		threadID, epoch := s.threadID, s.epoch
		in := SendInput{Content: entry.Content, ClientID: entry.ClientID, Files: files}
		go func() {
			msg, err := s.transport.SendMessage(s.runCtx, threadID, in)
			s.post(func() { s.onSendResult(epoch, threadID, content, in.ClientID, msg, err) })
		}()
	})
	if err != nil {
		return "", err
	}
	return clientID, sendErr
}

// Dismiss removes a failed (or still pending) entry from the view.
func (s *Session) Dismiss(ctx context.Context, clientID string) error {
	return s.do(ctx, func() {
		if s.view.Remove(clientID) {
			s.changed()
		}
	})
}

// Snapshot returns the current thread, draft and entries.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() {
		snap = Snapshot{ThreadID: s.threadID, Draft: s.draft, Entries: s.view.Entries()}
	})
	return snap, err
}

func (s *Session) onEvent(epoch uint64, ev models.MessageEvent) {
	if epoch != s.epoch {
		return
	}
	switch ev.Type {
	case models.EventTypeMessage:
		if ev.Message == nil {
			return
		}
		s.view.ApplyBroadcast(*ev.Message)
		s.changed()
	case models.EventTypeThreadClosed:
		s.notify(Notification{Kind: NotifyThreadClosed, ThreadID: ev.ThreadID})
	}
}

func (s *Session) onSendResult(epoch uint64, threadID int, draft, clientID string, msg models.Message, err error) {
	if epoch != s.epoch {
		if err != nil {
			s.notify(Notification{Kind: NotifySendFailed, ThreadID: threadID, ClientID: clientID, Err: err})
		}
		return
	}
	if err != nil {
		if !s.view.MarkFailed(clientID, err) {
			// Already confirmed by the channel echo, or dismissed.
			s.log.Info("send response failed after confirmation", "thread_id", threadID, "client_id", clientID, "error", err)
			return
		}
		s.log.Warn("send failed", "thread_id", threadID, "client_id", clientID, "error", err)
		if strings.TrimSpace(s.draft) == "" {
			s.draft = draft
		}
		s.notify(Notification{Kind: NotifySendFailed, ThreadID: threadID, ClientID: clientID, Err: err})
		s.changed()
		return
	}
	s.view.ApplyDirectResult(clientID, msg)
	s.changed()
}

func (s *Session) releaseSubscription() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Close(); err != nil {
		s.log.Debug("closing subscription", "thread_id", s.threadID, "error", err)
	}
	s.sub = nil
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.events <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrSessionClosed
	}
}

// post queues fn without waiting for it to run.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.stopped:
	}
}

func (s *Session) notify(n Notification) {
	for {
		select {
		case s.notifications <- n:
			return
		default:
		}
		select {
		case <-s.notifications:
		default:
		}
	}
}

func (s *Session) changed() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
