package chatclient

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"

	"telehealth-chat/internal/models"
)

// State of a message in the local view.
type State int

const (
	StatePending State = iota
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// File is a payload picked for upload.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Preview is what the view can show for a file before the server confirms it.
// Images get an inline data URL; anything else is a filename-only placeholder.
type Preview struct {
	Filename string
	MimeType string
	URL      string
}

// Entry is one row of the local message view.
type Entry struct {
	ClientID  string
	State     State
	SenderID  int
	Content   string
	Previews  []Preview
	Message   *models.Message
	Err       error
	CreatedAt time.Time
}

// MessageID is the server id of a confirmed entry, 0 otherwise.
func (e Entry) MessageID() int {
	if e.Message == nil {
		return 0
	}
	return e.Message.ID
}

// View is the ordered local message list of one thread. It is not safe for
// concurrent use; Session serializes all access through its event loop.
type View struct {
	entries []Entry
	now     func() time.Time
	newID   func() string
}

func NewView() *View {
	return &View{now: time.Now, newID: uuid.NewString}
}

// Entries returns a copy of the view in display order.
func (v *View) Entries() []Entry {
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

func (v *View) Len() int { return len(v.entries) }

// Reset replaces the whole view with an authoritative history.
func (v *View) Reset(msgs []models.Message) {
	v.entries = make([]Entry, 0, len(msgs))
	for i := range msgs {
		v.entries = append(v.entries, confirmedEntry("", msgs[i]))
	}
}

// AddPending appends an optimistic entry with a fresh correlation id.
func (v *View) AddPending(senderID int, content string, files []File) Entry {
	entry := Entry{
		ClientID:  v.newID(),
		State:     StatePending,
		SenderID:  senderID,
		Content:   strings.TrimSpace(content),
		Previews:  previews(files),
		CreatedAt: v.now(),
	}
	v.entries = append(v.entries, entry)
	return entry
}

// ApplyBroadcast reconciles a message received on the thread channel.
func (v *View) ApplyBroadcast(msg models.Message) {
	if v.confirmed(msg.ID) {
		return
	}
	if i := v.match(msg); i >= 0 {
		v.entries[i] = confirmedEntry(v.entries[i].ClientID, msg)
		return
	}
	v.entries = append(v.entries, confirmedEntry("", msg))
}

// ApplyDirectResult reconciles the synchronous response to our own send.
func (v *View) ApplyDirectResult(clientID string, msg models.Message) {
	if v.confirmed(msg.ID) {
		return
	}
	if i := v.byClientID(clientID); i >= 0 {
		v.entries[i] = confirmedEntry(clientID, msg)
		return
	}
	v.ApplyBroadcast(msg)
}

// MarkFailed flags a pending entry whose send did not persist.
func (v *View) MarkFailed(clientID string, err error) bool {
	i := v.byClientID(clientID)
	if i < 0 || v.entries[i].State != StatePending {
		return false
	}
	v.entries[i].State = StateFailed
	v.entries[i].Err = err
	return true
}

// Remove drops a pending or failed entry.
func (v *View) Remove(clientID string) bool {
	i := v.byClientID(clientID)
	if i < 0 {
		return false
	}
	v.entries = append(v.entries[:i], v.entries[i+1:]...)
	return true
}

func (v *View) confirmed(messageID int) bool {
	if messageID == 0 {
		return false
	}
	for _, e := range v.entries {
		if e.State == StateConfirmed && e.MessageID() == messageID {
			return true
		}
	}
	return false
}

func (v *View) byClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i, e := range v.entries {
		if e.State != StateConfirmed && e.ClientID == clientID {
			return i
		}
	}
	return -1
}

// match finds the local entry a server message confirms. An echoed client id
// is authoritative. Without one, the oldest pending entry with the same sender
// and normalized content wins; two identical quick sends are therefore
// ambiguous and the first echo always promotes the older entry.
func (v *View) match(msg models.Message) int {
	if msg.ClientID != nil && *msg.ClientID != "" {
		return v.byClientID(*msg.ClientID)
	}
	content := models.NormalizeContent(msg.Content)
	for i, e := range v.entries {
		if e.State == StatePending && e.SenderID == msg.SenderID && e.Content == content {
			return i
		}
	}
	return -1
}

func confirmedEntry(clientID string, msg models.Message) Entry {
	if clientID == "" && msg.ClientID != nil {
		clientID = *msg.ClientID
	}
	return Entry{
		ClientID:  clientID,
		State:     StateConfirmed,
		SenderID:  msg.SenderID,
		Content:   models.NormalizeContent(msg.Content),
		Message:   &msg,
		CreatedAt: msg.CreatedAt,
	}
}

func previews(files []File) []Preview {
	if len(files) == 0 {
		return nil
	}
	out := make([]Preview, 0, len(files))
	for _, f := range files {
		p := Preview{Filename: f.Name, MimeType: f.MimeType}
		if strings.HasPrefix(strings.ToLower(f.MimeType), "image/") && len(f.Data) > 0 {
			p.URL = "data:" + f.MimeType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
		}
		out = append(out, p)
	}
	return out
}
