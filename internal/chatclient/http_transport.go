package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"telehealth-chat/internal/logger"
	"telehealth-chat/internal/models"
)

// APIError is a non-2xx answer from the chat service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}

// HTTPTransport talks to the chat service REST API and thread websocket.
type HTTPTransport struct {
	log     *logger.Logger
	baseURL string
	token   string
	client  *http.Client
	dialer  *websocket.Dialer
}

func NewHTTPTransport(log *logger.Logger, baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		log:     log.With("component", "HTTPTransport"),
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 2 * time.Minute},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (t *HTTPTransport) ListMessages(ctx context.Context, threadID int) ([]models.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.threadURL(threadID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := t.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (t *HTTPTransport) SendMessage(ctx context.Context, threadID int, in SendInput) (models.Message, error) {
	body, contentType, err := encodeSend(in)
	if err != nil {
		return models.Message{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.threadURL(threadID)+"/messages", body)
	if err != nil {
		return models.Message{}, err
	}
	req.Header.Set("Content-Type", contentType)

	var msg models.Message
	if err := t.do(req, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// Subscribe dials the thread websocket. ctx bounds the handshake only.
func (t *HTTPTransport) Subscribe(ctx context.Context, threadID int, onEvent func(models.MessageEvent)) (Subscription, error) {
	wsURL, err := t.websocketURL(threadID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: "websocket handshake rejected"}
		}
		return nil, fmt.Errorf("dial thread websocket: %w", err)
	}

	sub := &wsSubscription{conn: conn, done: make(chan struct{})}
	go func() {
		for {
			var ev models.MessageEvent
			if err := conn.ReadJSON(&ev); err != nil {
				select {
				case <-sub.done:
				default:
					t.log.Warn("thread websocket closed", "thread_id", threadID, "error", err)
				}
				return
			}
			onEvent(ev)
		}
	}()
	return sub, nil
}

type wsSubscription struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func (s *wsSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.err = s.conn.Close()
	})
	return s.err
}

func (t *HTTPTransport) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: body.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *HTTPTransport) threadURL(threadID int) string {
	return t.baseURL + "/threads/" + strconv.Itoa(threadID)
}

func (t *HTTPTransport) websocketURL(threadID int) (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/threads/" + strconv.Itoa(threadID)
	return u.String(), nil
}

func encodeSend(in SendInput) (io.Reader, string, error) {
	if len(in.Files) == 0 {
		payload := map[string]any{"content": in.Content}
		if in.ClientID != "" {
			payload["client_id"] = in.ClientID
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(raw), "application/json", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if in.Content != "" {
		if err := w.WriteField("content", in.Content); err != nil {
			return nil, "", err
		}
	}
	if in.ClientID != "" {
		if err := w.WriteField("client_id", in.ClientID); err != nil {
			return nil, "", err
		}
	}
	for _, f := range in.Files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		header.Set("Content-Type", mimeType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
