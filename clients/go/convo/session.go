// Package convo provides a client for the opsdesk real-time project
// messaging channel: one persistent connection serving one conversation at a
// time, with automatic rejoin after reconnect and an optimistic local view.
package convo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type EventKind string

const (
	EventJoined       EventKind = "joined"
	EventNewMessage   EventKind = "newMessage"
	EventDisconnected EventKind = "disconnected"
)

// Event is delivered to subscribers registered with Subscribe.
type Event struct {
	Kind    EventKind
	Token   string
	Message *Message
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateJoined
)

// Conn is the minimal transport surface; *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Conn, error)

func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Options struct {
	SocketURL  string
	APIBaseURL string
	SenderName string
	SenderType string
	MaxRetries int           // dial attempts per outage before settling disconnected
	RetryDelay time.Duration // base delay, grows linearly per attempt
	Dial       Dialer
	HTTPClient *http.Client
}

// Session owns one persistent connection. At most one room is desired at a
// time; setting a new room is a switch, never a multi-room join. A desired
// room set while disconnected is replayed once the transport connects.
type Session struct {
	opts       Options
	dial       Dialer
	httpClient *http.Client

	mu       sync.Mutex
	state    State
	conn     Conn
	desired  string
	handlers []func(Event)
	closed   bool

	view *View
}

func NewSession(opts Options) *Session {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	dial := opts.Dial
	if dial == nil {
		dial = DialWebsocket
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Session{opts: opts, dial: dial, httpClient: httpClient, view: NewView()}
}

func (s *Session) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a snapshot of the local ordered view.
func (s *Session) Messages() []Message {
	return s.view.Entries()
}

// Start begins connecting in the background. After retries are exhausted the
// session settles into StateDisconnected and a further Start is required.
func (s *Session) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.state = StateDisconnected
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SetRoom switches the desired conversation. While connected the previous
// room is left before the new one is joined; while disconnected the switch
// is remembered and replayed on reconnect.
func (s *Session) SetRoom(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.desired
	if prev == token {
		return
	}
	s.desired = token
	s.view.Reset()
	if s.conn == nil || s.state < StateConnected {
		return
	}
	if prev != "" {
		_ = s.conn.WriteJSON(wsEnvelope{Type: "leave"})
	}
	if token != "" {
		_ = s.conn.WriteJSON(wsEnvelope{Type: "join", Token: token})
	} else {
		s.state = StateConnected
	}
}

// LeaveRoom releases the desired room, issuing a leave when connected.
func (s *Session) LeaveRoom() {
	s.SetRoom("")
}

// Send posts a message for the desired room. The local view is updated
// optimistically with a placeholder that is reconciled against the
// acknowledgment; the broadcast echo deduplicates on the assigned id.
func (s *Session) Send(ctx context.Context, content string, attachmentKeys []string) (Message, error) {
	s.mu.Lock()
	token := s.desired
	s.mu.Unlock()
	if token == "" {
		return Message{}, errors.New("no active conversation")
	}

	localID := s.view.AddPending(s.opts.SenderType, s.opts.SenderName, content, nil)

	payload := map[string]any{
		"content":        content,
		"senderName":     s.opts.SenderName,
		"senderType":     s.opts.SenderType,
		"attachmentKeys": attachmentKeys,
	}
	respBody, err := s.doRequest(ctx, http.MethodPost, "/conversations/"+token+"/messages", payload)
	if err != nil {
		s.view.Remove(localID)
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		s.view.Remove(localID)
		return Message{}, err
	}
	s.view.Confirm(localID, msg)
	return msg, nil
}

// AuthorizeUpload requests an upload grant for the desired room.
func (s *Session) AuthorizeUpload(ctx context.Context, filename, contentType string) (uploadURL, storageKey string, err error) {
	s.mu.Lock()
	token := s.desired
	s.mu.Unlock()
	if token == "" {
		return "", "", errors.New("no active conversation")
	}
	path := fmt.Sprintf("/conversations/%s/uploads?filename=%s&contentType=%s", token, filename, contentType)
	respBody, err := s.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", "", err
	}
	var grant struct {
		UploadURL  string `json:"uploadUrl"`
		StorageKey string `json:"storageKey"`
	}
	if err := json.Unmarshal(respBody, &grant); err != nil {
		return "", "", err
	}
	return grant.UploadURL, grant.StorageKey, nil
}

// FetchMessages retrieves the full conversation and replaces the local view
// with the authoritative list. Used for background resync after an outage.
func (s *Session) FetchMessages(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	token := s.desired
	s.mu.Unlock()
	if token == "" {
		return nil, errors.New("no active conversation")
	}
	respBody, err := s.doRequest(ctx, http.MethodGet, "/conversations/"+token+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var items []Message
	if err := json.Unmarshal(respBody, &items); err != nil {
		return nil, err
	}
	s.view.Reset()
	for _, item := range items {
		s.view.Apply(item)
	}
	return items, nil
}

type wsEnvelope struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type wsEvent struct {
	Type    string   `json:"type"`
	Token   string   `json:"token"`
	Message *Message `json:"message"`
	Error   string   `json:"error"`
}

func (s *Session) run(ctx context.Context) {
	attempt := 0
	for {
		if s.isClosed() || ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		conn, err := s.dial(ctx, s.opts.SocketURL)
		if err != nil {
			attempt++
			if attempt >= s.opts.MaxRetries {
				s.setState(StateDisconnected)
				s.emit(Event{Kind: EventDisconnected})
				return
			}
			select {
			case <-time.After(time.Duration(attempt) * s.opts.RetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.state = StateConnected
		desired := s.desired
		s.mu.Unlock()

		// the desired room is replayed exactly once per established
		// connection, regardless of how many dial attempts it took
		if desired != "" {
			_ = conn.WriteJSON(wsEnvelope{Type: "join", Token: desired})
		}

		s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		closed := s.closed
		s.mu.Unlock()
		_ = conn.Close()
		s.emit(Event{Kind: EventDisconnected})
		if closed {
			s.setState(StateDisconnected)
			return
		}
	}
}

func (s *Session) readLoop(conn Conn) {
	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		switch ev.Type {
		case "joined":
			s.mu.Lock()
			match := ev.Token == s.desired
			if match {
				s.state = StateJoined
			}
			s.mu.Unlock()
			if match {
				s.emit(Event{Kind: EventJoined, Token: ev.Token})
			}
		case "message.new":
			if ev.Message == nil {
				continue
			}
			s.mu.Lock()
			desired := s.desired
			s.mu.Unlock()
			// drop broadcasts racing in for a room we already left
			if ev.Message.Token != desired {
				continue
			}
			if s.view.Apply(*ev.Message) {
				s.emit(Event{Kind: EventNewMessage, Token: desired, Message: ev.Message})
			}
		}
	}
}

func (s *Session) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.opts.APIBaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("convo error %d: %s", resp.StatusCode, errResp.Error)
	}
	return respBody, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	handlers := make([]func(Event), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
