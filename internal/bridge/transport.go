package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Wire frame types on the controller link.
const (
	frameAction        = "action"
	frameActionStatus  = "action_status"
	frameEmergencyStop = "emergency_stop"
)

// ActionStatus is one status report from the controller for a
// published action.
type ActionStatus struct {
	CommandID string `json:"command_id"`
	Seq       int    `json:"seq"`
	Name      string `json:"name,omitempty"`
	Status    Status `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// StatusFunc receives controller status reports.
type StatusFunc func(st ActionStatus)

// Transport delivers actions to the motion controller. Status reports
// flow back through the StatusFunc the transport was built with.
type Transport interface {
	Publish(ctx context.Context, action Action) error
	PublishStop(ctx context.Context) error
	Close() error
}

type actionFrame struct {
	Type   string  `json:"type"`
	Action *Action `json:"action,omitempty"`
}

type statusFrame struct {
	Type   string       `json:"type"`
	Status ActionStatus `json:"status"`
}

// WSTransport speaks JSON frames over a WebSocket to the controller and
// runs a background read loop for status reports.
type WSTransport struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	writeMu sync.Mutex
}

// DialWS connects to the controller and starts the status read loop.
func DialWS(ctx context.Context, url string, onStatus StatusFunc) (*WSTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("dial controller %s: %w", url, err)
	}
	readCtx, cancel := context.WithCancel(context.Background())
	t := &WSTransport{
		conn:   conn,
		logger: slog.Default().With("component", "bridge.ws"),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.readLoop(readCtx, onStatus)
	return t, nil
}

func (t *WSTransport) Publish(ctx context.Context, action Action) error {
	return t.write(ctx, actionFrame{Type: frameAction, Action: &action})
}

func (t *WSTransport) PublishStop(ctx context.Context) error {
	return t.write(ctx, actionFrame{Type: frameEmergencyStop})
}

func (t *WSTransport) write(ctx context.Context, frame actionFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

// Close stops the read loop and closes the connection.
func (t *WSTransport) Close() error {
	t.cancel()
	_ = t.conn.CloseNow()
	<-t.done
	return nil
}

func (t *WSTransport) readLoop(ctx context.Context, onStatus StatusFunc) {
	defer close(t.done)
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("controller read loop ended", "error", err)
			}
			return
		}
		var frame statusFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != frameActionStatus {
			continue // not a status report
		}
		if onStatus != nil {
			onStatus(frame.Status)
		}
	}
}

// MockTransport records published actions and immediately acknowledges
// each one. Tests can mark action names as failing.
type MockTransport struct {
	mu       sync.Mutex
	actions  []Action
	failures map[string]string // action name -> failure detail
	stops    int
	onStatus StatusFunc
}

// NewMockTransport builds a mock whose acks flow through onStatus.
func NewMockTransport(onStatus StatusFunc) *MockTransport {
	return &MockTransport{
		failures: make(map[string]string),
		onStatus: onStatus,
	}
}

// FailAction makes future publishes of the named action ack with ERROR.
func (m *MockTransport) FailAction(name, detail string) {
	m.mu.Lock()
	m.failures[name] = detail
	m.mu.Unlock()
}

func (m *MockTransport) Publish(_ context.Context, action Action) error {
	m.mu.Lock()
	m.actions = append(m.actions, action)
	detail, failed := m.failures[action.Name]
	onStatus := m.onStatus
	m.mu.Unlock()

	if onStatus == nil {
		return nil
	}
	st := ActionStatus{
		CommandID: action.CommandID,
		Seq:       action.Seq,
		Name:      action.Name,
		Status:    StatusCompleted,
	}
	if failed {
		st.Status = StatusError
		st.Detail = detail
	}
	onStatus(st)
	return nil
}

func (m *MockTransport) PublishStop(context.Context) error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) Close() error { return nil }

// Actions returns a snapshot of everything published.
func (m *MockTransport) Actions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Action(nil), m.actions...)
}

// Stops returns how many emergency stops were published.
func (m *MockTransport) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}
