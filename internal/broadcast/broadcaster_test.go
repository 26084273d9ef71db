package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openrobobrain/orb/pkg/protocol"
)

func startBroadcaster(t *testing.T, cfg Config) (*Broadcaster, string) {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	b := New(cfg)
	if err := b.Bind(); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b, b.Addr()
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	url := "ws://" + addr + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return m
}

func testCmd(id string) *protocol.Command {
	return &protocol.Command{
		CommandID:   id,
		CommandType: protocol.CmdNavigate,
		Parameters:  map[string]any{"target": "kitchen"},
		Priority:    protocol.PriorityNormal,
		SourceAgent: "main",
		CreatedAt:   time.Now(),
	}
}

func TestWelcomeFrameOnConnect(t *testing.T) {
	_, addr := startBroadcaster(t, Config{})

	conn := dialWS(t, addr)
	frame := readFrame(t, conn)
	if frame["type"] != protocol.FrameWelcome {
		t.Fatalf("first frame type = %v, want %s", frame["type"], protocol.FrameWelcome)
	}
	if frame["server_id"] == "" || frame["server_id"] == nil {
		t.Fatal("welcome frame missing server_id")
	}
	if seq, _ := frame["seq"].(float64); seq < 1 {
		t.Fatalf("welcome seq = %v, want >= 1", frame["seq"])
	}
}

func TestBroadcastReachesAllClientsInSeqOrder(t *testing.T) {
	b, addr := startBroadcaster(t, Config{})

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dialWS(t, addr)
		readFrame(t, conns[i]) // welcome
	}

	const n = 5
	for i := 0; i < n; i++ {
		if sent := b.BroadcastCommand(testCmd(fmt.Sprintf("cmd-%d", i))); sent != len(conns) {
			t.Fatalf("BroadcastCommand sent to %d clients, want %d", sent, len(conns))
		}
	}

	var firstSeqs []uint64
	for ci, conn := range conns {
		var seqs []uint64
		last := uint64(0)
		for i := 0; i < n; i++ {
			frame := readFrame(t, conn)
			if frame["type"] != protocol.FrameBrainCommand {
				t.Fatalf("client %d frame %d type = %v, want %s",
					ci, i, frame["type"], protocol.FrameBrainCommand)
			}
			cmd, _ := frame["command"].(map[string]any)
			if got := cmd["command_id"]; got != fmt.Sprintf("cmd-%d", i) {
				t.Fatalf("client %d frame %d command_id = %v, want cmd-%d", ci, i, got, i)
			}
			seq := uint64(frame["seq"].(float64))
			if seq <= last {
				t.Fatalf("client %d saw seq %d after %d, want strictly increasing", ci, seq, last)
			}
			last = seq
			seqs = append(seqs, seq)
		}
		if ci == 0 {
			firstSeqs = seqs
			continue
		}
		for i := range seqs {
			if seqs[i] != firstSeqs[i] {
				t.Fatalf("client %d seq[%d] = %d, client 0 saw %d", ci, i, seqs[i], firstSeqs[i])
			}
		}
	}
}

func TestFailedSubscriberIsDropped(t *testing.T) {
	b, addr := startBroadcaster(t, Config{})

	good := dialWS(t, addr)
	readFrame(t, good)
	bad := dialWS(t, addr)
	readFrame(t, bad)
	bad.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().Clients != 1 && time.Now().Before(deadline) {
		b.BroadcastCommand(testCmd("cmd-drop"))
		time.Sleep(10 * time.Millisecond)
	}
	if got := b.Stats().Clients; got != 1 {
		t.Fatalf("Clients = %d, want 1 after peer close", got)
	}

	frame := readFrame(t, good)
	if frame["type"] != protocol.FrameBrainCommand {
		t.Fatalf("surviving client got %v, want %s", frame["type"], protocol.FrameBrainCommand)
	}
}

func TestMaxClientsRejected(t *testing.T) {
	_, addr := startBroadcaster(t, Config{MaxClients: 1})

	conn := dialWS(t, addr)
	readFrame(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err == nil {
		t.Fatal("second subscriber accepted beyond MaxClients")
	}
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
		}
	}
}

func TestBroadcastStatusFrame(t *testing.T) {
	b, addr := startBroadcaster(t, Config{})

	conn := dialWS(t, addr)
	readFrame(t, conn)

	b.BroadcastStatus(map[string]any{"uptime_seconds": 12})
	frame := readFrame(t, conn)
	if frame["type"] != protocol.FrameSystemStatus {
		t.Fatalf("frame type = %v, want %s", frame["type"], protocol.FrameSystemStatus)
	}
	status, _ := frame["status"].(map[string]any)
	if status["uptime_seconds"] != float64(12) {
		t.Fatalf("status = %v, want uptime_seconds 12", status)
	}
}

func TestStatsCounters(t *testing.T) {
	b, addr := startBroadcaster(t, Config{})

	for i := 0; i < 2; i++ {
		conn := dialWS(t, addr)
		readFrame(t, conn)
	}
	for i := 0; i < 3; i++ {
		b.BroadcastCommand(testCmd(fmt.Sprintf("cmd-%d", i)))
	}

	st := b.Stats()
	if st.Clients != 2 {
		t.Fatalf("Clients = %d, want 2", st.Clients)
	}
	// 2 welcomes + 3 commands
	if st.Seq != 5 {
		t.Fatalf("Seq = %d, want 5", st.Seq)
	}
	// each command reached both clients
	if st.TotalMessages != 2+3*2 {
		t.Fatalf("TotalMessages = %d, want 8", st.TotalMessages)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, addr := startBroadcaster(t, Config{})

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q, want ok", body.Status)
	}
}

// reservePortRun holds three consecutive ports so the fallback walk is
// deterministic.
func reservePortRun(t *testing.T) (int, []net.Listener) {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		ln0, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		base := ln0.Addr().(*net.TCPAddr).Port
		if base+2 > 65535 {
			ln0.Close()
			continue
		}
		ln1, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+1))
		if err != nil {
			ln0.Close()
			continue
		}
		ln2, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+2))
		if err != nil {
			ln0.Close()
			ln1.Close()
			continue
		}
		lns := []net.Listener{ln0, ln1, ln2}
		t.Cleanup(func() {
			for _, ln := range lns {
				ln.Close()
			}
		})
		return base, lns
	}
	t.Skip("no consecutive port run available")
	return 0, nil
}

func TestBindFallsBackToNextPort(t *testing.T) {
	base, lns := reservePortRun(t)
	lns[1].Close() // free base+1, keep base and base+2 occupied

	b := New(Config{Host: "127.0.0.1", Port: base})
	if err := b.Bind(); err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { b.listener.Close() })

	_, portStr, err := net.SplitHostPort(b.Addr())
	if err != nil {
		t.Fatalf("split addr %q: %v", b.Addr(), err)
	}
	if portStr != strconv.Itoa(base+1) {
		t.Fatalf("bound port %s, want %d", portStr, base+1)
	}
}

func TestBindExhaustsPorts(t *testing.T) {
	base, _ := reservePortRun(t)

	b := New(Config{Host: "127.0.0.1", Port: base})
	err := b.Bind()
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Fatalf("err = %v, want %v", err, ErrNoPortAvailable)
	}
}
