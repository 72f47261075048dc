package bridge

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-control-bridge/host/internal/config"
	"github.com/remote-control-bridge/host/internal/db"
	"github.com/remote-control-bridge/host/internal/model"
	"github.com/remote-control-bridge/host/internal/repository"
)

// echoExecutor answers every tool with its payload, except tools listed in
// fail, which raise a typed command error.
type echoExecutor struct {
	fail map[string]bool
}

func (e *echoExecutor) Execute(tool string, payload map[string]any) (map[string]any, error) {
	if e.fail[tool] {
		return nil, &model.CommandError{Tool: tool, Message: "tool blew up"}
	}
	return map[string]any{"tool": tool, "echo": payload}, nil
}

// panicExecutor panics for every command; the gateway must absorb it.
type panicExecutor struct{}

func (panicExecutor) Execute(string, map[string]any) (map[string]any, error) {
	panic("executor went off the rails")
}

func testSettings() config.Settings {
	return config.Settings{
		Host:              "127.0.0.1",
		Port:              0,
		Path:              "/bridge",
		PushInterval:      50 * time.Millisecond,
		HeartbeatInterval: 10 * time.Second,
		Token:             "shared-token",
	}
}

func newTestService(t *testing.T, exec Executor, states *repository.StateRepository) *Service {
	t.Helper()

	svc := NewService(testSettings(), exec, states, func() map[string]any {
		return map[string]any{"scene": "main"}
	})
	t.Cleanup(func() {
		svc.Disconnect()
		svc.Tick()
	})
	return svc
}

// waitState ticks the service until it reaches the wanted state.
func waitState(t *testing.T, svc *Service, want model.ConnectionState) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		svc.Tick()
		if svc.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (stuck at %s)", want, svc.State())
}

// dialClient connects a real WebSocket client to the running listener and
// ticks the bridge until the socket is registered.
func dialClient(t *testing.T, svc *Service) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://%s%s", svc.Addr(), svc.settings.Path)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial bridge: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	waitState(t, svc, model.StateConnected)
	return conn
}

// startReader pumps every envelope the client receives into a channel, so
// tests can tick the bridge on this goroutine while reads proceed.
func startReader(conn *websocket.Conn) <-chan model.Envelope {
	out := make(chan model.Envelope, 64)
	go func() {
		defer close(out)
		for {
			var env model.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			out <- env
		}
	}()
	return out
}

// collect ticks the service while gathering n envelopes of the given type.
func collect(t *testing.T, svc *Service, in <-chan model.Envelope, msgType model.MessageType, n int) []model.Envelope {
	t.Helper()

	var got []model.Envelope
	deadline := time.After(3 * time.Second)
	for len(got) < n {
		svc.Tick()
		select {
		case env, ok := <-in:
			if !ok {
				t.Fatalf("connection closed after %d of %d %s envelopes", len(got), n, msgType)
			}
			if env.Type == msgType {
				got = append(got, env)
			}
		case <-deadline:
			t.Fatalf("timed out after %d of %d %s envelopes", len(got), n, msgType)
		case <-time.After(2 * time.Millisecond):
		}
	}
	return got
}

func TestHelloIsFirstMessage(t *testing.T) {
	svc := newTestService(t, &echoExecutor{}, nil)
	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	conn := dialClient(t, svc)
	in := startReader(conn)

	select {
	case env := <-in:
		if env.Type != model.MessageTypeHello {
			t.Fatalf("first message: got %q, want hello", env.Type)
		}
		if env.SessionID != svc.SessionID() {
			t.Errorf("hello session id %q != bridge session id %q", env.SessionID, svc.SessionID())
		}
		if env.Token != "shared-token" {
			t.Errorf("hello token: got %q", env.Token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no hello received")
	}
}

func TestSessionIDStableAcrossClientChurn(t *testing.T) {
	svc := newTestService(t, &echoExecutor{}, nil)
	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	id := svc.SessionID()
	if id == "" {
		t.Fatal("no session id after connect")
	}

	conn := dialClient(t, svc)
	conn.Close()
	waitState(t, svc, model.StateConnecting)

	if svc.SessionID() != id {
		t.Error("session id must survive a client detach; it is per listener lifetime")
	}

	dialClient(t, svc)
	if svc.SessionID() != id {
		t.Error("session id changed on re-attach")
	}
}

func TestCommandsYieldMatchingResults(t *testing.T) {
	exec := &echoExecutor{fail: map[string]bool{"broken.tool": true}}
	svc := newTestService(t, exec, nil)
	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	conn := dialClient(t, svc)
	in := startReader(conn)

	const n = 6
	sent := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		tool := "host.echo"
		if i%2 == 1 {
			tool = "broken.tool"
		}
		id := fmt.Sprintf("cmd-%d", i)
		sent[id] = true
		err := conn.WriteJSON(model.Envelope{
			Type:      model.MessageTypeCommand,
			CommandID: id,
			ToolName:  tool,
			Payload:   map[string]any{"i": i},
		})
		if err != nil {
			t.Fatalf("failed to send command: %v", err)
		}
	}

	results := collect(t, svc, in, model.MessageTypeCommandResult, n)

	for _, env := range results {
		if !sent[env.CommandID] {
			t.Errorf("result for unknown command %q", env.CommandID)
		}
		delete(sent, env.CommandID)

		if env.Success == nil {
			t.Errorf("result %s has no success flag", env.CommandID)
			continue
		}
		if *env.Success && env.Error != "" {
			t.Errorf("successful result %s carries error %q", env.CommandID, env.Error)
		}
		if !*env.Success && env.Error == "" {
			t.Errorf("failed result %s has no error message", env.CommandID)
		}
	}
	if len(sent) != 0 {
		t.Errorf("commands without results: %v", sent)
	}
}

func TestPanickingExecutorDoesNotKillConnection(t *testing.T) {
	svc := newTestService(t, panicExecutor{}, nil)
	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	conn := dialClient(t, svc)
	in := startReader(conn)

	err := conn.WriteJSON(model.Envelope{
		Type:      model.MessageTypeCommand,
		CommandID: "boom",
		ToolName:  "any",
	})
	if err != nil {
		t.Fatalf("failed to send command: %v", err)
	}

	results := collect(t, svc, in, model.MessageTypeCommandResult, 1)
	if results[0].Success == nil || *results[0].Success {
		t.Error("panicking executor must yield a failed result")
	}
	if svc.State() != model.StateConnected {
		t.Errorf("connection state after panic: %s", svc.State())
	}
}

func TestHeartbeatPacing(t *testing.T) {
	svc := newTestService(t, &echoExecutor{}, nil)
	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	dialClient(t, svc)

	base := time.Now()
	svc.tick(base) // stamps the heartbeat clock on the first connected tick

	for _, step := range []time.Duration{time.Second, 5 * time.Second, 9 * time.Second} {
		svc.tick(base.Add(step))
	}
	if svc.heartbeatsSent != 0 {
		t.Fatalf("heartbeat sent before the interval elapsed: %d", svc.heartbeatsSent)
	}

	svc.tick(base.Add(10 * time.Second))
	if svc.heartbeatsSent != 1 {
		t.Fatalf("expected exactly one heartbeat, got %d", svc.heartbeatsSent)
	}

	// The next heartbeat is paced from the previous one, never closer
	// together than the interval.
	svc.tick(base.Add(15 * time.Second))
	if svc.heartbeatsSent != 1 {
		t.Fatalf("heartbeats too close together: %d", svc.heartbeatsSent)
	}
	svc.tick(base.Add(20 * time.Second))
	if svc.heartbeatsSent != 2 {
		t.Fatalf("expected two heartbeats over 20s, got %d", svc.heartbeatsSent)
	}
}

func TestContextPushThrottleAndPushNow(t *testing.T) {
	svc := newTestService(t, &echoExecutor{}, nil)
	svc.settings.PushInterval = 10 * time.Second
	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	conn := dialClient(t, svc)
	in := startReader(conn)

	// Registration marks context dirty; the first push is not throttled.
	pushes := collect(t, svc, in, model.MessageTypeContextUpdate, 1)
	if pushes[0].Payload["scene"] != "main" {
		t.Errorf("context payload: %+v", pushes[0].Payload)
	}

	base := time.Now()
	svc.MarkContextDirty()
	svc.tick(base.Add(time.Second))
	svc.tick(base.Add(2 * time.Second))
	if !svc.contextDirty {
		t.Fatal("push went out before the interval elapsed")
	}

	// An immediate push request bypasses the throttle exactly once.
	svc.PushContextNow()
	svc.tick(base.Add(3 * time.Second))
	if svc.contextDirty {
		t.Fatal("push-now did not bypass the throttle")
	}

	svc.MarkContextDirty()
	svc.tick(base.Add(4 * time.Second))
	if !svc.contextDirty {
		t.Error("push-now bypass must apply exactly once")
	}
}

func TestSecondClientReplacesFirst(t *testing.T) {
	svc := newTestService(t, &echoExecutor{}, nil)
	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	first := dialClient(t, svc)
	firstIn := startReader(first)
	<-firstIn // hello

	second := dialClient(t, svc)
	secondIn := startReader(second)

	// The first socket is closed before the second becomes the active
	// session; its reader channel must end.
	deadline := time.After(3 * time.Second)
	replaced := false
	for !replaced {
		svc.Tick()
		select {
		case _, ok := <-firstIn:
			if !ok {
				replaced = true
			}
		case <-deadline:
			t.Fatal("first client still open after replacement")
		case <-time.After(2 * time.Millisecond):
		}
	}

	select {
	case env := <-secondIn:
		if env.Type != model.MessageTypeHello {
			t.Errorf("second client's first message: %q", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second client got no hello")
	}

	if svc.State() != model.StateConnected {
		t.Errorf("state after replacement: %s", svc.State())
	}
}

func TestPeerCloseDemotesToConnecting(t *testing.T) {
	svc := newTestService(t, &echoExecutor{}, nil)
	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	conn := dialClient(t, svc)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()

	waitState(t, svc, model.StateConnecting)
	if !svc.acceptor.Listening() {
		t.Error("listener must keep running after a client detach")
	}
}

func TestDisconnectStopsEverything(t *testing.T) {
	svc := newTestService(t, &echoExecutor{}, nil)
	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	dialClient(t, svc)

	svc.Disconnect()
	svc.Tick()

	if svc.State() != model.StateDisconnected {
		t.Errorf("state after disconnect: %s", svc.State())
	}
	if svc.acceptor.Listening() {
		t.Error("listener still running after disconnect")
	}
	if svc.SessionID() != "" {
		t.Error("session id must be cleared on disconnect")
	}
}

func TestReconnectAfterDisconnectStaysUp(t *testing.T) {
	svc := newTestService(t, &echoExecutor{}, nil)

	// Tight disconnect/reconnect cycles must not let a retired accept
	// loop report a failure against the fresh listener.
	for i := 0; i < 20; i++ {
		if err := svc.Connect(); err != nil {
			t.Fatalf("cycle %d: connect failed: %v", i, err)
		}
		svc.Disconnect()
		if err := svc.Connect(); err != nil {
			t.Fatalf("cycle %d: reconnect failed: %v", i, err)
		}
		svc.Disconnect()
	}

	if err := svc.Connect(); err != nil {
		t.Fatalf("final connect failed: %v", err)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		svc.Tick()
		if svc.State() != model.StateConnecting {
			t.Fatalf("bridge demoted to %s while listener healthy", svc.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	dialClient(t, svc)
	if svc.State() != model.StateConnected {
		t.Errorf("client could not attach after reconnect cycles: %s", svc.State())
	}
}

func TestConnectIdempotent(t *testing.T) {
	svc := newTestService(t, &echoExecutor{}, nil)
	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	id := svc.SessionID()

	if err := svc.Connect(); err != nil {
		t.Fatalf("repeated connect must be a no-op, got %v", err)
	}
	if svc.SessionID() != id {
		t.Error("repeated connect regenerated the session id")
	}
}

func TestStateListenersRunOnTransitions(t *testing.T) {
	svc := newTestService(t, &echoExecutor{}, nil)

	var transitions []string
	svc.OnStateChanged(func(old, new model.ConnectionState) {
		transitions = append(transitions, fmt.Sprintf("%s->%s", old, new))
	})

	svc.Connect()
	dialClient(t, svc)
	svc.Disconnect()
	svc.Tick()

	want := []string{
		"disconnected->connecting",
		"connecting->connected",
		"connected->disconnected",
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions: %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: got %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestReloadRoundTripReconnects(t *testing.T) {
	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	defer database.Close()
	states := repository.NewStateRepository(database)
	ctx := context.Background()

	svc := newTestService(t, &echoExecutor{}, states)
	// Auto-connect stays off: the reload flag alone must drive reconnect.
	if svc.settings.AutoConnect {
		t.Fatal("test requires auto-connect disabled")
	}

	if err := svc.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	dialClient(t, svc)

	svc.WillReload(ctx)
	pending, err := states.ReloadPending(ctx)
	if err != nil || !pending {
		t.Fatalf("reload flag not persisted (pending=%v, err=%v)", pending, err)
	}

	// The host discards all in-memory state: the old service is gone and a
	// fresh one comes up with empty memory.
	svc.Disconnect()
	svc.Tick()

	fresh := newTestService(t, &echoExecutor{}, states)
	fresh.DidReload(ctx)

	if fresh.State() != model.StateConnecting {
		t.Errorf("state after resume: %s, want connecting", fresh.State())
	}
	if !fresh.acceptor.Listening() {
		t.Error("listener not restarted after reload")
	}

	pending, err = states.ReloadPending(ctx)
	if err != nil {
		t.Fatalf("failed to read flag: %v", err)
	}
	if pending {
		t.Error("reload flag must be consumed on resume")
	}
}

func TestDidReloadWithoutFlagHonorsAutoConnect(t *testing.T) {
	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	defer database.Close()
	states := repository.NewStateRepository(database)
	ctx := context.Background()

	svc := newTestService(t, &echoExecutor{}, states)
	svc.DidReload(ctx)
	if svc.State() != model.StateDisconnected {
		t.Errorf("no flag, no auto-connect: state %s", svc.State())
	}

	auto := newTestService(t, &echoExecutor{}, states)
	auto.settings.AutoConnect = true
	auto.DidReload(ctx)
	if auto.State() != model.StateConnecting {
		t.Errorf("auto-connect enabled: state %s", auto.State())
	}
}

func TestWillReloadSkipsWhenDisconnected(t *testing.T) {
	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	defer database.Close()
	states := repository.NewStateRepository(database)
	ctx := context.Background()

	svc := newTestService(t, &echoExecutor{}, states)
	svc.WillReload(ctx)

	pending, err := states.ReloadPending(ctx)
	if err != nil {
		t.Fatalf("failed to read flag: %v", err)
	}
	if pending {
		t.Error("disconnected bridge must not persist a reload flag")
	}
}

func TestBindFailureLeavesDisconnected(t *testing.T) {
	first := newTestService(t, &echoExecutor{}, nil)
	if err := first.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	settings := testSettings()
	settings.Port = first.Addr().(*net.TCPAddr).Port
	blocked := NewService(settings, nil, nil, nil)
	t.Cleanup(func() {
		blocked.Disconnect()
		blocked.Tick()
	})

	if err := blocked.Connect(); err == nil {
		t.Fatal("expected bind failure on occupied port")
	}
	if blocked.State() != model.StateDisconnected {
		t.Errorf("state after bind failure: %s", blocked.State())
	}
	if blocked.SessionID() != "" {
		t.Error("session id must not survive a failed connect")
	}
}
