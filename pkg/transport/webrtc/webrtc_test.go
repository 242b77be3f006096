package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/opuslink/pkg/transport"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

var loopback = Config{IncludeLoopback: true}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + SignalPath
}

// connectPair negotiates a session through a test signaling server and
// returns the dialing and accepting peers.
func connectPair(t *testing.T) (offerer, answerer *Peer) {
	t.Helper()
	server := NewServer(loopback)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	offerer, err := Dial(ctx, wsURL(srv), loopback)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })

	answerer, err = server.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })
	return offerer, answerer
}

func receive(t *testing.T, p *Peer) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pkt, err := p.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return pkt
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestSession_ExchangesPackets(t *testing.T) {
	offerer, answerer := connectPair(t)

	if offerer.ID() != answerer.ID() {
		t.Errorf("session ids differ: %q vs %q", offerer.ID(), answerer.ID())
	}

	if err := offerer.Send([]byte("from offerer")); err != nil {
		t.Fatalf("offerer Send: %v", err)
	}
	if got := receive(t, answerer); string(got) != "from offerer" {
		t.Errorf("answerer received %q", got)
	}

	// The answerer's channel may report open slightly after the offerer's.
	if err := answerer.WaitOpen(context.Background()); err != nil {
		t.Fatalf("WaitOpen: %v", err)
	}
	if err := answerer.Send([]byte("from answerer")); err != nil {
		t.Fatalf("answerer Send: %v", err)
	}
	if got := receive(t, offerer); string(got) != "from answerer" {
		t.Errorf("offerer received %q", got)
	}

	if st := offerer.Stats(); st.Sent != 1 || st.Received != 1 {
		t.Errorf("offerer stats = %+v", st)
	}
}

func TestPeer_CloseEndsReceive(t *testing.T) {
	offerer, _ := connectPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := offerer.Receive(context.Background())
		errCh <- err
	}()
	if err := offerer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("Receive = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
	if err := offerer.Send([]byte{1}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestPeer_SendBeforeOpen(t *testing.T) {
	p, err := newPeer(Config{}, "test")
	if err != nil {
		t.Fatalf("newPeer: %v", err)
	}
	defer p.Close()

	if err := p.Send([]byte{1}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send = %v, want ErrNotOpen", err)
	}
	if got := p.Stats().SendErrs; got != 1 {
		t.Errorf("SendErrs = %d, want 1", got)
	}
}

func TestServer_RejectsNonOffer(t *testing.T) {
	srv := httptest.NewServer(NewServer(loopback).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	data, _ := json.Marshal(signalMessage{Type: "hello"})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var reply signalMessage
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if reply.Type != msgError || reply.Error == "" {
		t.Errorf("reply = %+v, want error message", reply)
	}
}

func TestServer_AcceptHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := NewServer(loopback).Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Accept = %v, want DeadlineExceeded", err)
	}
}

func TestDial_BadURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/signal", loopback); err == nil {
		t.Error("expected error dialing a closed port")
	}
}
