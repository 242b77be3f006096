package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/opuslink/pkg/transport"
	"github.com/MrWong99/opuslink/pkg/transport/memory"
)

func receive(t *testing.T, tr transport.Transport) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pkt, err := tr.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return pkt
}

func TestPair_BothDirections(t *testing.T) {
	t.Parallel()
	a, b := memory.NewPair()
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := receive(t, b); string(got) != "ping" {
		t.Errorf("b received %q, want ping", got)
	}
	if err := b.Send([]byte("pong")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := receive(t, a); string(got) != "pong" {
		t.Errorf("a received %q, want pong", got)
	}
}

func TestSend_CopiesPacket(t *testing.T) {
	t.Parallel()
	a, b := memory.NewPair()
	buf := []byte{1, 2, 3}
	_ = a.Send(buf)
	buf[0] = 9
	if got := receive(t, b); got[0] != 1 {
		t.Errorf("received %v, sender mutation leaked", got)
	}
}

func TestDropEvery(t *testing.T) {
	t.Parallel()
	a, b := memory.NewPair(memory.WithDropEvery(3))
	for i := range 9 {
		_ = a.Send([]byte{byte(i)})
	}
	if got := a.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
	want := []byte{0, 1, 3, 4, 6, 7}
	for _, w := range want {
		if got := receive(t, b); got[0] != w {
			t.Errorf("received %d, want %d", got[0], w)
		}
	}
}

func TestLoss_Reproducible(t *testing.T) {
	t.Parallel()
	run := func() uint64 {
		a, _ := memory.NewPair(memory.WithLoss(0.3, 42), memory.WithBuffer(1000))
		for range 500 {
			_ = a.Send([]byte{0})
		}
		return a.Dropped()
	}
	first, second := run(), run()
	if first != second {
		t.Errorf("same seed dropped %d then %d", first, second)
	}
	if first < 100 || first > 200 {
		t.Errorf("dropped %d of 500 at 30%% loss", first)
	}
}

func TestSend_FullBufferDrops(t *testing.T) {
	t.Parallel()
	a, _ := memory.NewPair(memory.WithBuffer(2))
	for range 5 {
		if err := a.Send([]byte{0}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if got := a.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	a, b := memory.NewPair()
	_ = a.Send([]byte("last"))
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := a.Send([]byte("x")); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}

	if got := receive(t, b); string(got) != "last" {
		t.Errorf("queued packet = %q, want last", got)
	}
	if _, err := b.Receive(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Receive after peer close = %v, want ErrClosed", err)
	}
}

func TestReceive_ContextCancel(t *testing.T) {
	t.Parallel()
	_, b := memory.NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive = %v, want DeadlineExceeded", err)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	a, b := memory.NewPair()
	_ = a.Send([]byte{1})
	_ = a.Send([]byte{2})
	receive(t, b)
	if st := a.Stats(); st.Sent != 2 {
		t.Errorf("a.Sent = %d, want 2", st.Sent)
	}
	if st := b.Stats(); st.Received != 1 {
		t.Errorf("b.Received = %d, want 1", st.Received)
	}
}
