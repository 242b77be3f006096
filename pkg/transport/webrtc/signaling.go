package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

// SignalPath is where [Server] accepts signaling sockets.
const SignalPath = "/signal"

const (
	msgOffer  = "offer"
	msgAnswer = "answer"
	msgError  = "error"

	// openTimeout bounds how long the accepting side waits for the data
	// channel after sending its answer.
	openTimeout = 15 * time.Second

	acceptBacklog = 4
)

// ErrRejected is returned by [Dial] when the remote refused the offer.
var ErrRejected = errors.New("webrtc: offer rejected")

// signalMessage is the single JSON frame type exchanged on the socket.
type signalMessage struct {
	Type      string                   `json:"type"`
	SessionID string                   `json:"session_id"`
	SDP       *pion.SessionDescription `json:"sdp,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg signalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readMessage(ctx context.Context, conn *websocket.Conn) (signalMessage, error) {
	var msg signalMessage
	_, data, err := conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode signal message: %w", err)
	}
	return msg, nil
}

// Dial connects to a [Server] at url (ws:// or wss://), negotiates a data
// channel and returns once it is open.
func Dial(ctx context.Context, url string, cfg Config) (*Peer, error) {
	p, err := newPeer(cfg, uuid.NewString())
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = p.Close()
		}
	}()

	ordered := false
	var maxRetransmits uint16
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, &pion.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return nil, fmt.Errorf("webrtc: create data channel: %w", err)
	}
	p.attach(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create offer: %w", err)
	}
	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, fmt.Errorf("webrtc: gathering candidates: %w", ctx.Err())
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("webrtc: dial signaling %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "negotiated")

	if err := writeMessage(ctx, conn, signalMessage{
		Type:      msgOffer,
		SessionID: p.id,
		SDP:       p.pc.LocalDescription(),
	}); err != nil {
		return nil, fmt.Errorf("webrtc: send offer: %w", err)
	}
	reply, err := readMessage(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("webrtc: read answer: %w", err)
	}
	switch {
	case reply.Type == msgError:
		return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	case reply.Type != msgAnswer || reply.SDP == nil:
		return nil, fmt.Errorf("webrtc: unexpected signal message %q", reply.Type)
	}
	if err := p.pc.SetRemoteDescription(*reply.SDP); err != nil {
		return nil, fmt.Errorf("webrtc: set remote description: %w", err)
	}

	if err := p.WaitOpen(ctx); err != nil {
		return nil, err
	}
	p.logger.Info("webrtc session established", "role", "offerer", "url", url)
	ok = true
	return p, nil
}

// Server accepts offers over WebSocket and hands out a [Peer] for each
// session whose data channel opens.
//
// Server is safe for concurrent use.
type Server struct {
	cfg    Config
	peers  chan *Peer
	logger *slog.Logger
}

// NewServer returns a signaling server that builds peers from cfg.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		peers:  make(chan *Peer, acceptBacklog),
		logger: slog.Default().With("component", "signaling"),
	}
}

// Register adds the signaling endpoint to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+SignalPath, s.handleSignal)
}

// Handler returns an http.Handler serving only the signaling endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Accept blocks until a session is established or ctx is done.
func (s *Server) Accept(ctx context.Context) (*Peer, error) {
	select {
	case p := <-s.peers:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "negotiated")

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	p, err := s.answer(ctx, conn)
	if err != nil {
		s.logger.Warn("signaling failed", "remote", r.RemoteAddr, "err", err)
		_ = writeMessage(ctx, conn, signalMessage{Type: msgError, Error: err.Error()})
		return
	}
	if err := p.WaitOpen(ctx); err != nil {
		s.logger.Warn("data channel never opened", "session_id", p.id, "err", err)
		_ = p.Close()
		return
	}

	select {
	case s.peers <- p:
		p.logger.Info("webrtc session established", "role", "answerer", "remote", r.RemoteAddr)
	default:
		s.logger.Warn("accept backlog full, dropping session", "session_id", p.id)
		_ = p.Close()
	}
}

// answer reads one offer and replies with a complete answer.
func (s *Server) answer(ctx context.Context, conn *websocket.Conn) (*Peer, error) {
	offer, err := readMessage(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("read offer: %w", err)
	}
	if offer.Type != msgOffer || offer.SDP == nil {
		return nil, fmt.Errorf("expected offer, got %q", offer.Type)
	}
	id := offer.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	p, err := newPeer(s.cfg, id)
	if err != nil {
		return nil, err
	}
	p.pc.OnDataChannel(p.attach)

	fail := func(format string, err error) (*Peer, error) {
		_ = p.Close()
		return nil, fmt.Errorf(format, err)
	}
	if err := p.pc.SetRemoteDescription(*offer.SDP); err != nil {
		return fail("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fail("create answer: %w", err)
	}
	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fail("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail("gathering candidates: %w", ctx.Err())
	}

	if err := writeMessage(ctx, conn, signalMessage{
		Type:      msgAnswer,
		SessionID: id,
		SDP:       p.pc.LocalDescription(),
	}); err != nil {
		return fail("send answer: %w", err)
	}
	return p, nil
}
