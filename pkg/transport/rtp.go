package transport

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/pion/rtp"

	"github.com/MrWong99/opuslink/pkg/audio"
)

// PayloadTypeOpus is the dynamic RTP payload type used for Opus.
const PayloadTypeOpus = 111

// ErrNotRTP is returned by [Depacketize] for datagrams that are not RTP v2.
var ErrNotRTP = errors.New("transport: not an RTP packet")

// Packetizer wraps encoded frames in RTP headers. The sequence number
// advances by one and the timestamp by one frame (960 ticks of the 48 kHz
// clock) per packet. Owned by the sender; not safe for concurrent use.
type Packetizer struct {
	header rtp.Header
	seq    rtp.Sequencer
	buf    []byte
	first  bool
}

// NewPacketizer returns a packetizer for the stream identified by ssrc. A
// zero ssrc picks a random one.
func NewPacketizer(ssrc uint32) *Packetizer {
	if ssrc == 0 {
		ssrc = rand.Uint32() | 1
	}
	return &Packetizer{
		header: rtp.Header{
			Version:     2,
			PayloadType: PayloadTypeOpus,
			SSRC:        ssrc,
			Timestamp:   rand.Uint32(),
		},
		seq:   rtp.NewRandomSequencer(),
		buf:   make([]byte, MTU),
		first: true,
	}
}

// SSRC returns the stream identifier.
func (p *Packetizer) SSRC() uint32 { return p.header.SSRC }

// Packetize returns payload framed as the next RTP packet. The result is
// only valid until the next call.
func (p *Packetizer) Packetize(payload []byte) ([]byte, error) {
	p.header.SequenceNumber = p.seq.NextSequenceNumber()
	p.header.Marker = p.first
	pkt := rtp.Packet{Header: p.header, Payload: payload}
	if size := pkt.MarshalSize(); size > len(p.buf) {
		return nil, fmt.Errorf("transport: packet of %d bytes exceeds MTU", size)
	}
	n, err := pkt.MarshalTo(p.buf)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal rtp: %w", err)
	}
	p.first = false
	p.header.Timestamp += audio.SamplesPerChannel
	return p.buf[:n], nil
}

// Depacketize parses buf into pkt. pkt.Payload aliases buf.
func Depacketize(buf []byte, pkt *rtp.Packet) error {
	if len(buf) < 12 || buf[0]>>6 != 2 {
		return ErrNotRTP
	}
	if err := pkt.Unmarshal(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrNotRTP, err)
	}
	return nil
}
