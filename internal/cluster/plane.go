// Package cluster implements the dedicated Edge-to-Edge UDP voice plane.
// Frames carry already-rewritten voice payloads; the plane never decrypts
// and never retransmits.
package cluster

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

// Frame is one cross-edge voice packet.
type Frame struct {
	SenderEdge    string
	SenderSession uint32
	TargetID      byte
	Payload       []byte
}

const (
	// maxFrameSize bounds a datagram: voice payloads top out near the
	// Mumble UDP MTU, the header adds a few dozen bytes.
	maxFrameSize = 2048
	// frameHeaderMin is edge-id length byte + session + target.
	frameHeaderMin = 1 + 4 + 1
)

var errFrameTruncated = errors.New("cluster: voice frame truncated")

// Marshal renders the frame: len(edge_id):u8 | edge_id | session:u32be |
// target:u8 | payload.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.SenderEdge) > 255 {
		return nil, fmt.Errorf("cluster: edge id %q too long", f.SenderEdge)
	}
	buf := make([]byte, 0, frameHeaderMin+len(f.SenderEdge)+len(f.Payload))
	buf = append(buf, byte(len(f.SenderEdge)))
	buf = append(buf, f.SenderEdge...)
	buf = binary.BigEndian.AppendUint32(buf, f.SenderSession)
	buf = append(buf, f.TargetID)
	return append(buf, f.Payload...), nil
}

// UnmarshalFrame parses a datagram into a Frame. The payload is copied.
func UnmarshalFrame(data []byte) (*Frame, error) {
	if len(data) < frameHeaderMin {
		return nil, errFrameTruncated
	}
	idLen := int(data[0])
	if len(data) < 1+idLen+5 {
		return nil, errFrameTruncated
	}
	f := &Frame{
		SenderEdge:    string(data[1 : 1+idLen]),
		SenderSession: binary.BigEndian.Uint32(data[1+idLen : 5+idLen]),
		TargetID:      data[5+idLen],
	}
	f.Payload = append([]byte(nil), data[6+idLen:]...)
	return f, nil
}

// Handler consumes a received frame.
type Handler func(*Frame)

// Plane is one edge's endpoint on the voice plane: a UDP socket plus the
// peer registry fed by peerJoined/peerLeft notifications.
type Plane struct {
	conn *net.UDPConn
	log  *slog.Logger

	mu    sync.RWMutex
	peers map[string]*net.UDPAddr
}

// Listen binds the voice-plane socket.
func Listen(addr string, log *slog.Logger) (*Plane, error) {
	if log == nil {
		log = slog.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: listen %s: %w", addr, err)
	}
	return &Plane{
		conn:  conn,
		log:   log,
		peers: make(map[string]*net.UDPAddr),
	}, nil
}

// AddPeer registers or refreshes a peer edge's voice endpoint.
func (p *Plane) AddPeer(info core.EdgeInfo) {
	addr, err := net.ResolveUDPAddr("udp",
		net.JoinHostPort(info.Host, fmt.Sprintf("%d", info.VoicePort)))
	if err != nil {
		p.log.Warn("unresolvable peer voice endpoint", "edge", info.EdgeID, "error", err)
		return
	}
	p.mu.Lock()
	p.peers[info.EdgeID] = addr
	p.mu.Unlock()
}

// RemovePeer drops a peer edge.
func (p *Plane) RemovePeer(edgeID string) {
	p.mu.Lock()
	delete(p.peers, edgeID)
	p.mu.Unlock()
}

// Peers lists the known peer edge ids.
func (p *Plane) Peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.peers))
	for id := range p.peers {
		out = append(out, id)
	}
	return out
}

// Send forwards a frame to a peer edge. Unknown peers and send failures are
// dropped; voice tolerates loss.
func (p *Plane) Send(edgeID string, f *Frame) error {
	p.mu.RLock()
	addr := p.peers[edgeID]
	p.mu.RUnlock()
	if addr == nil {
		return fmt.Errorf("cluster: unknown peer edge %q", edgeID)
	}
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	_, err = p.conn.WriteToUDP(data, addr)
	return err
}

// Run reads frames and hands them to h until ctx is canceled. Malformed
// datagrams are counted at debug and dropped.
func (p *Plane) Run(ctx context.Context, h Handler) {
	go func() {
		<-ctx.Done()
		p.conn.Close()
	}()
	buf := make([]byte, maxFrameSize)
	for {
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Debug("voice plane read failed", "error", err)
			continue
		}
		frame, err := UnmarshalFrame(buf[:n])
		if err != nil {
			p.log.Debug("malformed voice frame", "from", addr, "error", err)
			continue
		}
		h(frame)
	}
}

// LocalAddr returns the bound socket address.
func (p *Plane) LocalAddr() net.Addr { return p.conn.LocalAddr() }

// Close releases the socket.
func (p *Plane) Close() error { return p.conn.Close() }
