package p2p

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/poaip/poaipd/internal/types"
)

// ErrPeerClosed is returned by send once a peer's connection has been
// torn down.
var ErrPeerClosed = errors.New("p2p: peer connection closed")

// peer is one handshaked remote connection. Reads happen on a dedicated
// goroutine (readLoop); writes are funneled through outbox so a slow
// remote reader never blocks whichever goroutine wants to send (mirrors
// the teacher's per-peer net.Conn ownership in internal/p2p/peer.go,
// generalized with a bounded outbox instead of a direct blocking write).
type peer struct {
	conn       net.Conn
	id         types.Address
	role       types.Role
	listenAddr string
	isInitiator bool

	mu           sync.RWMutex
	lastSeen     time.Time
	remoteHeight types.Height

	outbox chan *Message
	closed chan struct{}
	once   sync.Once
}

func newPeer(conn net.Conn, id types.Address, role types.Role, listenAddr string, initiator bool, height types.Height) *peer {
	return &peer{
		conn:         conn,
		id:           id,
		role:         role,
		listenAddr:   listenAddr,
		isInitiator:  initiator,
		lastSeen:     time.Now(),
		remoteHeight: height,
		outbox:       make(chan *Message, 64),
		closed:       make(chan struct{}),
	}
}

func (p *peer) remoteAddr() string { return p.conn.RemoteAddr().String() }

func (p *peer) touch(now time.Time) {
	p.mu.Lock()
	p.lastSeen = now
	p.mu.Unlock()
}

func (p *peer) idleSince(now time.Time) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return now.Sub(p.lastSeen)
}

// setRemoteHeight records the peer's self-reported tip height from its
// most recent heartbeat, refreshing the value captured once at handshake
// time.
func (p *peer) setRemoteHeight(h types.Height) {
	p.mu.Lock()
	p.remoteHeight = h
	p.mu.Unlock()
}

// enqueue hands m to the peer's write loop without blocking the caller.
// If the outbox is full, m is dropped and ErrPeerClosed is returned; the
// peer itself is left connected.
func (p *peer) enqueue(m *Message) error {
	select {
	case p.outbox <- m:
		return nil
	case <-p.closed:
		return ErrPeerClosed
	default:
		return ErrPeerClosed
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

func (p *peer) entry(networkId string) types.PeerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return types.PeerEntry{
		NodeId:    p.id,
		Address:   p.remoteAddr(),
		NetworkId: networkId,
		Role:      p.role,
		LastSeen:  types.Timestamp(p.lastSeen.UnixMilli()),
		State:     types.ConnConnected,
		Height:    p.remoteHeight,
	}
}
