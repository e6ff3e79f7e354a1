// Package p2p implements the framed-TCP gossip transport PoAIP nodes use
// to exchange block proposals, votes and transactions (spec §4.8). It is
// grounded on the teacher's internal/p2p/{server,peer,message}.go: a
// length-prefixed gob wire format, a HELLO handshake, and callback-based
// dispatch to the rest of the node, with the application-layer pieces
// spec.md adds on top (per-message signatures, network id rejection,
// gossip ids with a TTL dedup cache, an explicit heartbeat).
package p2p

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poaip/poaipd/internal/metrics"
	"github.com/poaip/poaipd/internal/types"
)

// Sentinel errors.
var (
	ErrServerAlreadyRunning = errors.New("p2p: server already running")
	ErrInvalidConfig        = errors.New("p2p: invalid server configuration")
	ErrPeerCapacity         = errors.New("p2p: peer capacity reached")
	ErrNetworkMismatch      = errors.New("p2p: remote peer advertised a different network id")
	ErrBadSignature         = errors.New("p2p: message failed signature verification")
)

const (
	dialTimeout  = 5 * time.Second
	gossipTTL    = 2 * time.Minute
	helloTimeout = 5 * time.Second
)

// Config parameterizes one Server instance (spec §6 networking fields).
type Config struct {
	NetworkId         string
	SelfId            types.Address
	SelfPriv          *ecdsa.PrivateKey
	SelfRole          types.Role
	ListenAddr        string
	Bootstrap         []string
	MaxPeers          int
	LowWaterMark      int
	HeartbeatInterval time.Duration
}

// Server manages this node's peer connections: accepting inbound
// connections, dialing bootstrap and discovered peers, running the HELLO
// handshake, and gossiping proposals/votes/transactions to the rest of
// the connected set.
type Server struct {
	cfg   Config
	clock clock.Clock
	dedup *dedupCache
	log   *zap.SugaredLogger

	mu       sync.RWMutex
	peers    map[types.Address]*peer
	listener net.Listener

	// Callbacks invoked as messages arrive; nil callbacks are simply
	// skipped.
	OnPeerConnected    func(types.PeerEntry)
	OnPeerDisconnected func(types.Address)
	OnProposal         func(from types.Address, block *types.Block)
	OnVote             func(v *types.Vote)
	OnTransaction      func(tx *types.Transaction)
	OnBootstrapCommit  func(from types.Address, commit BootstrapCommitPayload)
	OnCommittedBlock   func(from types.Address, block *types.Block)
	OnSyncResponse     func(from types.Address, blocks []*types.Block, tipHeight types.Height)
	// OnPeerHeightUpdated fires whenever a heartbeat reports a peer's tip
	// height, including the first heartbeat after handshake; callers use
	// this to notice a peer pulling ahead between connection events.
	OnPeerHeightUpdated func(peerId types.Address, height types.Height)

	// HeightProvider reports this node's current chain tip height for the
	// HELLO handshake; nil is treated as height 0 (no chain yet).
	HeightProvider func() types.Height
	// BlocksSince answers an incoming sync request with committed blocks
	// starting at fromHeight; it may stop short of the local tip, since the
	// response also carries the tip height. nil means sync requests are
	// answered with no blocks.
	BlocksSince func(fromHeight types.Height) ([]*types.Block, error)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Server. clk may be clock.New() in production or
// clock.NewMock() in tests.
func New(cfg Config, clk clock.Clock, log *zap.SugaredLogger) (*Server, error) {
	if cfg.NetworkId == "" || cfg.SelfId == "" {
		return nil, fmt.Errorf("%w: network id and self id are required", ErrInvalidConfig)
	}
	if cfg.SelfPriv == nil {
		return nil, fmt.Errorf("%w: self private key is required to sign outgoing messages", ErrInvalidConfig)
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 32
	}
	if cfg.LowWaterMark <= 0 {
		cfg.LowWaterMark = cfg.MaxPeers / 4
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		cfg:   cfg,
		clock: clk,
		dedup: newDedupCache(cfg.MaxPeers, gossipTTL, clk),
		log:   log,
		peers: make(map[types.Address]*peer),
	}, nil
}

// Start opens the listener (if ListenAddr is set) and launches the
// accept, heartbeat and bootstrap-maintenance loops.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)

		if s.cfg.ListenAddr != "" {
			var ln net.Listener
			ln, err = net.Listen("tcp", s.cfg.ListenAddr)
			if err != nil {
				err = fmt.Errorf("p2p: listen on %s: %w", s.cfg.ListenAddr, err)
				return
			}
			s.listener = ln
			s.wg.Add(1)
			go s.acceptLoop()
		}

		s.wg.Add(1)
		go s.heartbeatLoop()
		s.wg.Add(1)
		go s.maintainLoop()
	})
	return err
}

// Stop closes the listener, tears down every peer connection, and waits
// for all background goroutines to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for _, p := range s.peers {
			p.close()
		}
		s.peers = make(map[types.Address]*peer)
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// Connect dials addr and runs the handshake as the initiating side.
func (s *Server) Connect(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("p2p: dial %s: %w", addr, err)
	}
	s.wg.Add(1)
	go s.handleConnection(conn, true)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if s.log != nil {
					s.log.Warnw("accept failed", "err", err)
				}
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn, false)
	}
}

func (s *Server) handleConnection(conn net.Conn, initiator bool) {
	defer s.wg.Done()

	p, err := s.handshake(conn, initiator)
	if err != nil {
		if s.log != nil {
			s.log.Warnw("handshake failed", "remote", conn.RemoteAddr(), "initiator", initiator, "err", err)
		}
		conn.Close()
		return
	}

	if !s.addPeer(p) {
		p.close()
		return
	}
	defer s.removePeer(p)

	s.wg.Add(1)
	go s.writeLoop(p)

	if s.OnPeerConnected != nil {
		s.OnPeerConnected(p.entry(s.cfg.NetworkId))
	}

	s.readLoop(p)
}

// handshake performs the HELLO exchange per spec §4.8: each side sends
// its HELLO first (order doesn't matter since both writes/reads happen
// independently), and a NetworkId mismatch aborts the connection.
func (s *Server) handshake(conn net.Conn, initiator bool) (*peer, error) {
	// The handshake deadline is real wall-clock time regardless of the
	// injectable clock used for round/heartbeat scheduling: a TCP
	// connection deadline is an OS-level concept a mock clock cannot
	// stand in for.
	conn.SetDeadline(time.Now().Add(helloTimeout))
	defer conn.SetDeadline(time.Time{})

	var ourHeight types.Height
	if s.HeightProvider != nil {
		ourHeight = s.HeightProvider()
	}
	ourHello := HelloPayload{
		NetworkId:  s.cfg.NetworkId,
		NodeId:     s.cfg.SelfId,
		Role:       s.cfg.SelfRole,
		ListenAddr: s.cfg.ListenAddr,
		Height:     ourHeight,
	}
	ourPayload, err := encode(ourHello)
	if err != nil {
		return nil, err
	}
	ourMsg := &Message{Type: MsgHello, SenderId: s.cfg.SelfId, Payload: ourPayload}
	if err := ourMsg.sign(s.cfg.SelfPriv); err != nil {
		return nil, err
	}

	var theirMsg *Message
	var sendErr, recvErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sendErr = writeFrame(conn, ourMsg) }()
	go func() { defer wg.Done(); theirMsg, recvErr = readFrame(conn) }()
	wg.Wait()
	if sendErr != nil {
		return nil, sendErr
	}
	if recvErr != nil {
		return nil, recvErr
	}
	if theirMsg.Type != MsgHello {
		return nil, fmt.Errorf("p2p: expected HELLO, got %s", theirMsg.Type)
	}

	var theirHello HelloPayload
	if err := decode(theirMsg.Payload, &theirHello); err != nil {
		return nil, err
	}
	if theirMsg.SenderId != theirHello.NodeId {
		return nil, fmt.Errorf("%w: HELLO sender id does not match advertised node id", ErrBadSignature)
	}
	if err := theirMsg.verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if theirHello.NetworkId != s.cfg.NetworkId {
		metrics.IncompatibleNetworkRejections.Inc()
		return nil, fmt.Errorf("%w: got %q, want %q", ErrNetworkMismatch, theirHello.NetworkId, s.cfg.NetworkId)
	}

	return newPeer(conn, theirHello.NodeId, theirHello.Role, theirHello.ListenAddr, initiator, theirHello.Height), nil
}

func (s *Server) addPeer(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) >= s.cfg.MaxPeers {
		return false
	}
	s.peers[p.id] = p
	metrics.ConnectedPeers.Set(float64(len(s.peers)))
	return true
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	_, existed := s.peers[p.id]
	delete(s.peers, p.id)
	metrics.ConnectedPeers.Set(float64(len(s.peers)))
	s.mu.Unlock()

	p.close()
	if existed && s.OnPeerDisconnected != nil {
		s.OnPeerDisconnected(p.id)
	}
}

func (s *Server) writeLoop(p *peer) {
	defer s.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case <-s.ctx.Done():
			return
		case m := <-p.outbox:
			if err := writeFrame(p.conn, m); err != nil {
				if s.log != nil {
					s.log.Warnw("write to peer failed", "peer", p.id, "err", err)
				}
				s.removePeer(p)
				return
			}
		}
	}
}

func (s *Server) readLoop(p *peer) {
	for {
		msg, err := readFrame(p.conn)
		if err != nil {
			return
		}
		// Heartbeat/peer-list messages originate at the immediate peer, so
		// their claimed sender must be that peer. Gossip messages
		// (proposals/votes/transactions) are forwarded on behalf of their
		// original signer, which is typically some other node entirely;
		// only the embedded signature is checked for those.
		directFromPeer := msg.Type == MsgHeartbeat || msg.Type == MsgPeerList
		if (directFromPeer && msg.SenderId != p.id) || msg.verify() != nil {
			if s.log != nil {
				s.log.Warnw("dropping peer for invalid message signature", "peer", p.id, "claimed_sender", msg.SenderId)
			}
			return
		}
		p.touch(s.clock.Now())
		s.handleMessage(p, msg)
	}
}

func (s *Server) handleMessage(p *peer, msg *Message) {
	switch msg.Type {
	case MsgHello:
		return
	case MsgHeartbeat:
		var hb HeartbeatPayload
		if err := decode(msg.Payload, &hb); err != nil {
			return
		}
		p.setRemoteHeight(hb.TipHeight)
		if s.OnPeerHeightUpdated != nil {
			s.OnPeerHeightUpdated(p.id, hb.TipHeight)
		}
		return
	case MsgPeerList:
		var list PeerListPayload
		if err := decode(msg.Payload, &list); err != nil {
			return
		}
		for _, addr := range list.Addresses {
			if addr == s.cfg.ListenAddr {
				continue
			}
			if s.PeerCount() >= s.cfg.MaxPeers {
				break
			}
			go func(addr string) {
				if err := s.Connect(addr); err != nil && s.log != nil {
					s.log.Debugw("peer-list-sourced connect failed", "addr", addr, "err", err)
				}
			}(addr)
		}
		return
	case MsgSyncRequest:
		var req SyncRequestPayload
		if err := decode(msg.Payload, &req); err != nil {
			return
		}
		var blocks []*types.Block
		if s.BlocksSince != nil {
			var err error
			blocks, err = s.BlocksSince(req.FromHeight)
			if err != nil {
				if s.log != nil {
					s.log.Warnw("failed to answer sync request", "peer", p.id, "from_height", req.FromHeight, "err", err)
				}
				return
			}
		}
		var tip types.Height
		if s.HeightProvider != nil {
			tip = s.HeightProvider()
		}
		payload, err := encode(SyncResponsePayload{Blocks: blocks, TipHeight: tip})
		if err != nil {
			return
		}
		resp := &Message{Type: MsgSyncResponse, SenderId: s.cfg.SelfId, Payload: payload}
		if err := resp.sign(s.cfg.SelfPriv); err != nil {
			return
		}
		p.enqueue(resp)
		return
	case MsgSyncResponse:
		var resp SyncResponsePayload
		if err := decode(msg.Payload, &resp); err != nil {
			return
		}
		if s.OnSyncResponse != nil {
			s.OnSyncResponse(msg.SenderId, resp.Blocks, resp.TipHeight)
		}
		return
	case MsgGossipProposal:
		if s.dedup.seen(msg.GossipId) {
			metrics.GossipDuplicatesDropped.Inc()
			return
		}
		block, err := types.DeserializeBlock(msg.Payload)
		if err != nil {
			return
		}
		if s.OnProposal != nil {
			s.OnProposal(msg.SenderId, block)
		}
		s.rebroadcast(msg, p)
	case MsgGossipVote:
		if s.dedup.seen(msg.GossipId) {
			metrics.GossipDuplicatesDropped.Inc()
			return
		}
		vote, err := types.DeserializeVote(msg.Payload)
		if err != nil {
			return
		}
		if s.OnVote != nil {
			s.OnVote(vote)
		}
		s.rebroadcast(msg, p)
	case MsgGossipTransaction:
		if s.dedup.seen(msg.GossipId) {
			metrics.GossipDuplicatesDropped.Inc()
			return
		}
		tx, err := types.DeserializeTransaction(msg.Payload)
		if err != nil {
			return
		}
		if s.OnTransaction != nil {
			s.OnTransaction(tx)
		}
		s.rebroadcast(msg, p)
	case MsgGossipBootstrapCommit:
		if s.dedup.seen(msg.GossipId) {
			metrics.GossipDuplicatesDropped.Inc()
			return
		}
		var commit BootstrapCommitPayload
		if err := decode(msg.Payload, &commit); err != nil {
			return
		}
		if s.OnBootstrapCommit != nil {
			s.OnBootstrapCommit(msg.SenderId, commit)
		}
		s.rebroadcast(msg, p)
	case MsgGossipCommittedBlock:
		if s.dedup.seen(msg.GossipId) {
			metrics.GossipDuplicatesDropped.Inc()
			return
		}
		var payload CommittedBlockPayload
		if err := decode(msg.Payload, &payload); err != nil {
			return
		}
		if s.OnCommittedBlock != nil {
			s.OnCommittedBlock(msg.SenderId, payload.Block)
		}
		s.rebroadcast(msg, p)
	}
}

// rebroadcast forwards an already-dedup-marked gossip message to every
// peer except the one it arrived from, implementing flood propagation.
func (s *Server) rebroadcast(msg *Message, from *peer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, p := range s.peers {
		if id == from.id {
			continue
		}
		p.enqueue(msg)
	}
}

func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.broadcastHeartbeat()
			s.broadcastPeerList()
			s.evictStalePeers()
		}
	}
}

func (s *Server) broadcastHeartbeat() {
	var tip types.Height
	if s.HeightProvider != nil {
		tip = s.HeightProvider()
	}
	payload, err := encode(HeartbeatPayload{TipHeight: tip})
	if err != nil {
		return
	}
	msg := &Message{Type: MsgHeartbeat, SenderId: s.cfg.SelfId, Payload: payload}
	if err := msg.sign(s.cfg.SelfPriv); err != nil {
		if s.log != nil {
			s.log.Warnw("failed to sign heartbeat", "err", err)
		}
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		p.enqueue(msg)
	}
}

// broadcastPeerList shares every currently connected address with every
// peer, the local-gossip discovery path alongside the external
// directory's roster-based discovery (spec §4.8 PeerExchange).
func (s *Server) broadcastPeerList() {
	s.mu.RLock()
	addrs := make([]string, 0, len(s.peers))
	for _, p := range s.peers {
		if p.listenAddr != "" {
			addrs = append(addrs, p.listenAddr)
		}
	}
	s.mu.RUnlock()
	if len(addrs) == 0 {
		return
	}
	payload, err := encode(PeerListPayload{Addresses: addrs})
	if err != nil {
		return
	}
	msg := &Message{Type: MsgPeerList, SenderId: s.cfg.SelfId, Payload: payload}
	if err := msg.sign(s.cfg.SelfPriv); err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		p.enqueue(msg)
	}
}

// evictStalePeers disconnects peers that have gone quiet for several
// heartbeat periods (liveness check per spec §4.8).
func (s *Server) evictStalePeers() {
	deadline := 4 * s.cfg.HeartbeatInterval
	now := s.clock.Now()

	s.mu.RLock()
	var stale []*peer
	for _, p := range s.peers {
		if p.idleSince(now) > deadline {
			stale = append(stale, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range stale {
		s.removePeer(p)
	}
}

// maintainLoop periodically dials bootstrap addresses while the
// connected set is below LowWaterMark (spec §4.8 reconnect behavior).
func (s *Server) maintainLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.PeerCount() >= s.cfg.LowWaterMark {
				continue
			}
			for _, addr := range s.cfg.Bootstrap {
				if s.PeerCount() >= s.cfg.LowWaterMark {
					break
				}
				if err := s.Connect(addr); err != nil && s.log != nil {
					s.log.Debugw("reconnect attempt failed", "addr", addr, "err", err)
				}
			}
		}
	}
}

// PeerCount returns the number of currently connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Peers returns a snapshot of every connected peer's directory entry.
func (s *Server) Peers() []types.PeerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.PeerEntry, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.entry(s.cfg.NetworkId))
	}
	return out
}

// ActiveAINodeIds returns the ids of currently connected AINode peers,
// satisfying internal/consensus.PeerRoster.
func (s *Server) ActiveAINodeIds() []types.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Address, 0, len(s.peers))
	for id, p := range s.peers {
		if p.role == types.RoleAINode {
			out = append(out, id)
		}
	}
	return out
}

func newGossipId() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// BroadcastProposal satisfies internal/producer.Broadcaster.
func (s *Server) BroadcastProposal(block *types.Block) error {
	payload, err := block.Serialize()
	if err != nil {
		return fmt.Errorf("p2p: serialize block: %w", err)
	}
	return s.broadcast(MsgGossipProposal, payload)
}

// BroadcastVote satisfies internal/consensus.Network.
func (s *Server) BroadcastVote(v *types.Vote) error {
	payload, err := v.Serialize()
	if err != nil {
		return fmt.Errorf("p2p: serialize vote: %w", err)
	}
	return s.broadcast(MsgGossipVote, payload)
}

// BroadcastTransaction gossips a locally submitted transaction.
func (s *Server) BroadcastTransaction(tx *types.Transaction) error {
	payload, err := tx.Serialize()
	if err != nil {
		return fmt.Errorf("p2p: serialize transaction: %w", err)
	}
	return s.broadcast(MsgGossipTransaction, payload)
}

// BroadcastBootstrapCommit gossips this node's proposed genesis
// parameters while the network is still forming (spec §4.5).
func (s *Server) BroadcastBootstrapCommit(commit BootstrapCommitPayload) error {
	payload, err := encode(commit)
	if err != nil {
		return fmt.Errorf("p2p: encode bootstrap commit: %w", err)
	}
	return s.broadcast(MsgGossipBootstrapCommit, payload)
}

// BroadcastCommittedBlock gossips a block this node just saw committed,
// giving a peer that missed the proposal/vote round a way to adopt it
// directly instead of relying solely on pull-based catch-up sync.
func (s *Server) BroadcastCommittedBlock(block *types.Block) error {
	payload, err := encode(CommittedBlockPayload{Block: block})
	if err != nil {
		return fmt.Errorf("p2p: encode committed block: %w", err)
	}
	return s.broadcast(MsgGossipCommittedBlock, payload)
}

// RequestSync asks peerId directly (not gossiped) for every committed
// block from fromHeight onward, used to catch a node up after it
// discovers a connected peer is ahead of its own chain tip.
func (s *Server) RequestSync(peerId types.Address, fromHeight types.Height) error {
	s.mu.RLock()
	p, ok := s.peers[peerId]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("p2p: no connected peer %s", peerId)
	}
	payload, err := encode(SyncRequestPayload{FromHeight: fromHeight})
	if err != nil {
		return fmt.Errorf("p2p: encode sync request: %w", err)
	}
	msg := &Message{Type: MsgSyncRequest, SenderId: s.cfg.SelfId, Payload: payload}
	if err := msg.sign(s.cfg.SelfPriv); err != nil {
		return fmt.Errorf("p2p: sign sync request: %w", err)
	}
	return p.enqueue(msg)
}

func (s *Server) broadcast(t MessageType, payload []byte) error {
	gossipId := newGossipId()
	s.dedup.seen(gossipId)
	msg := &Message{Type: t, GossipId: gossipId, SenderId: s.cfg.SelfId, Payload: payload}
	if err := msg.sign(s.cfg.SelfPriv); err != nil {
		return fmt.Errorf("p2p: sign message: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		p.enqueue(msg)
	}
	return nil
}
