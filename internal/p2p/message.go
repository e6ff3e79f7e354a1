package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/poaip/poaipd/internal/crypto"
	"github.com/poaip/poaipd/internal/types"
)

// Sentinel errors for message framing and decoding, grounded on the
// teacher's internal/p2p/message.go error set.
var (
	ErrMessageSerialization   = errors.New("p2p: failed to serialize message")
	ErrMessageDeserialization = errors.New("p2p: failed to deserialize message")
	ErrPayloadDecoding        = errors.New("p2p: failed to decode payload")
	ErrFrameTooLarge          = errors.New("p2p: frame exceeds maximum message size")
	ErrMessageUnsigned        = errors.New("p2p: message carries no signature")
)

// maxFrameBytes bounds a single incoming frame so a misbehaving or
// corrupt peer cannot force an unbounded allocation.
const maxFrameBytes = 16 << 20

// MessageType identifies the payload carried by a Message.
type MessageType byte

const (
	MsgHello MessageType = iota
	MsgHelloAck
	MsgHeartbeat
	MsgPeerList
	MsgGossipProposal
	MsgGossipVote
	MsgGossipTransaction
	MsgGossipBootstrapCommit
	MsgGossipCommittedBlock
	MsgSyncRequest
	MsgSyncResponse
)

func (mt MessageType) String() string {
	switch mt {
	case MsgHello:
		return "HELLO"
	case MsgHelloAck:
		return "HELLO_ACK"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgPeerList:
		return "PEER_LIST"
	case MsgGossipProposal:
		return "GOSSIP_PROPOSAL"
	case MsgGossipVote:
		return "GOSSIP_VOTE"
	case MsgGossipTransaction:
		return "GOSSIP_TRANSACTION"
	case MsgGossipBootstrapCommit:
		return "GOSSIP_BOOTSTRAP_COMMIT"
	case MsgGossipCommittedBlock:
		return "GOSSIP_COMMITTED_BLOCK"
	case MsgSyncRequest:
		return "SYNC_REQUEST"
	case MsgSyncResponse:
		return "SYNC_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", mt)
	}
}

// Message is the framed unit exchanged between peers. GossipId is empty
// for handshake/heartbeat/peer-list messages and a fresh UUIDv7 for every
// message subject to dedup (proposals, votes, transactions). Signature
// covers every other field and is verified against SenderId on receipt,
// so a peer can never forward a message under an identity it doesn't
// hold the key for (spec: "every message is signed by the sender's node
// key; signatures are verified on receipt before dispatch").
type Message struct {
	Type     MessageType
	GossipId string
	SenderId types.Address
	Payload  []byte

	Signature types.Signature
}

type messageHashable struct {
	Type     MessageType
	GossipId string
	SenderId types.Address
	Payload  []byte
}

func (m *Message) canonicalBytes() ([]byte, error) {
	return encode(messageHashable{Type: m.Type, GossipId: m.GossipId, SenderId: m.SenderId, Payload: m.Payload})
}

// sign sets m.Signature over its canonical bytes using priv. priv must
// correspond to m.SenderId.
func (m *Message) sign(priv *ecdsa.PrivateKey) error {
	b, err := m.canonicalBytes()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(priv, b)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// verify checks m.Signature against the public key embedded in
// m.SenderId.
func (m *Message) verify() error {
	if len(m.Signature) == 0 {
		return ErrMessageUnsigned
	}
	b, err := m.canonicalBytes()
	if err != nil {
		return err
	}
	return crypto.Verify(m.SenderId, b, m.Signature)
}

// HelloPayload is exchanged first on every connection. A NetworkId
// mismatch is a protocol-level rejection (spec §4.8, P8).
type HelloPayload struct {
	NetworkId  string
	NodeId     types.Address
	Role       types.Role
	ListenAddr string
	Height     types.Height
}

// PeerListPayload shares addresses the sender knows about, for discovery.
type PeerListPayload struct {
	Addresses []string
}

// HeartbeatPayload carries the sender's current chain tip height, so an
// already-connected peer's height is kept fresh between handshakes
// (spec §4.8: "Heartbeat (periodic, carries tip height)").
type HeartbeatPayload struct {
	TipHeight types.Height
}

// CommittedBlockPayload gossips a block this node just saw committed, so
// a peer that missed the proposal/vote round for this height can adopt
// it directly rather than waiting to notice it's behind (spec §4.8;
// spec.md's block-propagation path referenced by spec §4.6's "a voter
// that misses the proposal observes the committed block later via the
// standard block propagation path").
type CommittedBlockPayload struct {
	Block *types.Block
}

// SyncRequestPayload asks the receiving peer for every committed block
// from FromHeight up to its own tip, sent directly to one peer (never
// gossiped or deduplicated) when a freshly connected peer turns out to
// be ahead of the local chain.
type SyncRequestPayload struct {
	FromHeight types.Height
}

// SyncResponsePayload answers a SyncRequestPayload with a contiguous run
// of blocks starting at the request's FromHeight (possibly empty, if the
// requester was already caught up by the time this was handled) and the
// responder's chain tip height, so the requester knows whether another
// round of requests is needed.
type SyncResponsePayload struct {
	Blocks    []*types.Block
	TipHeight types.Height
}

// BootstrapCommitPayload carries one pioneer's proposed genesis
// parameters, gossiped while a fresh network is still forming (spec
// §4.5). It mirrors internal/bootstrap.Commit field-for-field; kept as
// its own type here so this package never needs to import
// internal/bootstrap.
type BootstrapCommitPayload struct {
	PioneerId         types.Address
	SystemAddresses   [4]types.Address
	InitialLiquidity  types.Amount
	ProposedTimestamp types.Timestamp
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecoding, err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadDecoding, err)
	}
	return nil
}

// serializeMessage gob-encodes a Message for framed transport.
func serializeMessage(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageSerialization, err)
	}
	return buf.Bytes(), nil
}

// deserializeMessage is the inverse of serializeMessage.
func deserializeMessage(data []byte) (*Message, error) {
	var m Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageDeserialization, err)
	}
	return &m, nil
}

// writeFrame writes a length-prefixed message to w: 4-byte big-endian
// length, then the gob-encoded Message (grounded on the teacher's
// internal/p2p/server.go sendMessage framing).
func writeFrame(w io.Writer, m *Message) error {
	data, err := serializeMessage(m)
	if err != nil {
		return err
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("p2p: write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("p2p: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed message from r.
func readFrame(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > maxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return deserializeMessage(data)
}
