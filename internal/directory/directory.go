// Package directory implements the external peer-directory collaborator
// (spec §6): a coordinator service the P2P layer pulls a signed roster
// from when its connected peer set falls below the low-water mark, and
// registers this node's own descriptor with.
//
// No teacher component calls a directory like this directly (the
// teacher's equivalent, internal/engine/oracle_client.go, depends on a
// generated gRPC stub absent from this tree), so the transport is
// grounded instead on tolelom-tolchain/rpc/server.go's stdlib
// net/http + encoding/json request/response shape, used here from the
// client side.
package directory

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/poaip/poaipd/internal/crypto"
	"github.com/poaip/poaipd/internal/types"
)

// ErrSignatureInvalid is returned when a roster response's signature
// does not verify against the coordinator's well-known public key.
var ErrSignatureInvalid = errors.New("directory: roster signature invalid")

// RosterEntry is one peer the coordinator knows about.
type RosterEntry struct {
	NodeId    types.Address `json:"node_id"`
	Address   string        `json:"address"`
	NetworkId string        `json:"network_id"`
	Role      types.Role    `json:"role"`
	LastSeen  types.Timestamp `json:"last_seen"`
	Distance  float64       `json:"distance"`
}

// NodeDescriptor is what this node registers with the coordinator.
type NodeDescriptor struct {
	NodeId     types.Address `json:"node_id"`
	Address    string        `json:"address"`
	NetworkId  string        `json:"network_id"`
	Role       types.Role    `json:"role"`
}

// PeerDirectory is the interface the P2P layer's maintenance loop pulls
// fresh peers from. Implementations must verify the coordinator's
// signature before returning a roster.
type PeerDirectory interface {
	GetRoster(ctx context.Context, localLocation string) ([]RosterEntry, error)
	Register(ctx context.Context, descriptor NodeDescriptor) (bool, error)
}

type rosterResponse struct {
	Entries   []RosterEntry   `json:"entries"`
	Signature types.Signature `json:"signature"`
}

type registerResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (r rosterResponse) canonicalBytes() ([]byte, error) {
	return json.Marshal(r.Entries)
}

// HTTPClient is the reference PeerDirectory implementation: plain JSON
// over HTTP, matching the teacher pack's stdlib rpc style rather than
// the teacher's own (unreachable) gRPC oracle client.
type HTTPClient struct {
	baseURL        string
	coordinatorKey *ecdsa.PublicKey
	http           *http.Client
}

// NewHTTPClient builds a client against baseURL, verifying every roster
// response against coordinatorKey.
func NewHTTPClient(baseURL string, coordinatorKey *ecdsa.PublicKey) *HTTPClient {
	return &HTTPClient{
		baseURL:        baseURL,
		coordinatorKey: coordinatorKey,
		http:           &http.Client{Timeout: 10 * time.Second},
	}
}

// GetRoster fetches and verifies the current peer roster.
func (c *HTTPClient) GetRoster(ctx context.Context, localLocation string) ([]RosterEntry, error) {
	url := fmt.Sprintf("%s/get_roster?location=%s", c.baseURL, localLocation)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: get_roster request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: get_roster returned status %d", resp.StatusCode)
	}

	var body rosterResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("directory: decode roster response: %w", err)
	}

	canonical, err := body.canonicalBytes()
	if err != nil {
		return nil, err
	}
	if err := crypto.VerifyWithKey(c.coordinatorKey, canonical, body.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return body.Entries, nil
}

// Register submits this node's descriptor to the coordinator.
func (c *HTTPClient) Register(ctx context.Context, descriptor NodeDescriptor) (bool, error) {
	payload, err := json.Marshal(descriptor)
	if err != nil {
		return false, err
	}
	url := c.baseURL + "/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("directory: register request: %w", err)
	}
	defer resp.Body.Close()

	var body registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("directory: decode register response: %w", err)
	}
	if !body.Accepted {
		return false, fmt.Errorf("directory: registration rejected: %s", body.Reason)
	}
	return true, nil
}
