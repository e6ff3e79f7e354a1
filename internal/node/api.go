package node

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poaip/poaipd/internal/ledger"
	"github.com/poaip/poaipd/internal/mempool"
	"github.com/poaip/poaipd/internal/types"
)

// buildAPIServer assembles the wallet/API HTTP surface of spec §6, using
// the same http.Server timeout configuration as
// tolelom-tolchain/rpc/server.go.
func (n *Node) buildAPIServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /balance/{address}", n.handleBalance)
	mux.HandleFunc("GET /block/height/{height}", n.handleBlockByHeight)
	mux.HandleFunc("GET /block/hash/{hash}", n.handleBlockByHash)
	mux.HandleFunc("GET /tx/{id}", n.handleTxById)
	mux.HandleFunc("POST /tx", n.handleSubmitTx)
	mux.HandleFunc("POST /tx/burn", n.handleSubmitBurn)
	mux.HandleFunc("GET /halving", n.handleHalving)
	mux.HandleFunc("GET /reputation/{address}", n.handleReputation)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/blocks", n.handleWS)

	return &http.Server{
		Addr:              n.cfg.APIAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (n *Node) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := types.Address(r.PathValue("address"))
	balance := n.ledger.BalanceOf(addr)
	n.writeJSON(w, http.StatusOK, balanceResponse{Address: string(addr), Balance: balance.String()})
}

func (n *Node) handleBlockByHeight(w http.ResponseWriter, r *http.Request) {
	h, err := strconv.ParseUint(r.PathValue("height"), 10, 64)
	if err != nil {
		n.writeError(w, http.StatusBadRequest, "invalid height")
		return
	}
	blk, err := n.ledger.BlockAt(types.Height(h))
	n.respondWithBlock(w, blk, err)
}

func (n *Node) handleBlockByHash(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(r.PathValue("hash"))
	if err != nil {
		n.writeError(w, http.StatusBadRequest, "invalid hash encoding")
		return
	}
	hash, err := types.HashFromBytes(raw)
	if err != nil {
		n.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	blk, err := n.ledger.BlockByHash(hash)
	n.respondWithBlock(w, blk, err)
}

func (n *Node) respondWithBlock(w http.ResponseWriter, blk *types.Block, err error) {
	if errors.Is(err, ledger.ErrNotFound) {
		n.writeError(w, http.StatusNotFound, "block not found")
		return
	}
	if err != nil {
		n.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp, err := newBlockResponse(blk)
	if err != nil {
		n.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n.writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleTxById(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(r.PathValue("id"))
	if err != nil {
		n.writeError(w, http.StatusBadRequest, "invalid transaction id encoding")
		return
	}
	id, err := types.HashFromBytes(raw)
	if err != nil {
		n.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	height, err := n.ledger.TxLocation(id)
	if errors.Is(err, ledger.ErrNotFound) {
		n.writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		n.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	blk, err := n.ledger.BlockAt(height)
	if err != nil {
		n.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, tx := range blk.Transactions {
		txId, err := tx.Id()
		if err != nil || txId != id {
			continue
		}
		tip := n.ledger.Tip()
		n.writeJSON(w, http.StatusOK, txLookupResponse{
			Transaction:       newTransactionView(tx, txId),
			Height:            uint64(height),
			ConfirmationDepth: uint64(tip.Height-height) + 1,
		})
		return
	}
	n.writeError(w, http.StatusNotFound, "transaction not found")
}

func (n *Node) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	n.submitTransaction(w, r, types.TagTransfer)
}

func (n *Node) handleSubmitBurn(w http.ResponseWriter, r *http.Request) {
	tip := n.ledger.Tip()
	if !n.hal.BurnScheduleComplete(tip.Height + 1) {
		n.writeError(w, http.StatusConflict, "voluntary burn is not yet enabled: burn schedule still active")
		return
	}
	n.submitTransaction(w, r, types.TagVoluntaryBurn)
}

func (n *Node) submitTransaction(w http.ResponseWriter, r *http.Request, tag types.TxTag) {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		n.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := req.toTransaction(tag)
	if err != nil {
		n.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome := n.admitTransaction(tx, false)
	if outcome != mempool.Accepted {
		n.writeJSON(w, http.StatusUnprocessableEntity, transactionResponse{Outcome: outcome.String()})
		return
	}
	id, _ := tx.Id()
	n.writeJSON(w, http.StatusAccepted, transactionResponse{Id: id.String(), Outcome: outcome.String()})
}

func (n *Node) handleHalving(w http.ResponseWriter, r *http.Request) {
	reward, split, elapsed := n.hal.CurrentState()
	n.writeJSON(w, http.StatusOK, halvingResponse{
		Reward:          reward.String(),
		Burn:            split.Burn.String(),
		Maintenance:     split.Maintenance.String(),
		Liquidity:       split.Liquidity.String(),
		HalvingsElapsed: elapsed,
	})
}

func (n *Node) handleReputation(w http.ResponseWriter, r *http.Request) {
	addr := types.Address(r.PathValue("address"))
	asOf := n.ledger.Tip().Timestamp
	if asOf == 0 {
		asOf = types.Timestamp(time.Now().UnixMilli())
	}
	n.writeJSON(w, http.StatusOK, reputationResponse{
		Address:            string(addr),
		EffectiveScore:     n.rep.EffectiveScore(addr, asOf),
		PriorityMultiplier: n.rep.PriorityMultiplier(addr, asOf),
	})
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams every newly committed block to the caller as JSON
// text frames until the connection closes (spec §6 push feed).
func (n *Node) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.Warnw("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := n.hub.subscribe(conn)
	defer n.hub.unsubscribe(conn)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case payload := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (n *Node) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		n.log.Warnw("failed to write json response", "err", err)
	}
}

func (n *Node) writeError(w http.ResponseWriter, status int, msg string) {
	n.writeJSON(w, status, errorResponse{Error: msg})
}

type errorResponse struct {
	Error string `json:"error"`
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type transactionView struct {
	Id        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
	Nonce     uint64 `json:"nonce"`
	Timestamp uint64 `json:"timestamp"`
	Tag       string `json:"tag"`
}

func newTransactionView(tx *types.Transaction, id types.Hash) transactionView {
	return transactionView{
		Id:        id.String(),
		Sender:    string(tx.Sender),
		Recipient: string(tx.Recipient),
		Amount:    tx.Amount.String(),
		Fee:       tx.Fee.String(),
		Nonce:     tx.Nonce,
		Timestamp: uint64(tx.Timestamp),
		Tag:       tx.Tag.String(),
	}
}

type blockResponse struct {
	Height       uint64            `json:"height"`
	Id           string            `json:"id"`
	ParentHash   string            `json:"parent_hash"`
	ProposerId   string            `json:"proposer_id"`
	Timestamp    uint64            `json:"timestamp"`
	MerkleRoot   string            `json:"merkle_root"`
	Transactions []transactionView `json:"transactions"`
}

func newBlockResponse(blk *types.Block) (blockResponse, error) {
	id, err := blk.Id()
	if err != nil {
		return blockResponse{}, err
	}
	txs := make([]transactionView, 0, len(blk.Transactions))
	for _, tx := range blk.Transactions {
		txId, err := tx.Id()
		if err != nil {
			return blockResponse{}, err
		}
		txs = append(txs, newTransactionView(tx, txId))
	}
	return blockResponse{
		Height:       uint64(blk.Height),
		Id:           id.String(),
		ParentHash:   blk.ParentHash.String(),
		ProposerId:   string(blk.ProposerId),
		Timestamp:    uint64(blk.Timestamp),
		MerkleRoot:   blk.MerkleRoot.String(),
		Transactions: txs,
	}, nil
}

type txLookupResponse struct {
	Transaction       transactionView `json:"transaction"`
	Height            uint64          `json:"height"`
	ConfirmationDepth uint64          `json:"confirmation_depth"`
}

type transactionRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Memo      string `json:"memo"`
	Signature string `json:"signature"`
}

func (r transactionRequest) toTransaction(tag types.TxTag) (*types.Transaction, error) {
	amount, err := types.NewAmountFromString(r.Amount)
	if err != nil {
		return nil, err
	}
	fee, err := types.NewAmountFromString(r.Fee)
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return nil, err
	}
	return &types.Transaction{
		Sender:    types.Address(r.Sender),
		Recipient: types.Address(r.Recipient),
		Amount:    amount,
		Fee:       fee,
		Nonce:     r.Nonce,
		Timestamp: types.Timestamp(r.Timestamp),
		Memo:      []byte(r.Memo),
		Tag:       tag,
		Signature: types.Signature(sig),
	}, nil
}

type transactionResponse struct {
	Id      string `json:"id,omitempty"`
	Outcome string `json:"outcome"`
}

type halvingResponse struct {
	Reward          string `json:"reward"`
	Burn            string `json:"burn"`
	Maintenance     string `json:"maintenance"`
	Liquidity       string `json:"liquidity"`
	HalvingsElapsed uint64 `json:"halvings_elapsed"`
}

type reputationResponse struct {
	Address            string  `json:"address"`
	EffectiveScore     float64 `json:"effective_score"`
	PriorityMultiplier float64 `json:"priority_multiplier"`
}

// blockHub fans out newly committed blocks to every subscribed websocket
// connection, dropping a slow reader's update rather than blocking the
// commit path.
type blockHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func newBlockHub() *blockHub {
	return &blockHub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *blockHub) subscribe(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *blockHub) unsubscribe(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *blockHub) publish(block *types.Block) {
	resp, err := newBlockResponse(block)
	if err != nil {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}
