package sync

import (
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/officialnico/openliquid/pkg/hotstuff"
	"github.com/officialnico/openliquid/pkg/storage"
	"github.com/officialnico/openliquid/pkg/util"
)

var (
	ErrSyncInProgress  = errors.New("sync already in progress")
	ErrInvalidResponse = errors.New("invalid sync response")
	ErrTimeout         = errors.New("timeout waiting for blocks")
	ErrNoPeers         = errors.New("no peers available")
)

// Config bounds the catch-up protocol. MaxConcurrentRequests is reserved for
// future widening; single-flight is enforced regardless.
type Config struct {
	MaxBlocksPerRequest   uint64
	RequestTimeout        time.Duration
	SyncCheckInterval     time.Duration
	MaxConcurrentRequests int
}

func DefaultConfig() Config {
	return Config{
		MaxBlocksPerRequest:   100,
		RequestTimeout:        10 * time.Second,
		SyncCheckInterval:     5 * time.Second,
		MaxConcurrentRequests: 3,
	}
}

type pendingRequest struct {
	requestID  uint64
	fromHeight uint64
	toHeight   uint64
	startedAt  time.Time
}

// Manager runs the single-flight window-based catch-up: at most one
// outstanding block-window request per replica, strict in-order validation of
// responses, and clock-based reaping of expired requests.
type Manager struct {
	store  *storage.Store
	config Config
	clock  util.Clock

	mu            stdsync.Mutex
	pending       map[uint64]pendingRequest
	nextRequestID uint64
	syncing       bool

	Logger *zap.SugaredLogger
}

func NewManager(store *storage.Store, config Config, clock util.Clock) *Manager {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Manager{
		store:   store,
		config:  config,
		clock:   clock,
		pending: make(map[uint64]pendingRequest),
		Logger:  zap.NewNop().Sugar(),
	}
}

func NewManagerDefault(store *storage.Store) *Manager {
	return NewManager(store, DefaultConfig(), util.RealClock{})
}

// LocalHeight is the latest persisted block height (0 when empty).
func (m *Manager) LocalHeight() (uint64, error) {
	height, _, err := m.store.GetLatestBlockHeight()
	if err != nil {
		return 0, err
	}
	return height, nil
}

// NeedsSync reports whether a peer is ahead of us.
func (m *Manager) NeedsSync(peerHeight uint64) (bool, error) {
	local, err := m.LocalHeight()
	if err != nil {
		return false, err
	}
	return peerHeight > local, nil
}

// RequestBlocks opens the single flight toward peerID for [from, to], capped
// at MaxBlocksPerRequest. A second call while one is pending fails with
// ErrSyncInProgress. The returned request is handed to the transport.
func (m *Manager) RequestBlocks(peerID peer.ID, fromHeight, toHeight uint64) (SyncRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.syncing {
		return SyncRequest{}, ErrSyncInProgress
	}
	m.syncing = true

	actualTo := toHeight
	if limit := fromHeight + m.config.MaxBlocksPerRequest - 1; actualTo > limit {
		actualTo = limit
	}

	requestID := m.nextRequestID
	m.nextRequestID++

	m.pending[requestID] = pendingRequest{
		requestID:  requestID,
		fromHeight: fromHeight,
		toHeight:   actualTo,
		startedAt:  m.clock.Now(),
	}

	m.Logger.Debugw("sync_request", "id", requestID, "from", fromHeight, "to", actualTo, "peer", peerID.String())
	return NewSyncRequest(peerID, fromHeight, actualTo, requestID), nil
}

// HandleSyncResponse validates the window against its pending request —
// heights must run from+0, from+1, ... with no gaps — persists the blocks,
// and clears the single-flight flag on the final chunk. Returns the accepted
// blocks.
func (m *Manager) HandleSyncResponse(response SyncResponse) ([]hotstuff.Block, error) {
	m.mu.Lock()
	request, ok := m.pending[response.RequestID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown request id %d", ErrInvalidResponse, response.RequestID)
	}
	m.mu.Unlock()

	expected := request.fromHeight
	for i := range response.Blocks {
		if response.Blocks[i].Height != expected {
			m.failRequest(response.RequestID)
			return nil, fmt.Errorf("%w: expected height %d, got %d", ErrInvalidResponse, expected, response.Blocks[i].Height)
		}
		expected++
	}

	for i := range response.Blocks {
		if err := m.store.StoreBlock(&response.Blocks[i]); err != nil {
			m.failRequest(response.RequestID)
			return nil, err
		}
	}

	m.mu.Lock()
	if response.HasMore {
		// The request stays live for the next chunk; the accepted window
		// slides forward and the timeout restarts.
		request.fromHeight = expected
		request.startedAt = m.clock.Now()
		m.pending[response.RequestID] = request
	} else {
		delete(m.pending, response.RequestID)
		m.syncing = false
	}
	m.mu.Unlock()

	return response.Blocks, nil
}

// failRequest drops a pending request whose response was unusable so the
// caller can reissue.
func (m *Manager) failRequest(requestID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
	if len(m.pending) == 0 {
		m.syncing = false
	}
}

// ServeBlocks answers a peer's window request from the height index, bounded
// by MaxBlocksPerRequest; HasMore is set when the window was truncated below
// the requested end.
func (m *Manager) ServeBlocks(request *SyncRequest) (SyncResponse, error) {
	maxHeight := request.ToHeight
	if limit := request.FromHeight + m.config.MaxBlocksPerRequest - 1; maxHeight > limit {
		maxHeight = limit
	}

	var blocks []hotstuff.Block
	for height := request.FromHeight; height <= maxHeight; height++ {
		block, err := m.store.GetBlockByHeight(height)
		if err != nil {
			return SyncResponse{}, err
		}
		if block == nil {
			break
		}
		blocks = append(blocks, *block)
	}

	hasMore := maxHeight < request.ToHeight
	return NewSyncResponse(request.RequestID, blocks, hasMore), nil
}

// CheckTimeouts reaps pending requests older than RequestTimeout, clearing
// the single-flight flag when nothing is left, and returns the reaped IDs for
// the caller to reissue.
func (m *Manager) CheckTimeouts() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var timedOut []uint64
	for id, req := range m.pending {
		if now.Sub(req.startedAt) > m.config.RequestTimeout {
			timedOut = append(timedOut, id)
			delete(m.pending, id)
		}
	}
	if len(m.pending) == 0 && len(timedOut) > 0 {
		m.syncing = false
	}
	if len(timedOut) > 0 {
		m.Logger.Debugw("sync_requests_reaped", "count", len(timedOut))
	}
	return timedOut
}

// CancelAll clears the pending set and the single-flight flag.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[uint64]pendingRequest)
	m.syncing = false
}

// Stats is the heartbeat view of the manager.
type Stats struct {
	LocalHeight     uint64
	PendingRequests int
	IsSyncing       bool
}

func (m *Manager) Stats() Stats {
	local, _ := m.LocalHeight()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		LocalHeight:     local,
		PendingRequests: len(m.pending),
		IsSyncing:       m.syncing,
	}
}
