package sync

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/officialnico/openliquid/pkg/crypto"
	"github.com/officialnico/openliquid/pkg/hotstuff"
	"github.com/officialnico/openliquid/pkg/storage"
	"github.com/officialnico/openliquid/pkg/util"
)

func testKeyPair(t *testing.T, id uint64) crypto.KeyPair {
	t.Helper()
	seed := make([]byte, 32)
	copy(seed, fmt.Sprintf("sync-test-%d", id))
	kp, err := crypto.GenerateKeyPair(seed, id)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return kp
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testBlock(t *testing.T, height uint64) hotstuff.Block {
	t.Helper()
	kp := testKeyPair(t, 0)
	parent := crypto.GenesisHash()
	if height > 0 {
		parent = crypto.HashData([]byte(fmt.Sprintf("sync-parent-%d", height)))
	}
	return hotstuff.NewBlock(parent, height, height, nil, nil, kp.PublicKey)
}

// seedChain stores blocks at heights 0..top.
func seedChain(t *testing.T, store *storage.Store, top uint64) {
	t.Helper()
	for h := uint64(0); h <= top; h++ {
		block := testBlock(t, h)
		if err := store.StoreBlock(&block); err != nil {
			t.Fatalf("store h%d: %v", h, err)
		}
	}
}

func TestLocalHeightTracksStore(t *testing.T) {
	store := testStore(t)
	m := NewManagerDefault(store)

	if h, err := m.LocalHeight(); err != nil || h != 0 {
		t.Fatalf("empty store local height = %d, %v", h, err)
	}
	block := testBlock(t, 1)
	if err := store.StoreBlock(&block); err != nil {
		t.Fatalf("store: %v", err)
	}
	if h, _ := m.LocalHeight(); h != 1 {
		t.Fatalf("local height = %d, want 1", h)
	}
}

func TestNeedsSync(t *testing.T) {
	m := NewManagerDefault(testStore(t))
	if need, _ := m.NeedsSync(5); !need {
		t.Fatal("behind peer but no sync needed")
	}
	if need, _ := m.NeedsSync(0); need {
		t.Fatal("level with peer but sync needed")
	}
}

func TestRequestBlocksWindow(t *testing.T) {
	m := NewManagerDefault(testStore(t))
	req, err := m.RequestBlocks("peer-a", 1, 100)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.FromHeight != 1 || req.ToHeight != 100 || req.RequestID != 0 {
		t.Fatalf("unexpected request %+v", req)
	}
	stats := m.Stats()
	if !stats.IsSyncing || stats.PendingRequests != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRequestBlocksCapsWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBlocksPerRequest = 10
	m := NewManager(testStore(t), cfg, nil)

	req, err := m.RequestBlocks("peer-a", 1, 100)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.ToHeight != 10 {
		t.Fatalf("window not capped: to=%d, want 10", req.ToHeight)
	}
}

// Single-flight: a second request while one is pending fails.
func TestSingleFlight(t *testing.T) {
	m := NewManagerDefault(testStore(t))
	if _, err := m.RequestBlocks("peer-a", 1, 100); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := m.RequestBlocks("peer-b", 101, 200); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestHandleSyncResponse(t *testing.T) {
	store := testStore(t)
	m := NewManagerDefault(store)

	req, err := m.RequestBlocks("peer-a", 1, 3)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	blocks := []hotstuff.Block{testBlock(t, 1), testBlock(t, 2), testBlock(t, 3)}
	accepted, err := m.HandleSyncResponse(NewSyncResponse(req.RequestID, blocks, false))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(accepted) != 3 {
		t.Fatalf("accepted %d blocks, want 3", len(accepted))
	}
	if h, _ := m.LocalHeight(); h != 3 {
		t.Fatalf("local height = %d, want 3", h)
	}
	if m.Stats().IsSyncing {
		t.Fatal("single-flight flag not cleared on final chunk")
	}
}

func TestHandleSyncResponseUnknownID(t *testing.T) {
	m := NewManagerDefault(testStore(t))
	_, err := m.HandleSyncResponse(NewSyncResponse(999, nil, false))
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestHandleSyncResponseOutOfOrder(t *testing.T) {
	m := NewManagerDefault(testStore(t))
	req, err := m.RequestBlocks("peer-a", 1, 3)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// Gap: heights 1, 3.
	blocks := []hotstuff.Block{testBlock(t, 1), testBlock(t, 3)}
	if _, err := m.HandleSyncResponse(NewSyncResponse(req.RequestID, blocks, false)); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse for gap, got %v", err)
	}
}

func TestHandleSyncResponseHasMoreKeepsFlight(t *testing.T) {
	m := NewManagerDefault(testStore(t))
	req, err := m.RequestBlocks("peer-a", 1, 100)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	chunk1 := []hotstuff.Block{testBlock(t, 1), testBlock(t, 2)}
	if _, err := m.HandleSyncResponse(NewSyncResponse(req.RequestID, chunk1, true)); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if !m.Stats().IsSyncing {
		t.Fatal("has_more chunk cleared the single-flight flag")
	}

	// The window slid forward: the next chunk must continue at height 3.
	chunk2 := []hotstuff.Block{testBlock(t, 3)}
	if _, err := m.HandleSyncResponse(NewSyncResponse(req.RequestID, chunk2, false)); err != nil {
		t.Fatalf("second chunk: %v", err)
	}
	if m.Stats().IsSyncing {
		t.Fatal("final chunk did not clear the flight")
	}
	if h, _ := m.LocalHeight(); h != 3 {
		t.Fatalf("local height = %d, want 3", h)
	}
}

func TestHandleSyncResponseBadChunkFreesFlight(t *testing.T) {
	m := NewManagerDefault(testStore(t))
	req, err := m.RequestBlocks("peer-a", 1, 100)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// Wrong starting height: the request is dropped so the caller can
	// reissue immediately.
	bad := []hotstuff.Block{testBlock(t, 5)}
	if _, err := m.HandleSyncResponse(NewSyncResponse(req.RequestID, bad, false)); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if m.Stats().IsSyncing || m.Stats().PendingRequests != 0 {
		t.Fatal("bad chunk left the flight occupied")
	}
}

// Serving 1..3 from a chain of 0..5 and ingesting it leaves the local
// height at 5 and clears the flight.
func TestSyncRoundTrip(t *testing.T) {
	serverStore := testStore(t)
	seedChain(t, serverStore, 5)
	server := NewManagerDefault(serverStore)

	clientStore := testStore(t)
	seedChain(t, clientStore, 5)
	client := NewManagerDefault(clientStore)

	req, err := client.RequestBlocks("server", 1, 3)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := server.ServeBlocks(&req)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if len(resp.Blocks) != 3 || resp.HasMore {
		t.Fatalf("served %d blocks has_more=%v, want 3/false", len(resp.Blocks), resp.HasMore)
	}
	for i, b := range resp.Blocks {
		if b.Height != uint64(i+1) {
			t.Fatalf("served block %d has height %d", i, b.Height)
		}
	}

	if _, err := client.HandleSyncResponse(resp); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h, _ := client.LocalHeight(); h != 5 {
		t.Fatalf("local height = %d, want 5 (already present)", h)
	}
	if client.Stats().IsSyncing {
		t.Fatal("flight not cleared after round trip")
	}
}

func TestServeBlocksTruncatesAndFlagsMore(t *testing.T) {
	store := testStore(t)
	seedChain(t, store, 20)
	cfg := DefaultConfig()
	cfg.MaxBlocksPerRequest = 5
	m := NewManager(store, cfg, nil)

	resp, err := m.ServeBlocks(&SyncRequest{PeerID: "p", FromHeight: 1, ToHeight: 20, RequestID: 7})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if len(resp.Blocks) != 5 {
		t.Fatalf("served %d blocks, want 5", len(resp.Blocks))
	}
	if !resp.HasMore {
		t.Fatal("truncated window not flagged has_more")
	}
}

func TestCheckTimeoutsReaps(t *testing.T) {
	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))
	m := NewManager(testStore(t), DefaultConfig(), clock)

	req, err := m.RequestBlocks("peer-a", 1, 100)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// Not yet expired.
	clock.Advance(5 * time.Second)
	if reaped := m.CheckTimeouts(); len(reaped) != 0 {
		t.Fatal("reaped a live request")
	}

	clock.Advance(6 * time.Second)
	reaped := m.CheckTimeouts()
	if len(reaped) != 1 || reaped[0] != req.RequestID {
		t.Fatalf("reaped %v, want [%d]", reaped, req.RequestID)
	}
	stats := m.Stats()
	if stats.PendingRequests != 0 || stats.IsSyncing {
		t.Fatalf("reaper left state behind: %+v", stats)
	}

	// The flight is free again.
	if _, err := m.RequestBlocks("peer-b", 1, 100); err != nil {
		t.Fatalf("request after reap: %v", err)
	}
}

func TestCancelAll(t *testing.T) {
	m := NewManagerDefault(testStore(t))
	if _, err := m.RequestBlocks("peer-a", 1, 100); err != nil {
		t.Fatalf("request: %v", err)
	}
	m.CancelAll()
	stats := m.Stats()
	if stats.PendingRequests != 0 || stats.IsSyncing {
		t.Fatalf("cancel left state behind: %+v", stats)
	}
}

func TestBlockAnnouncement(t *testing.T) {
	block := testBlock(t, 3)
	ann := AnnounceBlock(&block, "proposer")
	if ann.Height != 3 || ann.View != 3 || ann.BlockHash != block.Hash() {
		t.Fatalf("announcement mismatch: %+v", ann)
	}
}
