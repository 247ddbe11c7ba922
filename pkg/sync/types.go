package sync

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/officialnico/openliquid/pkg/crypto"
	"github.com/officialnico/openliquid/pkg/hotstuff"
)

// SyncRequest asks a peer for a window of blocks, inclusive on both ends.
type SyncRequest struct {
	PeerID     peer.ID
	FromHeight uint64
	ToHeight   uint64
	RequestID  uint64
}

func NewSyncRequest(peerID peer.ID, from, to, requestID uint64) SyncRequest {
	return SyncRequest{PeerID: peerID, FromHeight: from, ToHeight: to, RequestID: requestID}
}

// SyncResponse carries a window of blocks; HasMore signals the server
// truncated the window.
type SyncResponse struct {
	RequestID uint64
	Blocks    []hotstuff.Block
	HasMore   bool
}

func NewSyncResponse(requestID uint64, blocks []hotstuff.Block, hasMore bool) SyncResponse {
	return SyncResponse{RequestID: requestID, Blocks: blocks, HasMore: hasMore}
}

// BlockAnnouncement is gossiped when a new block lands.
type BlockAnnouncement struct {
	BlockHash crypto.Hash
	Height    uint64
	View      uint64
	Proposer  peer.ID
}

func AnnounceBlock(block *hotstuff.Block, proposer peer.ID) BlockAnnouncement {
	return BlockAnnouncement{
		BlockHash: block.Hash(),
		Height:    block.Height,
		View:      block.View,
		Proposer:  proposer,
	}
}

// HeightStatus is the periodic heartbeat peers use to detect lag.
type HeightStatus struct {
	Height     uint64
	View       uint64
	LatestHash crypto.Hash
}
