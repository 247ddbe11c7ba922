package hotstuff

import (
	"github.com/officialnico/openliquid/pkg/crypto"
)

// VoteCollector accumulates votes for one phase, keyed by block hash. The
// first quorumSize votes for a hash are the ones combined; later arrivals do
// not replace them. Duplicate voter keys are rejected here rather than
// trusted to the network layer, so a Byzantine peer cannot inflate the count.
type VoteCollector struct {
	votes      map[crypto.Hash][]Vote
	quorumSize int
}

func NewVoteCollector(quorumSize int) *VoteCollector {
	return &VoteCollector{
		votes:      make(map[crypto.Hash][]Vote),
		quorumSize: quorumSize,
	}
}

// AddVote appends the vote and returns a copy of the vote list the first time
// it reaches quorum. Returns nil when below quorum, when the vote is a
// duplicate of an already counted voter, or when quorum had already been
// reached before this vote.
func (c *VoteCollector) AddVote(vote Vote) []Vote {
	existing := c.votes[vote.BlockHash]
	for _, v := range existing {
		if v.Voter.Equal(vote.Voter) {
			return nil
		}
	}
	existing = append(existing, vote)
	c.votes[vote.BlockHash] = existing

	if len(existing) == c.quorumSize {
		quorum := make([]Vote, c.quorumSize)
		copy(quorum, existing)
		return quorum
	}
	return nil
}

// Count returns the number of votes held for a block hash.
func (c *VoteCollector) Count(blockHash crypto.Hash) int {
	return len(c.votes[blockHash])
}

// Clear discards accumulated votes for the hash once a QC has formed.
func (c *VoteCollector) Clear(blockHash crypto.Hash) {
	delete(c.votes, blockHash)
}
