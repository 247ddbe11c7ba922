package hotstuff

import "errors"

var (
	// ErrInsufficientVotes is returned by FormQC when fewer than n-f votes
	// are supplied.
	ErrInsufficientVotes = errors.New("insufficient votes")
)
