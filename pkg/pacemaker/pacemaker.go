package pacemaker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/officialnico/openliquid/pkg/crypto"
	"github.com/officialnico/openliquid/pkg/hotstuff"
)

const (
	DefaultBaseTimeout = 2 * time.Second
	DefaultMaxTimeout  = 60 * time.Second
)

var (
	ErrViewRegression  = errors.New("cannot move to lower view")
	ErrWrongView       = errors.New("new-view message for wrong view")
	ErrDuplicateSender = errors.New("duplicate new-view message from sender")
)

// Pacemaker owns the view counter, the round-robin leader schedule, and the
// exponential timeout backoff that guarantees liveness after GST.
type Pacemaker struct {
	currentView    uint64
	baseTimeout    time.Duration
	maxTimeout     time.Duration
	timeoutCount   uint64
	validatorCount int
}

// New builds a pacemaker for n validators. baseTimeout of zero selects the
// 2s default.
func New(validatorCount int, baseTimeout time.Duration) (*Pacemaker, error) {
	if validatorCount < 4 {
		return nil, fmt.Errorf("need at least 4 validators, got %d", validatorCount)
	}
	if baseTimeout <= 0 {
		baseTimeout = DefaultBaseTimeout
	}
	return &Pacemaker{
		currentView:    1,
		baseTimeout:    baseTimeout,
		maxTimeout:     DefaultMaxTimeout,
		validatorCount: validatorCount,
	}, nil
}

func (p *Pacemaker) CurrentView() uint64 { return p.currentView }

// Leader is the deterministic rotation: leader(v) = v mod n.
func (p *Pacemaker) Leader(view uint64) int {
	return int(view % uint64(p.validatorCount))
}

func (p *Pacemaker) CurrentLeader() int { return p.Leader(p.currentView) }

func (p *Pacemaker) IsLeader(validatorIndex int) bool {
	return p.CurrentLeader() == validatorIndex
}

// NextViewTimeout is min(base * 2^timeoutCount, max): 2s, 4s, 8s, ... 60s.
func (p *Pacemaker) NextViewTimeout() time.Duration {
	if p.timeoutCount >= 63 {
		return p.maxTimeout
	}
	timeout := p.baseTimeout << p.timeoutCount
	if timeout <= 0 || timeout > p.maxTimeout {
		return p.maxTimeout
	}
	return timeout
}

// AdvanceView moves to the next view and lengthens the backoff.
func (p *Pacemaker) AdvanceView() {
	p.currentView++
	p.timeoutCount++
}

// ResetTimeout restores the base timeout; called on successful commit.
func (p *Pacemaker) ResetTimeout() { p.timeoutCount = 0 }

// UpdateView is the monotone setter used by sync/recovery.
func (p *Pacemaker) UpdateView(view uint64) error {
	if view < p.currentView {
		return fmt.Errorf("%w: %d < %d", ErrViewRegression, view, p.currentView)
	}
	p.currentView = view
	return nil
}

// NewViewMessage is sent to the next leader on timeout, carrying the sender's
// highest known QC.
type NewViewMessage struct {
	View      uint64
	HighQC    *hotstuff.QuorumCertificate
	Sender    crypto.PublicKey
	Signature crypto.PartialSignature
}

// NewViewPreimage is the signing preimage: view (8, LE) followed by the QC's
// block hash and view when present.
func NewViewPreimage(view uint64, highQC *hotstuff.QuorumCertificate) []byte {
	data := binary.LittleEndian.AppendUint64(nil, view)
	if highQC != nil {
		data = append(data, highQC.BlockHash[:]...)
		data = binary.LittleEndian.AppendUint64(data, highQC.View)
	}
	return data
}

// SignNewView builds a signed NewViewMessage for the target view.
func SignNewView(sk crypto.SecretKey, pk crypto.PublicKey, view uint64, highQC *hotstuff.QuorumCertificate) NewViewMessage {
	return NewViewMessage{
		View:      view,
		HighQC:    highQC,
		Sender:    pk,
		Signature: crypto.ThresholdSign(sk, NewViewPreimage(view, highQC)),
	}
}

// NewViewCollector gathers n-f new-view messages for the incoming leader. Its
// high QC becomes the justify of the leader's first proposal, preserving
// safety across the view change.
type NewViewCollector struct {
	view       uint64
	messages   []NewViewMessage
	quorumSize int
}

func NewNewViewCollector(view uint64, quorumSize int) *NewViewCollector {
	return &NewViewCollector{view: view, quorumSize: quorumSize}
}

// AddMessage rejects wrong-view messages and duplicate senders.
func (c *NewViewCollector) AddMessage(msg NewViewMessage) error {
	if msg.View != c.view {
		return fmt.Errorf("%w: expected %d, got %d", ErrWrongView, c.view, msg.View)
	}
	for _, m := range c.messages {
		if m.Sender.Equal(msg.Sender) {
			return ErrDuplicateSender
		}
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *NewViewCollector) HasQuorum() bool {
	return len(c.messages) >= c.quorumSize
}

// HighQC returns the collected QC with the greatest view, or nil when no
// message carried one.
func (c *NewViewCollector) HighQC() *hotstuff.QuorumCertificate {
	var best *hotstuff.QuorumCertificate
	for _, m := range c.messages {
		if m.HighQC == nil {
			continue
		}
		if best == nil || m.HighQC.View > best.View {
			best = m.HighQC
		}
	}
	return best
}

func (c *NewViewCollector) MessageCount() int { return len(c.messages) }
