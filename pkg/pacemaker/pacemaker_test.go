package pacemaker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/officialnico/openliquid/pkg/crypto"
	"github.com/officialnico/openliquid/pkg/hotstuff"
)

func testKeyPair(t *testing.T, id uint64) crypto.KeyPair {
	t.Helper()
	seed := make([]byte, 32)
	copy(seed, fmt.Sprintf("pacemaker-test-%d", id))
	kp, err := crypto.GenerateKeyPair(seed, id)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return kp
}

func newViewMsg(t *testing.T, id uint64, view uint64, highQC *hotstuff.QuorumCertificate) NewViewMessage {
	t.Helper()
	kp := testKeyPair(t, id)
	return SignNewView(kp.SecretKey, kp.PublicKey, view, highQC)
}

func TestPacemakerCreation(t *testing.T) {
	pm, err := New(7, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if pm.CurrentView() != 1 {
		t.Fatalf("initial view = %d, want 1", pm.CurrentView())
	}
	if _, err := New(3, 0); err == nil {
		t.Fatal("accepted fewer than 4 validators")
	}
}

func TestLeaderRotation(t *testing.T) {
	pm, _ := New(4, 0)
	for v := uint64(0); v < 16; v++ {
		if got := pm.Leader(v); got != int(v%4) {
			t.Fatalf("leader(%d) = %d, want %d", v, got, v%4)
		}
	}

	pm7, _ := New(7, 0)
	for _, tc := range []struct {
		view uint64
		want int
	}{{0, 0}, {7, 0}, {8, 1}, {14, 0}} {
		if got := pm7.Leader(tc.view); got != tc.want {
			t.Fatalf("leader(%d) = %d, want %d", tc.view, got, tc.want)
		}
	}
}

func TestIsLeader(t *testing.T) {
	pm, _ := New(4, 0)
	// View 1 -> leader 1.
	if pm.IsLeader(0) || !pm.IsLeader(1) {
		t.Fatal("wrong leader for view 1")
	}
	pm.AdvanceView()
	if !pm.IsLeader(2) {
		t.Fatal("wrong leader for view 2")
	}
}

// A 2s base doubles through 4, 8, 16, 32 and caps at 60; reset restores 2.
func TestTimeoutBackoffAndReset(t *testing.T) {
	pm, _ := New(4, 2*time.Second)

	if pm.NextViewTimeout() != 2*time.Second {
		t.Fatalf("initial timeout = %v, want 2s", pm.NextViewTimeout())
	}

	want := []time.Duration{4, 8, 16, 32, 60}
	for i, w := range want {
		pm.AdvanceView()
		if got := pm.NextViewTimeout(); got != w*time.Second {
			t.Fatalf("timeout after %d advances = %v, want %v", i+1, got, w*time.Second)
		}
	}

	// Still capped.
	pm.AdvanceView()
	if pm.NextViewTimeout() != 60*time.Second {
		t.Fatal("timeout exceeded cap")
	}

	pm.ResetTimeout()
	if pm.NextViewTimeout() != 2*time.Second {
		t.Fatal("reset did not restore base timeout")
	}
}

func TestTimeoutMonotoneUpToCap(t *testing.T) {
	pm, _ := New(4, 2*time.Second)
	prev := pm.NextViewTimeout()
	for i := 0; i < 100; i++ {
		pm.AdvanceView()
		cur := pm.NextViewTimeout()
		if cur < prev {
			t.Fatalf("timeout decreased: %v -> %v", prev, cur)
		}
		if cur > DefaultMaxTimeout {
			t.Fatalf("timeout %v above max", cur)
		}
		prev = cur
	}
}

func TestUpdateViewMonotone(t *testing.T) {
	pm, _ := New(4, 0)
	if err := pm.UpdateView(5); err != nil {
		t.Fatalf("update to higher view: %v", err)
	}
	if err := pm.UpdateView(3); !errors.Is(err, ErrViewRegression) {
		t.Fatalf("expected ErrViewRegression, got %v", err)
	}
	if pm.CurrentView() != 5 {
		t.Fatal("failed update changed the view")
	}
	if err := pm.UpdateView(5); err != nil {
		t.Fatalf("same-view update rejected: %v", err)
	}
}

func TestNewViewCollectorQuorum(t *testing.T) {
	c := NewNewViewCollector(2, 5)
	if c.HasQuorum() {
		t.Fatal("empty collector has quorum")
	}
	for i := uint64(0); i < 5; i++ {
		if err := c.AddMessage(newViewMsg(t, i, 2, nil)); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}
	if !c.HasQuorum() {
		t.Fatal("no quorum at n-f messages")
	}
	if c.MessageCount() != 5 {
		t.Fatalf("message count = %d, want 5", c.MessageCount())
	}
}

func TestNewViewCollectorRejectsWrongView(t *testing.T) {
	c := NewNewViewCollector(2, 3)
	if err := c.AddMessage(newViewMsg(t, 0, 3, nil)); !errors.Is(err, ErrWrongView) {
		t.Fatalf("expected ErrWrongView, got %v", err)
	}
}

func TestNewViewCollectorRejectsDuplicateSender(t *testing.T) {
	c := NewNewViewCollector(2, 3)
	if err := c.AddMessage(newViewMsg(t, 0, 2, nil)); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if err := c.AddMessage(newViewMsg(t, 0, 2, nil)); !errors.Is(err, ErrDuplicateSender) {
		t.Fatalf("expected ErrDuplicateSender, got %v", err)
	}
}

func TestNewViewCollectorHighQCSelection(t *testing.T) {
	c := NewNewViewCollector(2, 3)
	mkQC := func(seed string, view uint64) *hotstuff.QuorumCertificate {
		return hotstuff.NewQC(hotstuff.MsgPrepare, crypto.HashData([]byte(seed)), view, []byte("sig"))
	}
	c.AddMessage(newViewMsg(t, 0, 2, mkQC("a", 5)))
	c.AddMessage(newViewMsg(t, 1, 2, mkQC("b", 10)))
	c.AddMessage(newViewMsg(t, 2, 2, mkQC("c", 7)))

	high := c.HighQC()
	if high == nil || high.View != 10 {
		t.Fatalf("high QC view = %v, want 10", high)
	}
}

func TestNewViewCollectorNoQCs(t *testing.T) {
	c := NewNewViewCollector(2, 3)
	for i := uint64(0); i < 3; i++ {
		c.AddMessage(newViewMsg(t, i, 2, nil))
	}
	if c.HighQC() != nil {
		t.Fatal("high QC from messages without QCs")
	}
}

func TestNewViewPreimageBindsQC(t *testing.T) {
	qc := hotstuff.NewQC(hotstuff.MsgPrepare, crypto.HashData([]byte("x")), 3, []byte("sig"))
	with := NewViewPreimage(7, qc)
	without := NewViewPreimage(7, nil)
	if len(with) == len(without) {
		t.Fatal("preimage ignores the high QC")
	}
}
