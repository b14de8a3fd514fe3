package graph

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echopay/fraud-detection/internal/transaction"
)

func netTx(id, from, to string, amount float64, at time.Time) *transaction.Transaction {
	return &transaction.Transaction{
		ID:         id,
		FromWallet: from,
		ToWallet:   to,
		Amount:     decimal.NewFromFloat(amount),
		Currency:   "USD",
		Timestamp:  at,
	}
}

func TestAnalyzeFirstTransactionNearDefault(t *testing.T) {
	svc := NewService(New(), DefaultServiceConfig())

	score := svc.AnalyzeTransactionNetwork("alice", netTx("t1", "alice", "bob", 100, baseTime))
	if score < DefaultNetworkScore {
		t.Errorf("score %v below default %v", score, DefaultNetworkScore)
	}
	if score > 0.2 {
		t.Errorf("fresh wallet score %v should stay near the default", score)
	}
}

func TestAnalyzeScoreBounded(t *testing.T) {
	svc := NewService(New(), DefaultServiceConfig())

	at := baseTime
	for i := 0; i < 50; i++ {
		tx := netTx("t", "hub", "peer", 1e9, at)
		tx.ToWallet = "peer" + string(rune('a'+i%26))
		if score := svc.AnalyzeTransactionNetwork("hub", tx); score < 0 || score > 1 {
			t.Fatalf("score %v out of [0,1]", score)
		}
		at = at.Add(time.Second)
	}
}

func TestAnalyzeHubFanoutRaisesScore(t *testing.T) {
	svc := NewService(New(), DefaultServiceConfig())

	first := svc.AnalyzeTransactionNetwork("hub", netTx("t0", "hub", "peer_0", 10, baseTime))

	var last float64
	for i := 1; i <= 30; i++ {
		to := "peer_" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		last = svc.AnalyzeTransactionNetwork("hub", netTx("t", "hub", to, 10, baseTime.Add(time.Duration(i)*time.Minute)))
	}

	if last <= first {
		t.Errorf("fan-out score %v should exceed first-transaction score %v", last, first)
	}
}

func TestAnalyzeRapidCyclingRaisesScore(t *testing.T) {
	svc := NewService(New(), DefaultServiceConfig())

	// bob pays alice, then alice immediately sends it back.
	svc.AnalyzeTransactionNetwork("bob", netTx("t1", "bob", "alice", 500, baseTime))
	cycled := svc.AnalyzeTransactionNetwork("alice", netTx("t2", "alice", "bob", 500, baseTime.Add(5*time.Minute)))

	// Same shape without the return flow.
	other := NewService(New(), DefaultServiceConfig())
	other.AnalyzeTransactionNetwork("bob", netTx("t1", "bob", "carol", 500, baseTime))
	plain := other.AnalyzeTransactionNetwork("alice", netTx("t2", "alice", "bob", 500, baseTime.Add(5*time.Minute)))

	if cycled <= plain {
		t.Errorf("cycling score %v should exceed non-cycling %v", cycled, plain)
	}
}

func TestAnalyzeSuspiciousCommunityMembership(t *testing.T) {
	g := New()
	buildRing(g, baseTime)

	cfg := DefaultServiceConfig()
	cfg.SuspicionThreshold = 0.3
	svc := NewService(g, cfg)

	suspicious := svc.RefreshCommunities(baseTime.Add(10 * time.Minute))
	if len(suspicious) == 0 {
		t.Fatal("ring should be flagged suspicious at threshold 0.3")
	}

	member := svc.AnalyzeTransactionNetwork("ring_a",
		netTx("t1", "ring_a", "ring_b", 20000, baseTime.Add(11*time.Minute)))
	outsider := svc.AnalyzeTransactionNetwork("stranger",
		netTx("t2", "stranger", "other", 20000, baseTime.Add(11*time.Minute)))

	if member <= outsider {
		t.Errorf("ring member score %v should exceed outsider %v", member, outsider)
	}
}

func TestCommunityContributionDecays(t *testing.T) {
	g := New()
	buildRing(g, baseTime)

	cfg := DefaultServiceConfig()
	cfg.SuspicionThreshold = 0.3
	svc := NewService(g, cfg)
	svc.RefreshCommunities(baseTime.Add(10 * time.Minute))

	fresh := svc.AnalyzeTransactionNetwork("ring_a",
		netTx("t1", "ring_a", "ring_b", 100, baseTime.Add(11*time.Minute)))
	stale := svc.AnalyzeTransactionNetwork("ring_a",
		netTx("t2", "ring_a", "ring_b", 100, baseTime.Add(3*time.Hour)))

	if stale >= fresh {
		t.Errorf("decayed contribution %v should fall below fresh %v", stale, fresh)
	}
}

func TestRefreshTimerLifecycle(t *testing.T) {
	g := New()
	buildRing(g, baseTime)

	cfg := DefaultServiceConfig()
	cfg.SuspicionThreshold = 0.3
	svc := NewService(g, cfg)

	var alerted []Community
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	timer := NewRefreshTimer(svc, logger, 10*time.Millisecond, func(cs []Community) {
		if alerted == nil {
			alerted = cs
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for timer.Running() == false {
		select {
		case <-deadline:
			t.Fatal("timer never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop on context cancel")
	}
	if timer.Running() {
		t.Error("timer reports running after stop")
	}
	if len(alerted) == 0 {
		t.Error("expected suspicious-community alert from refresh pass")
	}
}
