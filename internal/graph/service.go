package graph

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/echopay/fraud-detection/internal/syncutil"
	"github.com/echopay/fraud-detection/internal/transaction"
)

// Service scoring parameters.
const (
	// DefaultNetworkScore is returned before any graph state exists for a
	// wallet.
	DefaultNetworkScore = 0.1

	defaultSuspicionThreshold = 0.6
	defaultCommunityDecay     = 10 * time.Minute
	defaultCyclingWindow      = 1 * time.Hour

	hubFanoutScale    = 20.0
	hubWeight         = 0.30
	cyclingWeight     = 0.25
	communityWeight   = 0.35
	communityShareMin = 0.25 // share floor so small members still inherit risk
)

// ServiceConfig tunes the per-transaction network scoring.
type ServiceConfig struct {
	SuspicionThreshold float64
	CommunityDecay     time.Duration
	CyclingWindow      time.Duration
	Suspicion          SuspicionConfig
}

// DefaultServiceConfig returns the stock service tuning.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SuspicionThreshold: defaultSuspicionThreshold,
		CommunityDecay:     defaultCommunityDecay,
		CyclingWindow:      defaultCyclingWindow,
		Suspicion:          DefaultSuspicionConfig(),
	}
}

// memberInfo caches one wallet's suspicious-community membership from the
// latest detection pass.
type memberInfo struct {
	suspicion   float64
	totalVolume float64
	detectedAt  time.Time
}

// Service orchestrates graph updates and per-transaction network scoring.
// Community detection and centrality refresh run on the background timer,
// never inline with AnalyzeTransactionNetwork.
type Service struct {
	graph    *Graph
	detector *CommunityDetector
	cfg      ServiceConfig

	pairs syncutil.ShardedRWMutex

	mu      sync.RWMutex
	members map[string]memberInfo
}

// NewService creates a graph analysis service over g.
func NewService(g *Graph, cfg ServiceConfig) *Service {
	return &Service{
		graph:    g,
		detector: NewCommunityDetector(g, cfg.Suspicion),
		cfg:      cfg,
		members:  make(map[string]memberInfo),
	}
}

// Graph exposes the underlying graph for stats and subgraph queries.
func (s *Service) Graph() *Graph {
	return s.graph
}

// AnalyzeTransactionNetwork records tx into the graph and returns the
// network risk score for wallet, in [0,1]. Concurrent updates to the same
// wallet pair serialize on a sharded lock; different pairs proceed in
// parallel up to the graph's own critical section.
func (s *Service) AnalyzeTransactionNetwork(wallet string, tx *transaction.Transaction) float64 {
	wallet = strings.ToLower(wallet)

	unlock := s.pairs.Lock(syncutil.PairKey(tx.FromWallet, tx.ToWallet))
	s.graph.AddTransaction(tx.FromWallet, tx.ToWallet, tx.AmountFloat(), tx.Timestamp, tx.ID)
	unlock()

	node := s.graph.GetNode(wallet)
	if node == nil {
		return DefaultNetworkScore
	}

	score := DefaultNetworkScore

	// Hub fan-out: many distinct recipients from one wallet.
	score += hubWeight * saturate(float64(node.OutDegree), hubFanoutScale)

	// Rapid cycling: funds recently flowed back from the recipient.
	if s.recentCycle(wallet, tx) {
		score += cyclingWeight
	}

	// Decayed suspicious-community contribution, scaled by the wallet's
	// share of the community's volume.
	if info, ok := s.memberLookup(wallet); ok {
		age := tx.Timestamp.Sub(info.detectedAt)
		if age < 0 {
			age = 0
		}
		decay := math.Exp(-age.Seconds() / s.cfg.CommunityDecay.Seconds())
		share := communityShareMin
		if info.totalVolume > 0 {
			if v := (node.TotalSent + node.TotalReceived) / info.totalVolume; v > share {
				share = v
			}
			if share > 1 {
				share = 1
			}
		}
		score += communityWeight * info.suspicion * decay * share
	}

	return clampUnit(score)
}

// recentCycle reports whether the transaction's recipient sent funds back to
// wallet within the cycling window.
func (s *Service) recentCycle(wallet string, tx *transaction.Transaction) bool {
	reverse := s.graph.GetEdge(tx.ToWallet, wallet)
	if reverse == nil || reverse.Count == 0 {
		return false
	}
	return tx.Timestamp.Sub(reverse.Last) <= s.cfg.CyclingWindow
}

func (s *Service) memberLookup(wallet string) (memberInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.members[wallet]
	return info, ok
}

// RefreshCommunities runs one detection pass and swaps in the suspicious
// membership cache. Returns the suspicious communities found.
func (s *Service) RefreshCommunities(now time.Time) []Community {
	suspicious := s.detector.SuspiciousCommunities(now, s.cfg.SuspicionThreshold)

	members := make(map[string]memberInfo)
	for _, c := range suspicious {
		for _, w := range c.Members {
			existing, ok := members[w]
			if !ok || c.Suspicion > existing.suspicion {
				members[w] = memberInfo{
					suspicion:   c.Suspicion,
					totalVolume: c.TotalVolume,
					detectedAt:  now,
				}
			}
		}
	}

	s.mu.Lock()
	s.members = members
	s.mu.Unlock()

	return suspicious
}

// Communities runs a full detection pass without touching the membership
// cache.
func (s *Service) Communities(now time.Time) []Community {
	return s.detector.Detect(now)
}
