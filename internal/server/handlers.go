package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/echopay/fraud-detection/internal/analyzer"
	"github.com/echopay/fraud-detection/internal/logging"
	"github.com/echopay/fraud-detection/internal/risk"
	"github.com/echopay/fraud-detection/internal/transaction"
)

// -----------------------------------------------------------------------------
// Request/response types
// -----------------------------------------------------------------------------

// userContextRequest carries the optional transaction context supplied by the
// payment gateway alongside the transfer itself.
type userContextRequest struct {
	UserID               string  `json:"user_id"`
	UserAgeDays          float64 `json:"user_age_days"`
	RecentTransactions1h int     `json:"recent_transactions_1h"`
	IsNewLocation        bool    `json:"is_new_location"`
}

type analyzeRequest struct {
	TransactionID string              `json:"transactionId" binding:"required"`
	FromWallet    string              `json:"fromWallet" binding:"required"`
	ToWallet      string              `json:"toWallet" binding:"required"`
	Amount        decimal.Decimal     `json:"amount"`
	Currency      string              `json:"currency"`
	Timestamp     *time.Time          `json:"timestamp"`
	UserContext   *userContextRequest `json:"userContext"`
}

type batchAnalyzeRequest struct {
	Transactions []analyzeRequest `json:"transactions" binding:"required"`
}

// configurationRequest updates the fusion weights and, optionally, the
// anomaly-ensemble component weights in one call.
type configurationRequest struct {
	Weights         map[string]float64 `json:"weights" binding:"required"`
	EnsembleWeights map[string]float64 `json:"ensembleWeights"`
}

// decisionRuleRequest is the declarative form of a decision rule. At least one
// condition field must be set; the rule fires when all set conditions match.
type decisionRuleRequest struct {
	Name         string   `json:"name" binding:"required"`
	Action       string   `json:"action" binding:"required"`
	Priority     int      `json:"priority"`
	Description  string   `json:"description"`
	MinRiskScore *float64 `json:"minRiskScore"`
	MinAmount    *float64 `json:"minAmount"`
	RiskLevels   []string `json:"riskLevels"`
}

type feedbackRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	ActualFraud   bool   `json:"actualFraud"`
	FeedbackType  string `json:"feedbackType"`
}

type trainRequest struct {
	Transactions []analyzeRequest `json:"transactions" binding:"required"`
}

func errorResponse(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

// toTransaction validates the request and builds the domain transaction plus
// its risk context.
func (r *analyzeRequest) toTransaction() (*transaction.Transaction, *risk.Context, error) {
	if r.Amount.IsNegative() {
		return nil, nil, errNegativeAmount
	}

	ts := time.Now().UTC()
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}

	tx := &transaction.Transaction{
		ID:         r.TransactionID,
		FromWallet: strings.ToLower(r.FromWallet),
		ToWallet:   strings.ToLower(r.ToWallet),
		Amount:     r.Amount,
		Currency:   r.Currency,
		Timestamp:  ts,
	}

	tctx := &risk.Context{Amount: tx.AmountFloat()}
	if r.UserContext != nil {
		tctx.UserID = r.UserContext.UserID
		tctx.AccountAgeDays = r.UserContext.UserAgeDays
		tctx.RecentTransactions = r.UserContext.RecentTransactions1h
		tctx.IsNewLocation = r.UserContext.IsNewLocation
	}
	return tx, tctx, nil
}

var errNegativeAmount = &validationError{"amount must not be negative"}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

// -----------------------------------------------------------------------------
// Analysis handlers
// -----------------------------------------------------------------------------

func (s *Server) analyzeHandler(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	tx, tctx, err := req.toTransaction()
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	assessment, err := s.analyzer.Analyze(c.Request.Context(), tx, tctx)
	if err != nil {
		logging.L(c.Request.Context()).Error("analysis failed",
			"transaction_id", tx.ID,
			"error", err,
		)
		errorResponse(c, http.StatusInternalServerError, "analysis_failed", "Failed to analyze transaction")
		return
	}

	if assessment.RiskLevel == risk.LevelHigh || assessment.RiskLevel == risk.LevelCritical {
		s.hub.BroadcastHighRisk(assessment, tx)
	}

	c.JSON(http.StatusOK, assessment)
}

func (s *Server) batchAnalyzeHandler(c *gin.Context) {
	var req batchAnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Transactions) == 0 {
		errorResponse(c, http.StatusBadRequest, "invalid_request", "transactions must not be empty")
		return
	}
	const maxBatchSize = 100
	if len(req.Transactions) > maxBatchSize {
		errorResponse(c, http.StatusBadRequest, "batch_too_large", "batch size exceeds 100 transactions")
		return
	}

	items := make([]analyzer.BatchItem, len(req.Transactions))
	for i := range req.Transactions {
		tx, tctx, err := req.Transactions[i].toTransaction()
		if err != nil {
			// Invalid entries degrade to a nil assessment in the response
			// rather than failing the whole batch.
			continue
		}
		items[i] = analyzer.BatchItem{Transaction: tx, Context: tctx}
	}

	results := s.analyzer.BatchAnalyze(c.Request.Context(), items)

	for i, a := range results {
		if a == nil {
			continue
		}
		if a.RiskLevel == risk.LevelHigh || a.RiskLevel == risk.LevelCritical {
			s.hub.BroadcastHighRisk(a, items[i].Transaction)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) assessmentsHandler(c *gin.Context) {
	txID := c.Param("transactionId")

	if a, ok := s.analyzer.CachedAssessment(c.Request.Context(), txID); ok {
		c.JSON(http.StatusOK, gin.H{
			"transactionId": txID,
			"assessments":   []*risk.Assessment{a},
			"source":        "cache",
		})
		return
	}

	assessments, err := s.store.ListByTransaction(c.Request.Context(), txID, 20)
	if err != nil {
		logging.L(c.Request.Context()).Error("assessment lookup failed", "transaction_id", txID, "error", err)
		errorResponse(c, http.StatusInternalServerError, "lookup_failed", "Failed to look up assessments")
		return
	}
	if len(assessments) == 0 {
		errorResponse(c, http.StatusNotFound, "not_found", "No assessments for transaction")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactionId": txID,
		"assessments":   assessments,
		"source":        "store",
	})
}

// -----------------------------------------------------------------------------
// Model management handlers
// -----------------------------------------------------------------------------

func (s *Server) performanceHandler(c *gin.Context) {
	engine := s.analyzer.Engine()
	c.JSON(http.StatusOK, gin.H{
		"latency": engine.PerformanceMetrics(),
		"weights": engine.Weights(),
		"realtime": gin.H{
			"hub": s.hub.Stats(),
		},
	})
}

func (s *Server) configurationHandler(c *gin.Context) {
	var req configurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// Validate the fusion weights before applying anything so a bad request
	// cannot leave the two weight sets half-updated.
	if err := risk.ValidateWeights(req.Weights); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_configuration", err.Error())
		return
	}
	if req.EnsembleWeights != nil {
		if err := s.analyzer.Ensemble().UpdateWeights(req.EnsembleWeights); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid_configuration", err.Error())
			return
		}
	}

	engine := s.analyzer.Engine()
	if err := engine.UpdateConfiguration(risk.Config{Weights: req.Weights}); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_configuration", err.Error())
		return
	}

	logging.L(c.Request.Context()).Info("scoring weights updated",
		"weights", req.Weights,
		"ensemble_weights", req.EnsembleWeights,
	)
	c.JSON(http.StatusOK, gin.H{
		"status":          "updated",
		"weights":         engine.Weights(),
		"ensembleWeights": s.analyzer.Ensemble().Weights(),
	})
}

func (s *Server) addDecisionRuleHandler(c *gin.Context) {
	var req decisionRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.MinRiskScore == nil && req.MinAmount == nil && len(req.RiskLevels) == 0 {
		errorResponse(c, http.StatusBadRequest, "invalid_rule", "at least one condition is required")
		return
	}

	cond, err := buildCondition(&req)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_rule", err.Error())
		return
	}

	rule := risk.DecisionRule{
		Name:        req.Name,
		Condition:   cond,
		Action:      risk.Action(req.Action),
		Priority:    req.Priority,
		Description: req.Description,
	}
	if err := s.analyzer.Engine().Decisions().AddRule(rule); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_rule", err.Error())
		return
	}

	logging.L(c.Request.Context()).Info("decision rule added", "name", req.Name, "action", req.Action)
	c.JSON(http.StatusCreated, gin.H{"status": "created", "name": req.Name})
}

// buildCondition compiles the declarative rule fields into a predicate. All
// set conditions must match for the rule to fire.
func buildCondition(req *decisionRuleRequest) (risk.Condition, error) {
	levels := make(map[risk.Level]bool, len(req.RiskLevels))
	for _, l := range req.RiskLevels {
		switch level := risk.Level(l); level {
		case risk.LevelLow, risk.LevelMedium, risk.LevelHigh, risk.LevelCritical:
			levels[level] = true
		default:
			return nil, &validationError{"unknown risk level: " + l}
		}
	}

	minScore := req.MinRiskScore
	minAmount := req.MinAmount

	return func(a *risk.Assessment, ctx *risk.Context) bool {
		if minScore != nil && a.OverallRiskScore < *minScore {
			return false
		}
		if minAmount != nil {
			if ctx == nil || ctx.Amount < *minAmount {
				return false
			}
		}
		if len(levels) > 0 && !levels[a.RiskLevel] {
			return false
		}
		return true
	}, nil
}

func (s *Server) removeDecisionRuleHandler(c *gin.Context) {
	name := c.Param("name")
	if !s.analyzer.Engine().Decisions().RemoveRule(name) {
		errorResponse(c, http.StatusNotFound, "not_found", "No decision rule with that name")
		return
	}
	logging.L(c.Request.Context()).Info("decision rule removed", "name", name)
	c.JSON(http.StatusOK, gin.H{"status": "removed", "name": name})
}

func (s *Server) feedbackHandler(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.analyzer.SubmitFeedback(c.Request.Context(), req.TransactionID, req.ActualFraud, req.FeedbackType); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_feedback", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "accepted",
		"transactionId": req.TransactionID,
	})
}

func (s *Server) trainHandler(c *gin.Context) {
	var req trainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	txs := make([]*transaction.Transaction, 0, len(req.Transactions))
	for i := range req.Transactions {
		tx, _, err := req.Transactions[i].toTransaction()
		if err != nil {
			continue
		}
		txs = append(txs, tx)
	}

	summary, err := s.analyzer.TrainEnsemble(c.Request.Context(), txs)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "training_failed", err.Error())
		return
	}

	logging.L(c.Request.Context()).Info("ensemble trained", "samples", summary.Samples)
	c.JSON(http.StatusOK, gin.H{
		"status":  "trained",
		"summary": summary,
	})
}

// -----------------------------------------------------------------------------
// Network handlers
// -----------------------------------------------------------------------------

func (s *Server) networkStatsHandler(c *gin.Context) {
	g := s.network.Graph()
	communities := s.network.Communities(time.Now())

	suspicious := 0
	for _, comm := range communities {
		if comm.Suspicion >= s.cfg.SuspicionThreshold {
			suspicious++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes":                 g.NodeCount(),
		"edges":                 g.EdgeCount(),
		"communities":           len(communities),
		"suspiciousCommunities": suspicious,
	})
}

func (s *Server) communitiesHandler(c *gin.Context) {
	communities := s.network.Communities(time.Now())

	if c.Query("suspicious") == "true" {
		filtered := communities[:0]
		for _, comm := range communities {
			if comm.Suspicion >= s.cfg.SuspicionThreshold {
				filtered = append(filtered, comm)
			}
		}
		communities = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"count":       len(communities),
		"communities": communities,
	})
}

func (s *Server) subgraphHandler(c *gin.Context) {
	wallet := c.Param("wallet")

	radius := 2
	if raw := c.Query("radius"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 5 {
			errorResponse(c, http.StatusBadRequest, "invalid_request", "radius must be an integer between 1 and 5")
			return
		}
		radius = parsed
	}

	sub := s.network.Graph().Subgraph(wallet, radius)
	c.JSON(http.StatusOK, sub)
}

// -----------------------------------------------------------------------------
// Health & info handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := http.StatusOK
	state := "healthy"
	if !healthy || !s.healthy.Load() {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":     state,
		"subsystems": statuses,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "fraud-detection",
		"version":     "0.1.0",
		"description": "Real-time fraud risk scoring for wallet-to-wallet transfers",
		"endpoints": gin.H{
			"analyze":       "POST /api/v1/analyze",
			"batchAnalyze":  "POST /api/v1/analyze/batch",
			"assessments":   "GET /api/v1/assessments/:transactionId",
			"performance":   "GET /api/v1/performance",
			"configuration": "POST /api/v1/configuration",
			"decisionRules": "POST /api/v1/decision-rules, DELETE /api/v1/decision-rules/:name",
			"feedback":      "POST /api/v1/models/update",
			"train":         "POST /api/v1/models/train",
			"network":       "GET /api/v1/network/stats, /api/v1/network/communities, /api/v1/network/subgraph/:wallet",
			"websocket":     "GET /ws",
			"health":        "GET /health",
			"metrics":       "GET /metrics",
		},
	})
}
