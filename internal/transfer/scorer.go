// Package transfer decides, per turn, whether the current agent remains
// the best handler for a conversation, and if not, which tenant agent
// should take over.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/dispatchd/dispatchd/internal/agent"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/convstate"
)

// AgentScore is one ranked candidate. Transient, never persisted.
type AgentScore struct {
	AgentID string
	Score   float64
	Reason  string
}

// SearchResult is one knowledge base hit.
type SearchResult struct {
	Content   string
	Relevance float64
}

// RAGService estimates how well an agent's knowledge base covers the
// current message.
type RAGService interface {
	Search(ctx context.Context, query, category string, limit int) ([]SearchResult, error)
}

// Scoring weights and caps.
const (
	ragBonusCap          = 0.4
	ragBonusPerHit       = 0.2
	functionBonus        = 0.3
	humanEscalationBonus = 0.5
	escalationFocusBonus = 0.4
	repeatPenaltyCap     = 0.5
	topicChangeDistance  = 0.3
	specialtyHitWeight   = 0.5
	focusWindowTurns     = 5
	transferLookback     = 10
)

// Scorer ranks candidate agents against the conversation focus.
type Scorer struct {
	cfg      config.TransferConfig
	analyzer FocusAnalyzer
	rag      RAGService
}

// NewScorer creates a scorer. analyzer nil defaults to keyword
// classification; rag nil disables the relevance bonus.
func NewScorer(cfg config.TransferConfig, analyzer FocusAnalyzer, rag RAGService) *Scorer {
	if analyzer == nil {
		analyzer = KeywordAnalyzer{}
	}
	return &Scorer{cfg: cfg, analyzer: analyzer, rag: rag}
}

// Evaluate ranks the current agent and its related candidates for this
// turn. Gating conditions short-circuit to the current agent at score
// 1.0. The returned focus vector is nil when gated; otherwise the
// caller should persist it as the previous focus for the next turn.
func (s *Scorer) Evaluate(ctx context.Context, state *convstate.State, message string, current *agent.Agent, related []*agent.Agent) ([]AgentScore, FocusVector) {
	if gate := s.gate(state); gate != "" {
		return []AgentScore{{AgentID: current.ID, Score: 1.0, Reason: gate}}, nil
	}

	focus := s.analyzer.Focus(s.focusTexts(state, message))
	prevFocus := FocusVector(state.Metadata.PreviousFocus)
	recentTransfers := countRecentTransfers(state.AssistantTurns(transferLookback))

	candidates := make([]*agent.Agent, 0, len(related)+1)
	candidates = append(candidates, current)
	for _, a := range related {
		if a.ID != current.ID {
			candidates = append(candidates, a)
		}
	}

	scores := make([]AgentScore, 0, len(candidates))
	for _, a := range candidates {
		scores = append(scores, s.scoreAgent(ctx, a, a.ID == current.ID, message, focus, prevFocus, recentTransfers))
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	return scores, focus
}

// gate returns a non-empty reason when the heuristic must be skipped.
func (s *Scorer) gate(state *convstate.State) string {
	if !s.cfg.Enabled {
		return "transfers disabled"
	}
	userTurns := 0
	for _, t := range state.History {
		if t.Role == convstate.RoleUser {
			userTurns++
		}
	}
	if userTurns < s.cfg.MinMessagesBeforeTransfer {
		return fmt.Sprintf("only %d user messages so far", userTurns)
	}
	if state.Metadata.TransferCount >= s.cfg.MaxTransfersPerConversation {
		return fmt.Sprintf("transfer limit reached (%d)", state.Metadata.TransferCount)
	}
	if state.Metadata.TransferCount > 0 {
		if since := turnsSinceLastTransfer(state); since >= 0 && since < s.cfg.CooldownMessages {
			return fmt.Sprintf("cooling down, %d turns since last transfer", since)
		}
	}
	return ""
}

func (s *Scorer) scoreAgent(ctx context.Context, a *agent.Agent, isCurrent bool, message string, focus, prevFocus FocusVector, recentTransfers int) AgentScore {
	specialty := SpecialtyVector(a)

	var score float64
	for i := range focus {
		score += focus[i] * specialty[i]
	}
	reason := fmt.Sprintf("focus·specialty=%.2f", score)

	if bonus := s.ragBonus(ctx, a, message); bonus > 0 {
		score += bonus
		reason += fmt.Sprintf(" rag=+%.2f", bonus)
	}
	if a.FunctionsEnabled && ImpliesAction(message) {
		score += functionBonus
		reason += fmt.Sprintf(" functions=+%.2f", functionBonus)
	}
	if a.HumanSupport && WantsHuman(message) {
		score += humanEscalationBonus
		reason += fmt.Sprintf(" human=+%.2f", humanEscalationBonus)
	}
	if a.EscalationEnabled {
		if mass := focus.Get(CategoryEscalation); mass > 0 {
			bonus := escalationFocusBonus * mass
			score += bonus
			reason += fmt.Sprintf(" escalation=+%.2f", bonus)
		}
	}

	if !isCurrent {
		if penalty := math.Min(s.cfg.PenaltyPerTransfer*float64(recentTransfers), repeatPenaltyCap); penalty > 0 {
			score -= penalty
			reason += fmt.Sprintf(" repeat=-%.2f", penalty)
		}
		if len(prevFocus) > 0 {
			if dist := focus.Distance(prevFocus); dist > topicChangeDistance {
				bonus := math.Min(dist-topicChangeDistance, s.cfg.TopicChangeBonusCap)
				score += bonus
				reason += fmt.Sprintf(" topicshift=+%.2f", bonus)
			}
		}
	}

	return AgentScore{AgentID: a.ID, Score: score, Reason: reason}
}

// ragBonus estimates knowledge coverage with a cheap top-2 search over
// the agent's categories. Failures degrade to no bonus.
func (s *Scorer) ragBonus(ctx context.Context, a *agent.Agent, message string) float64 {
	if s.rag == nil || len(a.RAGCategories) == 0 {
		return 0
	}
	var bonus float64
	for _, cat := range a.RAGCategories {
		if bonus >= ragBonusCap {
			break
		}
		results, err := s.rag.Search(ctx, message, cat, 2)
		if err != nil {
			slog.Warn("Knowledge search failed during transfer scoring", "agent", a.ID, "category", cat, "error", err)
			continue
		}
		for _, r := range results {
			bonus += r.Relevance * ragBonusPerHit
		}
	}
	return math.Min(bonus, ragBonusCap)
}

// SpecialtyVector derives an agent's per-category capability from its
// declared specialties plus keyword matches on its name and
// description, capped at 1.0 per category.
func SpecialtyVector(a *agent.Agent) FocusVector {
	v := make(FocusVector, len(Categories))
	for _, sp := range a.Specialties {
		if i := matchCategory(sp); i >= 0 {
			v[i] = 1.0
		}
	}
	descriptive := strings.ToLower(a.Name + " " + a.Description)
	for i, cat := range Categories {
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(descriptive, kw) {
				v[i] = math.Min(v[i]+specialtyHitWeight, 1.0)
			}
		}
	}
	return v
}

// categoryAliases maps declared specialty names (both languages) onto
// the canonical categories.
var categoryAliases = map[string]string{
	"appointment":       CategoryAppointment,
	"appointments":      CategoryAppointment,
	"scheduling":        CategoryAppointment,
	"agendamento":       CategoryAppointment,
	"billing":           CategoryBilling,
	"finance":           CategoryBilling,
	"financial":         CategoryBilling,
	"financeiro":        CategoryBilling,
	"cobranca":          CategoryBilling,
	"cobrança":          CategoryBilling,
	"technical_support": CategoryTechnical,
	"technical":         CategoryTechnical,
	"support":           CategoryTechnical,
	"suporte":           CategoryTechnical,
	"escalation":        CategoryEscalation,
	"escalacao":         CategoryEscalation,
	"escalação":         CategoryEscalation,
	"commercial":        CategoryCommercial,
	"sales":             CategoryCommercial,
	"comercial":         CategoryCommercial,
	"vendas":            CategoryCommercial,
	"general":           CategoryGeneral,
	"geral":             CategoryGeneral,
}

func matchCategory(specialty string) int {
	key := strings.ToLower(strings.TrimSpace(specialty))
	if cat, ok := categoryAliases[key]; ok {
		return CategoryIndex(cat)
	}
	return CategoryIndex(key)
}

// focusTexts gathers the last few turns plus the current message.
func (s *Scorer) focusTexts(state *convstate.State, message string) []string {
	turns := state.RecentTurns(focusWindowTurns)
	texts := make([]string, 0, len(turns)+1)
	for _, t := range turns {
		if t.Role != convstate.RoleSystem {
			texts = append(texts, t.Content)
		}
	}
	return append(texts, message)
}

// countRecentTransfers counts agent-id changes across consecutive
// assistant turns.
func countRecentTransfers(turns []convstate.Turn) int {
	changes := 0
	prev := ""
	for _, t := range turns {
		if t.AgentID == "" {
			continue
		}
		if prev != "" && t.AgentID != prev {
			changes++
		}
		prev = t.AgentID
	}
	return changes
}

// turnsSinceLastTransfer returns the number of history turns after the
// most recent agent change, or -1 when no change is visible.
func turnsSinceLastTransfer(state *convstate.State) int {
	prev := ""
	lastChange := -1
	for i, t := range state.History {
		if t.Role != convstate.RoleAssistant || t.AgentID == "" {
			continue
		}
		if prev != "" && t.AgentID != prev {
			lastChange = i
		}
		prev = t.AgentID
	}
	if lastChange < 0 {
		return -1
	}
	return len(state.History) - 1 - lastChange
}
