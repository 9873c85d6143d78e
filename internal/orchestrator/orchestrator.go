// Package orchestrator drives a conversation turn end to end: session
// state machine, escalation detection, agent transfer, prompt assembly,
// LLM invocation, usage metering, and in-band command execution.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/agent"
	"github.com/dispatchd/dispatchd/internal/bus"
	"github.com/dispatchd/dispatchd/internal/channels"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/convstate"
	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/tokenmeter"
	"github.com/dispatchd/dispatchd/internal/transfer"
)

// AgentService resolves configured personas. Owned externally.
type AgentService interface {
	GetAgent(ctx context.Context, tenantID, agentID string) (*agent.Agent, error)
	GetAgentsByTenant(ctx context.Context, tenantID string) ([]*agent.Agent, error)
	GetRelatedAgents(ctx context.Context, tenantID, agentID string) ([]*agent.Agent, error)
}

// RAGService retrieves knowledge base context for prompt assembly.
type RAGService interface {
	Search(ctx context.Context, query, category string, limit int) ([]transfer.SearchResult, error)
}

// Message is one entry of an LLM request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMUsage reports token counts for one completion.
type LLMUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// LLMService produces completions.
type LLMService interface {
	GenerateResponse(ctx context.Context, model string, messages []Message) (string, LLMUsage, error)
}

// MemoryEntry is a long-term memory item. Owned by the memory service;
// the orchestrator only reads.
type MemoryEntry struct {
	ID           string
	TenantID     string
	UserID       string
	Type         string // conversation | user_preference | issue | fact | action
	Content      string
	Importance   float64
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int
}

// MemoryService provides recall, summarization and user profiles.
type MemoryService interface {
	RecallMemories(ctx context.Context, tenantID, userID, query string, limit int) ([]MemoryEntry, error)
	GenerateConversationSummary(ctx context.Context, history []convstate.Turn) (string, error)
	GetUserProfile(ctx context.Context, tenantID, userID string) (string, error)
}

// NotificationService delivers human hand-off alerts.
type NotificationService interface {
	SendWhatsAppAlert(ctx context.Context, phone, message string) error
}

// TokenMeter records LLM usage.
type TokenMeter interface {
	Log(ctx context.Context, u tokenmeter.Usage) error
}

// Action is a side effect requested by the model's reply.
type Action struct {
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Summary   string          `json:"summary,omitempty"`
}

// Action types.
const (
	ActionHumanEscalation   = "human_escalation"
	ActionFunctionCall      = "function_call"
	ActionSpecialistConsult = "specialist_consult"
)

// TransferInfo describes an agent switch made this turn.
type TransferInfo struct {
	FromAgentID string  `json:"from_agent_id"`
	ToAgentID   string  `json:"to_agent_id"`
	Score       float64 `json:"score"`
	Reason      string  `json:"reason"`
}

// Result is the outcome of one processed message.
type Result struct {
	Response          string        `json:"response"`
	ConversationID    string        `json:"conversation_id"`
	CurrentAgent      string        `json:"current_agent"`
	Actions           []Action      `json:"actions,omitempty"`
	Transfer          *TransferInfo `json:"transfer,omitempty"`
	ConversationReset bool          `json:"conversation_reset,omitempty"`
	ResetReason       string        `json:"reset_reason,omitempty"`
}

const llmFallbackReply = "Desculpe, estou com uma instabilidade no momento. Pode tentar novamente em instantes?"

// Options wires the orchestrator's collaborators.
type Options struct {
	Config   config.Config
	States   *convstate.Store
	Archive  *store.Store
	Agents   AgentService
	Scorer   *transfer.Scorer
	RAG      RAGService
	LLM      LLMService
	Memory   MemoryService
	Notifier NotificationService
	Meter    TokenMeter
}

// Orchestrator coordinates one conversation turn at a time.
type Orchestrator struct {
	cfg      config.Config
	states   *convstate.Store
	archive  *store.Store
	agents   AgentService
	scorer   *transfer.Scorer
	rag      RAGService
	llm      LLMService
	memory   MemoryService
	notifier NotificationService
	meter    TokenMeter
	now      func() time.Time

	// summaries produced in the background, applied to state metadata
	// on the conversation's next turn.
	pendingSummaries sync.Map
	wg               sync.WaitGroup
}

// New creates an orchestrator. RAG, Memory, Notifier and Meter may be
// nil; the matching pipeline steps are then skipped.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		cfg:      opts.Config,
		states:   opts.States,
		archive:  opts.Archive,
		agents:   opts.Agents,
		scorer:   opts.Scorer,
		rag:      opts.RAG,
		llm:      opts.LLM,
		memory:   opts.Memory,
		notifier: opts.Notifier,
		meter:    opts.Meter,
		now:      time.Now,
	}
}

// Wait blocks until background summaries finish.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// ProcessMessage runs the full pipeline for one inbound event and
// returns the reply to deliver.
func (o *Orchestrator) ProcessMessage(ctx context.Context, env *bus.Envelope) (*Result, error) {
	tenantID := env.TenantID
	userID := channels.UserID(env)
	text := env.Text()

	state, result, err := o.resolveState(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	o.applyPendingSummary(state)
	if next := state.Metadata.NextAgentID; next != "" {
		state.CurrentAgentID = next
		state.Metadata.NextAgentID = ""
	}

	current, err := o.agents.GetAgent(ctx, tenantID, state.CurrentAgentID)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", state.CurrentAgentID, err)
	}

	state.Append(convstate.RoleUser, text, "")

	if transfer.WantsHuman(text) && current.HumanSupport {
		state.Append(convstate.RoleSystem,
			"O usuário pediu atendimento humano. Emita <comando>"+verbEscalate+"</comando> junto com uma resposta breve confirmando o encaminhamento.", "")
	}

	if current.EscalationEnabled && o.scorer != nil {
		if info, switched := o.evaluateTransfer(ctx, state, text, current); switched != nil {
			current = switched
			result.Transfer = info
		}
	}

	messages := o.buildMessages(ctx, state, current, text)
	o.maybeScheduleSummary(state)

	reply, usage, llmErr := o.llm.GenerateResponse(ctx, current.Model, messages)
	if llmErr != nil {
		slog.Error("LLM call failed", "conversation", state.ID, "agent", current.ID, "error", llmErr)
		reply = llmFallbackReply
	} else if o.meter != nil {
		if err := o.meter.Log(ctx, tokenmeter.Usage{
			TenantID:         tenantID,
			AgentID:          current.ID,
			ConversationID:   state.ID,
			Model:            current.Model,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
		}); err != nil {
			slog.Warn("Token metering failed", "conversation", state.ID, "error", err)
		}
	}

	visible, cmds := ParseCommands(reply, o.cfg.Conversation.MaxCommandsPerReply)
	visible, actions := o.executeCommands(ctx, state, current, visible, cmds)

	state.Append(convstate.RoleAssistant, visible, current.ID)
	for _, a := range actions {
		state.Append(convstate.RoleSystem, actionLogLine(a), "")
	}

	if err := o.states.Save(ctx, state); err != nil {
		slog.Error("Conversation save failed", "conversation", state.ID, "error", err)
	}
	if err := o.states.MapUser(ctx, tenantID, userID, state.ID); err != nil {
		slog.Warn("User map write failed", "conversation", state.ID, "error", err)
	}

	result.Response = visible
	result.ConversationID = state.ID
	result.CurrentAgent = current.ID
	result.Actions = actions
	return result, nil
}

// resolveState applies the state machine transitions, strictly in
// order: absent, max length, timeout, continue.
func (o *Orchestrator) resolveState(ctx context.Context, tenantID, userID string) (*convstate.State, *Result, error) {
	result := &Result{}

	prevID, err := o.states.ResolveUser(ctx, tenantID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve user conversation: %w", err)
	}

	var state *convstate.State
	if prevID != "" {
		state, err = o.states.Get(ctx, prevID)
		if err != nil {
			return nil, nil, fmt.Errorf("load conversation %s: %w", prevID, err)
		}
	}

	switch {
	case state == nil:
		state, err = o.freshState(ctx, tenantID, userID, prevID, "")
		if err != nil {
			return nil, nil, err
		}
		if prevID != "" {
			// The state expired but the user map survived: a reset, not
			// an error.
			result.ConversationReset = true
			result.ResetReason = "state_expired"
		}

	case len(state.History) >= o.cfg.Conversation.MaxLength:
		if err := o.archiveState(state, store.ReasonMaxLength); err != nil {
			slog.Error("Conversation archive failed", "conversation", state.ID, "error", err)
		} else if err := o.states.Delete(ctx, state.ID); err != nil {
			slog.Warn("Archived conversation eviction failed", "conversation", state.ID, "error", err)
		}
		state, err = o.replacementState(ctx, tenantID, userID, state, store.ReasonMaxLength)
		if err != nil {
			return nil, nil, err
		}
		result.ConversationReset = true
		result.ResetReason = store.ReasonMaxLength

	case state.IdleSince(o.now()) > o.cfg.Conversation.Timeout():
		if err := o.archiveState(state, store.ReasonTimeout); err != nil {
			slog.Error("Conversation archive failed", "conversation", state.ID, "error", err)
		} else if err := o.states.Delete(ctx, state.ID); err != nil {
			slog.Warn("Archived conversation eviction failed", "conversation", state.ID, "error", err)
		}
		state, err = o.replacementState(ctx, tenantID, userID, state, store.ReasonTimeout)
		if err != nil {
			return nil, nil, err
		}
		result.ConversationReset = true
		result.ResetReason = store.ReasonTimeout
	}

	return state, result, nil
}

// freshState starts a new conversation on the tenant's default agent
// (the first configured one) unless an agent id is carried over.
func (o *Orchestrator) freshState(ctx context.Context, tenantID, userID, previousID, agentID string) (*convstate.State, error) {
	if agentID == "" {
		agents, err := o.agents.GetAgentsByTenant(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("list tenant agents: %w", err)
		}
		if len(agents) == 0 {
			return nil, fmt.Errorf("tenant %s has no agents configured", tenantID)
		}
		agentID = agents[0].ID
	}
	state := convstate.New(tenantID, userID, agentID)
	state.Metadata.PreviousConversationID = previousID
	if previousID != "" {
		state.Append(convstate.RoleSystem, "Conversa anterior encerrada; iniciando um novo atendimento.", "")
	}
	return state, nil
}

func (o *Orchestrator) replacementState(ctx context.Context, tenantID, userID string, old *convstate.State, reason string) (*convstate.State, error) {
	state, err := o.freshState(ctx, tenantID, userID, old.ID, old.CurrentAgentID)
	if err != nil {
		return nil, err
	}
	note := "Conversa anterior arquivada por limite de mensagens; histórico reiniciado."
	if reason == store.ReasonTimeout {
		note = "Conversa anterior arquivada por inatividade; histórico reiniciado."
	}
	state.Append(convstate.RoleSystem, note, "")
	return state, nil
}

func (o *Orchestrator) archiveState(state *convstate.State, reason string) error {
	if o.archive == nil {
		return nil
	}
	history, err := json.Marshal(state.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return o.archive.ArchiveConversation(&store.ArchivedConversation{
		ConversationID: state.ID,
		TenantID:       state.TenantID,
		UserID:         state.UserID,
		AgentID:        state.CurrentAgentID,
		Reason:         reason,
		History:        string(history),
		MessageCount:   len(state.History),
	})
}

// evaluateTransfer re-scores candidate agents and switches before the
// LLM call when the top candidate clears the threshold.
func (o *Orchestrator) evaluateTransfer(ctx context.Context, state *convstate.State, text string, current *agent.Agent) (*TransferInfo, *agent.Agent) {
	related, err := o.agents.GetRelatedAgents(ctx, state.TenantID, current.ID)
	if err != nil {
		slog.Warn("Related agent lookup failed", "agent", current.ID, "error", err)
		return nil, nil
	}

	scores, focus := o.scorer.Evaluate(ctx, state, text, current, related)
	if focus != nil {
		state.Metadata.PreviousFocus = focus
	}
	if len(scores) == 0 {
		return nil, nil
	}
	top := scores[0]
	if top.AgentID == current.ID || top.Score <= o.cfg.Transfer.Threshold {
		return nil, nil
	}

	next, err := o.agents.GetAgent(ctx, state.TenantID, top.AgentID)
	if err != nil {
		slog.Warn("Transfer target lookup failed", "agent", top.AgentID, "error", err)
		return nil, nil
	}

	info := &TransferInfo{
		FromAgentID: current.ID,
		ToAgentID:   next.ID,
		Score:       top.Score,
		Reason:      top.Reason,
	}
	state.CurrentAgentID = next.ID
	state.Metadata.TransferCount++
	state.Append(convstate.RoleSystem,
		fmt.Sprintf("Atendimento transferido de %s para %s (%s).", current.Name, next.Name, top.Reason), "")
	slog.Info("Conversation transferred",
		"conversation", state.ID, "from", current.ID, "to", next.ID, "score", fmt.Sprintf("%.2f", top.Score))
	return info, next
}

// buildMessages assembles the LLM request: system prompt enriched with
// user profile, recalled memories, knowledge context and the last
// summary, followed by the recent history window.
func (o *Orchestrator) buildMessages(ctx context.Context, state *convstate.State, a *agent.Agent, text string) []Message {
	var system strings.Builder
	system.WriteString(a.SystemPrompt)

	if o.cfg.Memory.Enabled && o.memory != nil {
		if profile, err := o.memory.GetUserProfile(ctx, state.TenantID, state.UserID); err != nil {
			slog.Warn("User profile fetch failed", "user", state.UserID, "error", err)
		} else if profile != "" {
			system.WriteString("\n\n## Perfil do usuário\n" + profile)
		}
		if memories, err := o.memory.RecallMemories(ctx, state.TenantID, state.UserID, text, o.cfg.Memory.RecallLimit); err != nil {
			slog.Warn("Memory recall failed", "user", state.UserID, "error", err)
		} else if len(memories) > 0 {
			system.WriteString("\n\n## Memórias relevantes")
			for _, m := range memories {
				system.WriteString(fmt.Sprintf("\n- [%s] %s", m.Type, m.Content))
			}
		}
	}

	if ragContext := o.ragContext(ctx, a, text); ragContext != "" {
		system.WriteString("\n\n## Contexto da base de conhecimento\n" + ragContext)
	}
	if state.Metadata.LastSummary != "" {
		system.WriteString("\n\n## Resumo da conversa até aqui\n" + state.Metadata.LastSummary)
	}

	messages := []Message{{Role: convstate.RoleSystem, Content: system.String()}}
	for _, t := range state.RecentTurns(20) {
		messages = append(messages, Message{Role: t.Role, Content: t.Content})
	}
	return messages
}

// ragContext gathers top results per agent category, dropping low
// relevance hits. Failures degrade to no context.
func (o *Orchestrator) ragContext(ctx context.Context, a *agent.Agent, query string) string {
	if o.rag == nil || len(a.RAGCategories) == 0 {
		return ""
	}
	categories := a.RAGCategories
	if len(categories) > o.cfg.RAG.MaxCategories {
		categories = categories[:o.cfg.RAG.MaxCategories]
	}

	searchCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.RAG.SearchTimeoutSec)*time.Second)
	defer cancel()

	var parts []string
	for _, cat := range categories {
		results, err := o.rag.Search(searchCtx, query, cat, o.cfg.RAG.TopPerCategory)
		if err != nil {
			slog.Warn("Knowledge search failed", "category", cat, "error", err)
			continue
		}
		for _, r := range results {
			if r.Relevance >= o.cfg.RAG.MinRelevance {
				parts = append(parts, r.Content)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// maybeScheduleSummary fires a background summarization when the
// conversation grew by the configured number of messages or the last
// summary aged out. The turn never waits on it.
func (o *Orchestrator) maybeScheduleSummary(state *convstate.State) {
	if o.memory == nil {
		return
	}
	every := o.cfg.Conversation.SummaryEveryMessages
	maxAge := time.Duration(o.cfg.Conversation.SummaryMaxAgeMinutes) * time.Minute

	due := len(state.History) > 0 && every > 0 && len(state.History)%every == 0
	if !due && state.Metadata.LastSummaryAt > 0 && maxAge > 0 {
		due = o.now().Sub(time.Unix(state.Metadata.LastSummaryAt, 0)) > maxAge
	}
	if !due {
		return
	}

	id := state.ID
	history := append([]convstate.Turn(nil), state.History...)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Summary generation panicked", "conversation", id, "panic", r)
			}
		}()
		summary, err := o.memory.GenerateConversationSummary(context.Background(), history)
		if err != nil {
			slog.Warn("Summary generation failed", "conversation", id, "error", err)
			return
		}
		o.pendingSummaries.Store(id, summary)
	}()
}

// applyPendingSummary folds a background summary into the metadata at
// the start of the next turn.
func (o *Orchestrator) applyPendingSummary(state *convstate.State) {
	if v, ok := o.pendingSummaries.LoadAndDelete(state.ID); ok {
		state.Metadata.LastSummary = v.(string)
		state.Metadata.LastSummaryAt = o.now().Unix()
	}
}

// executeCommands turns parsed commands into actions and applies their
// side effects. The visible reply gains a caveat when escalation has no
// configured contact.
func (o *Orchestrator) executeCommands(ctx context.Context, state *convstate.State, current *agent.Agent, visible string, cmds []Command) (string, []Action) {
	var actions []Action
	for _, cmd := range cmds {
		switch cmd.Kind {
		case CommandEscalate:
			if current.HumanHandoffNumber == "" {
				slog.Warn("Escalation requested without a configured contact", "agent", current.ID)
				visible += "\n\nNo momento não consegui acionar um atendente humano, mas registrei sua solicitação."
				continue
			}
			summary := o.handoffSummary(state)
			if o.notifier != nil {
				if err := o.notifier.SendWhatsAppAlert(ctx, current.HumanHandoffNumber, summary); err != nil {
					slog.Warn("Escalation alert failed", "contact", current.HumanHandoffNumber, "error", err)
				}
			}
			actions = append(actions, Action{Type: ActionHumanEscalation, Summary: summary})

		case CommandInvokeFunction:
			actions = append(actions, Action{Type: ActionFunctionCall, Name: cmd.Function, Arguments: cmd.Args})

		case CommandConsultSpecialist:
			specialist, err := o.findSpecialist(ctx, state.TenantID, current.ID, cmd.Topic)
			if err != nil {
				slog.Warn("Specialist lookup failed", "topic", cmd.Topic, "error", err)
				continue
			}
			if specialist == nil {
				slog.Warn("No specialist matches topic", "topic", cmd.Topic)
				continue
			}
			state.Metadata.NextAgentID = specialist.ID
			actions = append(actions, Action{Type: ActionSpecialistConsult, Name: specialist.ID})
		}
	}
	return strings.TrimSpace(visible), actions
}

// findSpecialist matches a consultation topic against related agents by
// name first, then description. Case-insensitive substring match.
func (o *Orchestrator) findSpecialist(ctx context.Context, tenantID, currentAgentID, topic string) (*agent.Agent, error) {
	related, err := o.agents.GetRelatedAgents(ctx, tenantID, currentAgentID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(topic))
	for _, a := range related {
		if strings.Contains(strings.ToLower(a.Name), needle) {
			return a, nil
		}
	}
	for _, a := range related {
		if strings.Contains(strings.ToLower(a.Description), needle) {
			return a, nil
		}
	}
	return nil, nil
}

// handoffSummary builds the short digest sent to the human contact.
func (o *Orchestrator) handoffSummary(state *convstate.State) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Atendimento %s aguardando humano (usuário %s).", state.ID, state.UserID))
	if state.Metadata.LastSummary != "" {
		b.WriteString("\nResumo: " + state.Metadata.LastSummary)
	}
	turns := state.RecentTurns(4)
	if len(turns) > 0 {
		b.WriteString("\nÚltimas mensagens:")
		for _, t := range turns {
			if t.Role == convstate.RoleSystem {
				continue
			}
			b.WriteString(fmt.Sprintf("\n- %s: %s", t.Role, t.Content))
		}
	}
	return b.String()
}

func actionLogLine(a Action) string {
	switch a.Type {
	case ActionHumanEscalation:
		return "[ação] atendimento encaminhado para humano"
	case ActionFunctionCall:
		return "[ação] função executada: " + a.Name
	case ActionSpecialistConsult:
		return "[ação] especialista consultado: " + a.Name
	default:
		return "[ação] " + a.Type
	}
}
