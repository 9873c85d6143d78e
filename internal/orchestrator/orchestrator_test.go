package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dispatchd/dispatchd/internal/agent"
	"github.com/dispatchd/dispatchd/internal/bus"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/convstate"
	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/tokenmeter"
	"github.com/dispatchd/dispatchd/internal/transfer"
)

// --- fakes ---

type fakeAgents struct {
	order []*agent.Agent
}

func (f *fakeAgents) GetAgent(_ context.Context, _, agentID string) (*agent.Agent, error) {
	for _, a := range f.order {
		if a.ID == agentID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("agent not found: %s", agentID)
}

func (f *fakeAgents) GetAgentsByTenant(context.Context, string) ([]*agent.Agent, error) {
	return f.order, nil
}

func (f *fakeAgents) GetRelatedAgents(_ context.Context, _, agentID string) ([]*agent.Agent, error) {
	var out []*agent.Agent
	for _, a := range f.order {
		if a.ID != agentID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeLLM struct {
	mu     sync.Mutex
	reply  string
	usage  LLMUsage
	err    error
	models []string
}

func (f *fakeLLM) GenerateResponse(_ context.Context, model string, _ []Message) (string, LLMUsage, error) {
	f.mu.Lock()
	f.models = append(f.models, model)
	f.mu.Unlock()
	return f.reply, f.usage, f.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) SendWhatsAppAlert(_ context.Context, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

type fakeMeter struct {
	mu   sync.Mutex
	logs []tokenmeter.Usage
}

func (f *fakeMeter) Log(_ context.Context, u tokenmeter.Usage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, u)
	return nil
}

// --- fixture ---

type fixture struct {
	orch     *Orchestrator
	states   *convstate.Store
	archive  *store.Store
	llm      *fakeLLM
	notifier *fakeNotifier
	meter    *fakeMeter
	agents   *fakeAgents
}

func newFixture(t *testing.T, agents ...*agent.Agent) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st, err := store.New(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Transfer.Enabled = true

	states := convstate.NewStore(rdb, 24*time.Hour, 7*24*time.Hour)
	llm := &fakeLLM{reply: "Tudo certo!", usage: LLMUsage{PromptTokens: 10, CompletionTokens: 5}}
	notifier := &fakeNotifier{}
	meter := &fakeMeter{}
	svc := &fakeAgents{order: agents}

	f := &fixture{
		states:   states,
		archive:  st,
		llm:      llm,
		notifier: notifier,
		meter:    meter,
		agents:   svc,
	}
	f.orch = New(Options{
		Config:   cfg,
		States:   states,
		Archive:  st,
		Agents:   svc,
		Scorer:   transfer.NewScorer(cfg.Transfer, nil, nil),
		LLM:      llm,
		Notifier: notifier,
		Meter:    meter,
	})
	return f
}

func defaultAgent() *agent.Agent {
	return &agent.Agent{
		ID:                "agent-general",
		TenantID:          "t1",
		Name:              "Assistente Geral",
		Model:             "gpt-4o-mini",
		SystemPrompt:      "Você é um assistente geral.",
		Specialties:       []string{"general"},
		EscalationEnabled: true,
		HumanSupport:      true,
	}
}

func billingSpecialist() *agent.Agent {
	return &agent.Agent{
		ID:          "agent-financeiro",
		TenantID:    "t1",
		Name:        "Financeiro",
		Description: "Especialista em fatura, cobrança e pagamento",
		Model:       "gpt-4o",
		Specialties: []string{"billing"},
	}
}

func inbound(t *testing.T, text string) *bus.Envelope {
	t.Helper()
	raw := fmt.Sprintf(`{"event_type":"Message","tenant_id":"t1","device_id":"d1","event":{"Info":{"Chat":"5511999999999@s.whatsapp.net","Sender":"5511999999999@s.whatsapp.net"},"Message":{"Conversation":%q}}}`, text)
	env, err := bus.ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	return env
}

// --- tests ---

func TestNewConversationIsCreated(t *testing.T) {
	f := newFixture(t, defaultAgent())
	ctx := context.Background()

	res, err := f.orch.ProcessMessage(ctx, inbound(t, "olá"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.ConversationID == "" {
		t.Fatal("no conversation id")
	}
	if res.CurrentAgent != "agent-general" {
		t.Fatalf("current agent = %s", res.CurrentAgent)
	}
	if res.Response != "Tudo certo!" {
		t.Fatalf("response = %q", res.Response)
	}

	state, err := f.states.Get(ctx, res.ConversationID)
	if err != nil || state == nil {
		t.Fatalf("state not persisted: %v %v", state, err)
	}
	// user turn + assistant turn
	if len(state.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(state.History))
	}

	id, err := f.states.ResolveUser(ctx, "t1", "5511999999999")
	if err != nil || id != res.ConversationID {
		t.Fatalf("user map = %q, want %q (err %v)", id, res.ConversationID, err)
	}
}

func TestSecondMessageContinuesConversation(t *testing.T) {
	f := newFixture(t, defaultAgent())
	ctx := context.Background()

	first, err := f.orch.ProcessMessage(ctx, inbound(t, "olá"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.orch.ProcessMessage(ctx, inbound(t, "tudo bem?"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("conversation changed: %s vs %s", second.ConversationID, first.ConversationID)
	}
	if second.ConversationReset {
		t.Fatal("unexpected reset")
	}
}

func TestMaxLengthPrecedesTimeout(t *testing.T) {
	f := newFixture(t, defaultAgent())
	ctx := context.Background()

	// A conversation that is both over the length limit and idle past
	// the timeout: the max-length branch must win.
	state := convstate.New("t1", "5511999999999", "agent-general")
	for i := 0; i < 100; i++ {
		state.Append(convstate.RoleUser, fmt.Sprintf("msg %d", i), "")
	}
	state.LastUpdated = time.Now().Add(-2 * time.Hour).Unix()
	if err := f.states.Save(ctx, state); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := f.states.MapUser(ctx, "t1", "5511999999999", state.ID); err != nil {
		t.Fatalf("seed map: %v", err)
	}

	res, err := f.orch.ProcessMessage(ctx, inbound(t, "ainda está aí?"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.ConversationReset || res.ResetReason != store.ReasonMaxLength {
		t.Fatalf("reset=%v reason=%q, want max length reset", res.ConversationReset, res.ResetReason)
	}
	if res.ConversationID == state.ID {
		t.Fatal("conversation id not rotated")
	}

	archived, err := f.archive.ListArchivedConversations("t1", "5511999999999", 5)
	if err != nil {
		t.Fatalf("list archive: %v", err)
	}
	if len(archived) != 1 || archived[0].Reason != store.ReasonMaxLength {
		t.Fatalf("archive = %+v, want one max-length row", archived)
	}

	// The archived conversation is evicted rather than left to expire.
	if gone, _ := f.states.Get(ctx, state.ID); gone != nil {
		t.Fatalf("archived state %s still readable", state.ID)
	}
}

func TestTimeoutArchivesAndResets(t *testing.T) {
	f := newFixture(t, defaultAgent())
	ctx := context.Background()

	state := convstate.New("t1", "5511999999999", "agent-general")
	state.Append(convstate.RoleUser, "oi", "")
	state.LastUpdated = time.Now().Add(-2 * time.Hour).Unix()
	if err := f.states.Save(ctx, state); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := f.states.MapUser(ctx, "t1", "5511999999999", state.ID); err != nil {
		t.Fatalf("seed map: %v", err)
	}

	res, err := f.orch.ProcessMessage(ctx, inbound(t, "voltei"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.ResetReason != store.ReasonTimeout {
		t.Fatalf("reset reason = %q, want timeout", res.ResetReason)
	}

	next, _ := f.states.Get(ctx, res.ConversationID)
	if next.Metadata.PreviousConversationID != state.ID {
		t.Fatalf("previous id = %q, want %q", next.Metadata.PreviousConversationID, state.ID)
	}
	if gone, _ := f.states.Get(ctx, state.ID); gone != nil {
		t.Fatalf("archived state %s still readable", state.ID)
	}
}

func TestTransferHappensBeforeLLMCall(t *testing.T) {
	f := newFixture(t, defaultAgent(), billingSpecialist())
	ctx := context.Background()

	// Two warm-up turns to clear the minimum-message gate.
	if _, err := f.orch.ProcessMessage(ctx, inbound(t, "olá")); err != nil {
		t.Fatalf("warmup 1: %v", err)
	}
	if _, err := f.orch.ProcessMessage(ctx, inbound(t, "tudo bem")); err != nil {
		t.Fatalf("warmup 2: %v", err)
	}

	res, err := f.orch.ProcessMessage(ctx, inbound(t, "preciso da segunda via da fatura, o boleto venceu e quero negociar a cobrança"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Transfer == nil {
		t.Fatal("no transfer recorded")
	}
	if res.Transfer.ToAgentID != "agent-financeiro" || res.CurrentAgent != "agent-financeiro" {
		t.Fatalf("transfer = %+v current=%s", res.Transfer, res.CurrentAgent)
	}

	// The specialist's model answered this same turn.
	f.llm.mu.Lock()
	lastModel := f.llm.models[len(f.llm.models)-1]
	f.llm.mu.Unlock()
	if lastModel != "gpt-4o" {
		t.Fatalf("llm model = %s, want the specialist's", lastModel)
	}

	state, _ := f.states.Get(ctx, res.ConversationID)
	if state.Metadata.TransferCount != 1 {
		t.Fatalf("transfer count = %d, want 1", state.Metadata.TransferCount)
	}
}

func TestEscalationCommandNotifiesHandoffContact(t *testing.T) {
	a := defaultAgent()
	a.HumanHandoffNumber = "5511888887777"
	f := newFixture(t, a)
	f.llm.reply = "Encaminhando você. <comando>ESCALAR_PARA_HUMANO</comando>"

	res, err := f.orch.ProcessMessage(context.Background(), inbound(t, "quero falar com atendente"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Response != "Encaminhando você." {
		t.Fatalf("response = %q, command tag must be stripped", res.Response)
	}
	if len(res.Actions) != 1 || res.Actions[0].Type != ActionHumanEscalation {
		t.Fatalf("actions = %+v", res.Actions)
	}
	if len(f.notifier.messages) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.messages))
	}
}

func TestEscalationWithoutContactAddsCaveat(t *testing.T) {
	f := newFixture(t, defaultAgent()) // no hand-off number
	f.llm.reply = "Vou encaminhar. <comando>ESCALAR_PARA_HUMANO</comando>"

	res, err := f.orch.ProcessMessage(context.Background(), inbound(t, "quero falar com atendente"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("actions = %+v, want none without a contact", res.Actions)
	}
	if res.Response == "Vou encaminhar." {
		t.Fatal("caveat missing from reply")
	}
	if len(f.notifier.messages) != 0 {
		t.Fatalf("unexpected notifications: %v", f.notifier.messages)
	}
}

func TestSpecialistConsultSwitchesNextTurn(t *testing.T) {
	f := newFixture(t, defaultAgent(), billingSpecialist())
	ctx := context.Background()
	f.llm.reply = "Vou verificar com o time certo. <comando>CONSULTAR_ESPECIALISTA:financeiro</comando>"

	res, err := f.orch.ProcessMessage(ctx, inbound(t, "dúvida sobre meu plano"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// The switch applies on the NEXT turn, not this one.
	if res.CurrentAgent != "agent-general" {
		t.Fatalf("current agent = %s, want agent-general this turn", res.CurrentAgent)
	}
	if len(res.Actions) != 1 || res.Actions[0].Type != ActionSpecialistConsult {
		t.Fatalf("actions = %+v", res.Actions)
	}

	f.llm.reply = "Aqui é do financeiro."
	next, err := f.orch.ProcessMessage(ctx, inbound(t, "ok"))
	if err != nil {
		t.Fatalf("next turn: %v", err)
	}
	if next.CurrentAgent != "agent-financeiro" {
		t.Fatalf("next turn agent = %s, want agent-financeiro", next.CurrentAgent)
	}
}

func TestUnknownSpecialistTopicIsDropped(t *testing.T) {
	f := newFixture(t, defaultAgent(), billingSpecialist())
	f.llm.reply = "Um momento. <comando>CONSULTAR_ESPECIALISTA:juridico</comando>"

	res, err := f.orch.ProcessMessage(context.Background(), inbound(t, "dúvida"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("actions = %+v, want none for unknown topic", res.Actions)
	}
	if res.Response != "Um momento." {
		t.Fatalf("response = %q", res.Response)
	}
}

func TestTokenUsageIsMetered(t *testing.T) {
	f := newFixture(t, defaultAgent())

	if _, err := f.orch.ProcessMessage(context.Background(), inbound(t, "olá")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.meter.logs) != 1 {
		t.Fatalf("meter logs = %d, want 1", len(f.meter.logs))
	}
	u := f.meter.logs[0]
	if u.PromptTokens != 10 || u.CompletionTokens != 5 || u.AgentID != "agent-general" {
		t.Fatalf("usage = %+v", u)
	}
}

func TestLLMFailureDegradesToFallbackReply(t *testing.T) {
	f := newFixture(t, defaultAgent())
	f.llm.err = fmt.Errorf("upstream 502")

	res, err := f.orch.ProcessMessage(context.Background(), inbound(t, "olá"))
	if err != nil {
		t.Fatalf("process must not fail on llm error: %v", err)
	}
	if res.Response != llmFallbackReply {
		t.Fatalf("response = %q, want fallback", res.Response)
	}
	if len(f.meter.logs) != 0 {
		t.Fatalf("usage metered on failure: %+v", f.meter.logs)
	}
}

func TestFunctionCommandsBecomeActions(t *testing.T) {
	a := defaultAgent()
	a.FunctionsEnabled = true
	f := newFixture(t, a)
	f.llm.reply = `Cancelado. <comando>EXECUTAR_MCP:{"name":"cancel_subscription","parameters":{"id":"9"}}</comando>`

	res, err := f.orch.ProcessMessage(context.Background(), inbound(t, "pode cancelar minha assinatura"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Actions) != 1 || res.Actions[0].Type != ActionFunctionCall || res.Actions[0].Name != "cancel_subscription" {
		t.Fatalf("actions = %+v", res.Actions)
	}

	state, _ := f.states.Get(context.Background(), res.ConversationID)
	last := state.History[len(state.History)-1]
	if last.Role != convstate.RoleSystem {
		t.Fatalf("last turn = %+v, want action log line", last)
	}
}
