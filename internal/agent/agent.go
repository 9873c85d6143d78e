// Package agent defines the configured persona model shared by the
// orchestrator and the transfer scorer. Agents are owned by an external
// service; the engine only reads them.
package agent

// Function is a callable the agent may invoke through an MCP command.
type Function struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Agent is a configured persona: prompt plus capabilities.
type Agent struct {
	ID           string   `json:"id"`
	TenantID     string   `json:"tenant_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Specialties  []string `json:"specialties,omitempty"`
	// RAGCategories are the knowledge base categories this agent draws on.
	RAGCategories []string `json:"rag_categories,omitempty"`

	// EscalationEnabled allows the conversation to be re-scored and
	// transferred away from this agent.
	EscalationEnabled bool `json:"escalation_enabled"`
	// HumanSupport marks an agent that can hand the conversation to a
	// person.
	HumanSupport bool `json:"human_support"`
	// HumanHandoffNumber is the WhatsApp contact notified on escalation.
	HumanHandoffNumber string `json:"human_handoff_number,omitempty"`

	FunctionsEnabled bool       `json:"functions_enabled"`
	Functions        []Function `json:"functions,omitempty"`
}

// HasFunction reports whether the agent declares a function by name.
func (a *Agent) HasFunction(name string) bool {
	for _, f := range a.Functions {
		if f.Name == name {
			return true
		}
	}
	return false
}
