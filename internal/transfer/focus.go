package transfer

import (
	"math"
	"strings"
)

// Topic categories, in vector order. Focus and specialty vectors are
// indexed by this slice.
const (
	CategoryAppointment = "appointment"
	CategoryBilling     = "billing"
	CategoryTechnical   = "technical_support"
	CategoryEscalation  = "escalation"
	CategoryCommercial  = "commercial"
	CategoryGeneral     = "general"
)

// Categories is the fixed category order for focus/specialty vectors.
var Categories = []string{
	CategoryAppointment,
	CategoryBilling,
	CategoryTechnical,
	CategoryEscalation,
	CategoryCommercial,
	CategoryGeneral,
}

// CategoryIndex returns the vector index of a category, -1 if unknown.
func CategoryIndex(category string) int {
	for i, c := range Categories {
		if c == category {
			return i
		}
	}
	return -1
}

// FocusVector is an L1-normalized per-category relevance distribution,
// indexed by Categories.
type FocusVector []float64

// Get returns the mass assigned to a category.
func (v FocusVector) Get(category string) float64 {
	if i := CategoryIndex(category); i >= 0 && i < len(v) {
		return v[i]
	}
	return 0
}

// Distance returns the Euclidean distance to another vector.
func (v FocusVector) Distance(other FocusVector) float64 {
	n := len(v)
	if len(other) > n {
		n = len(other)
	}
	var sum float64
	for i := 0; i < n; i++ {
		var a, b float64
		if i < len(v) {
			a = v[i]
		}
		if i < len(other) {
			b = other[i]
		}
		d := a - b
		sum += d * d
	}
	return math.Sqrt(sum)
}

// FocusAnalyzer classifies recent conversation content into the fixed
// topic categories. Pluggable so keyword matching can later give way to
// an embedding classifier.
type FocusAnalyzer interface {
	Focus(texts []string) FocusVector
}

// categoryKeywords maps each category to its bilingual keyword list.
// Matching is lowercase substring.
var categoryKeywords = map[string][]string{
	CategoryAppointment: {
		"appointment", "schedule", "booking", "reschedule", "availability",
		"agendar", "agendamento", "marcar", "remarcar", "horario", "horário", "consulta",
	},
	CategoryBilling: {
		"invoice", "billing", "payment", "charge", "refund", "overdue",
		"fatura", "cobranca", "cobrança", "pagamento", "boleto", "reembolso", "mensalidade", "segunda via",
	},
	CategoryTechnical: {
		"error", "bug", "crash", "not working", "offline", "install", "password",
		"erro", "falha", "nao funciona", "não funciona", "problema", "travou", "senha", "suporte tecnico", "suporte técnico",
	},
	CategoryEscalation: {
		"human", "attendant", "manager", "complaint", "speak to someone",
		"humano", "atendente", "gerente", "reclamacao", "reclamação", "falar com uma pessoa", "quero falar com alguem", "quero falar com alguém",
	},
	CategoryCommercial: {
		"buy", "purchase", "plan", "pricing", "upgrade", "quote",
		"comprar", "venda", "plano", "preco", "preço", "orcamento", "orçamento", "contratar", "proposta",
	},
	CategoryGeneral: {
		"help", "question", "information", "hello",
		"ajuda", "duvida", "dúvida", "informacao", "informação", "ola", "olá",
	},
}

// actionKeywords suggest the user wants a system action performed, not
// just an answer.
var actionKeywords = []string{
	"cancel", "update my", "change my", "register", "activate", "deactivate", "unlock", "reset",
	"cancelar", "atualizar", "alterar", "cadastrar", "ativar", "desativar", "desbloquear", "agendar", "remarcar",
}

// escalationPhrases trigger the human hand-off path.
var escalationPhrases = []string{
	"talk to a human", "speak to a human", "real person", "speak to someone", "human agent",
	"falar com humano", "falar com um humano", "falar com atendente", "falar com uma pessoa",
	"quero um atendente", "atendimento humano", "pessoa de verdade",
}

// WantsHuman reports whether the text contains a human-escalation
// trigger phrase.
func WantsHuman(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range escalationPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ImpliesAction reports whether the text asks for an API/system action.
func ImpliesAction(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range actionKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// generalFloor is the minimum share the general category keeps once any
// keyword matched, so niche spikes cannot erase the fallback agent.
const generalFloor = 0.3

// KeywordAnalyzer is the default FocusAnalyzer: bilingual keyword
// counting over the supplied texts.
type KeywordAnalyzer struct{}

// Focus counts keyword hits per category and L1-normalizes the result.
// With no hits at all, the full mass goes to general.
func (KeywordAnalyzer) Focus(texts []string) FocusVector {
	counts := make(FocusVector, len(Categories))
	var total float64
	for _, text := range texts {
		lower := strings.ToLower(text)
		for i, cat := range Categories {
			for _, kw := range categoryKeywords[cat] {
				if strings.Contains(lower, kw) {
					counts[i]++
					total++
				}
			}
		}
	}

	gi := CategoryIndex(CategoryGeneral)
	if total == 0 {
		counts[gi] = 1
		return counts
	}
	for i := range counts {
		counts[i] /= total
	}
	if counts[gi] < generalFloor {
		scale := (1 - generalFloor) / (1 - counts[gi])
		for i := range counts {
			if i != gi {
				counts[i] *= scale
			}
		}
		counts[gi] = generalFloor
	}
	return counts
}
