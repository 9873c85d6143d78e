package orchestrator

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Wire grammar for in-band commands emitted by the model.
const (
	commandOpen  = "<comando>"
	commandClose = "</comando>"

	verbEscalate   = "ESCALAR_PARA_HUMANO"
	verbInvoke     = "EXECUTAR_MCP:"
	verbSpecialist = "CONSULTAR_ESPECIALISTA:"
)

// CommandKind discriminates the parsed command union.
type CommandKind int

const (
	CommandEscalate CommandKind = iota
	CommandInvokeFunction
	CommandConsultSpecialist
)

// Command is one parsed in-band instruction from the model output.
type Command struct {
	Kind     CommandKind
	Function string          // CommandInvokeFunction
	Args     json.RawMessage // CommandInvokeFunction
	Topic    string          // CommandConsultSpecialist
}

type mcpCall struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

// ParseCommands scans the raw completion for `<comando>` tags, strips
// them from the visible reply, and returns the parsed commands in
// order. Malformed or unknown commands are dropped with a warning; the
// reply text survives either way. At most maxFunctions function calls
// are kept.
func ParseCommands(raw string, maxFunctions int) (string, []Command) {
	var visible strings.Builder
	var cmds []Command
	functions := 0

	rest := raw
	for {
		start := strings.Index(rest, commandOpen)
		if start < 0 {
			visible.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+len(commandOpen):], commandClose)
		if end < 0 {
			// Unterminated tag: keep the remainder as visible text.
			visible.WriteString(rest)
			break
		}
		visible.WriteString(rest[:start])
		inner := strings.TrimSpace(rest[start+len(commandOpen) : start+len(commandOpen)+end])
		rest = rest[start+len(commandOpen)+end+len(commandClose):]

		switch {
		case inner == verbEscalate:
			cmds = append(cmds, Command{Kind: CommandEscalate})
		case strings.HasPrefix(inner, verbInvoke):
			var call mcpCall
			payload := strings.TrimSpace(strings.TrimPrefix(inner, verbInvoke))
			if err := json.Unmarshal([]byte(payload), &call); err != nil || call.Name == "" {
				slog.Warn("Dropping malformed function command", "payload", payload, "error", err)
				continue
			}
			if maxFunctions > 0 && functions >= maxFunctions {
				slog.Warn("Dropping function command beyond per-reply cap", "function", call.Name, "cap", maxFunctions)
				continue
			}
			functions++
			cmds = append(cmds, Command{Kind: CommandInvokeFunction, Function: call.Name, Args: call.Parameters})
		case strings.HasPrefix(inner, verbSpecialist):
			topic := strings.TrimSpace(strings.TrimPrefix(inner, verbSpecialist))
			if topic == "" {
				slog.Warn("Dropping specialist command without topic")
				continue
			}
			cmds = append(cmds, Command{Kind: CommandConsultSpecialist, Topic: topic})
		default:
			slog.Warn("Dropping unknown command", "command", inner)
		}
	}

	return strings.TrimSpace(visible.String()), cmds
}
