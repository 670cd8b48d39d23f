package bridge

import (
	"strconv"
	"strings"
)

// CommandKind identifies what an inbound message asks for.
type CommandKind int

const (
	CmdPlainMessage CommandKind = iota
	CmdStart
	CmdHelp
	CmdReset
	CmdSetModel
	CmdShowModel
	CmdStatus
	CmdLogs
	CmdUnknown
	CmdBadUsage
)

// Logs count bounds for /logs [n].
const (
	DefaultLogsCount = 5
	MaxLogsCount     = 20
)

// Command is the parsed form of an inbound message. Only the fields relevant
// to Kind are set.
type Command struct {
	Kind CommandKind

	// Text is the prompt for CmdPlainMessage.
	Text string

	// Name is the model for CmdSetModel or the command name for CmdUnknown/CmdBadUsage.
	Name string

	// KeepModel is set for CmdReset unless "/reset full" was sent.
	KeepModel bool

	// Count is the number of entries for CmdLogs.
	Count int

	// Usage explains the correct form for CmdBadUsage.
	Usage string
}

// ValidModels are the names /model accepts.
var ValidModels = []string{"sonnet", "opus", "haiku"}

// IsValidModel reports whether name is one of ValidModels.
func IsValidModel(name string) bool {
	for _, m := range ValidModels {
		if name == m {
			return true
		}
	}
	return false
}

// Parse classifies text before any session or process work happens.
// Commands may carry a bot suffix ("/status@MyBot").
func Parse(text string) Command {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{Kind: CmdPlainMessage, Text: text}
	}

	fields := strings.Fields(trimmed)
	name := strings.TrimPrefix(fields[0], "/")
	name, _, _ = strings.Cut(name, "@")
	name = strings.ToLower(name)
	args := fields[1:]

	switch name {
	case "start":
		return Command{Kind: CmdStart}
	case "help":
		return Command{Kind: CmdHelp}
	case "reset":
		switch {
		case len(args) == 0:
			return Command{Kind: CmdReset, KeepModel: true}
		case len(args) == 1 && strings.EqualFold(args[0], "full"):
			return Command{Kind: CmdReset, KeepModel: false}
		default:
			return Command{Kind: CmdBadUsage, Name: name, Usage: "/reset or /reset full"}
		}
	case "model":
		switch len(args) {
		case 0:
			return Command{Kind: CmdShowModel}
		case 1:
			model := strings.ToLower(args[0])
			if !IsValidModel(model) {
				return Command{Kind: CmdBadUsage, Name: name, Usage: modelUsage(args[0])}
			}
			return Command{Kind: CmdSetModel, Name: model}
		default:
			return Command{Kind: CmdBadUsage, Name: name, Usage: modelUsage(strings.Join(args, " "))}
		}
	case "status":
		return Command{Kind: CmdStatus}
	case "logs":
		count := DefaultLogsCount
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				count = n
			}
		}
		if count < 1 {
			count = 1
		}
		if count > MaxLogsCount {
			count = MaxLogsCount
		}
		return Command{Kind: CmdLogs, Count: count}
	default:
		return Command{Kind: CmdUnknown, Name: name}
	}
}

func modelUsage(got string) string {
	return "Unknown model \"" + got + "\".\nUsage: /model <" + strings.Join(ValidModels, "|") + ">"
}
