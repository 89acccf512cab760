package models

import "strings"

// CommandType enumerates the self-service commands farmers can send.
type CommandType string

const (
	CommandBalance   CommandType = "balance"
	CommandStatement CommandType = "statement"
	CommandPrice     CommandType = "price"
	CommandHelp      CommandType = "help"
	CommandUnknown   CommandType = "unknown"
)

// Command represents a parsed farmer instruction extracted from WhatsApp text.
type Command struct {
	Type CommandType
	Raw  string
	Args []string
}

// ParseCommand derives a Command from free-form text. The leading slash is
// optional so "balance" and "/balance" behave the same.
func ParseCommand(message string) Command {
	normalized := strings.TrimSpace(strings.ToLower(message))
	cmd := Command{Type: CommandUnknown, Raw: message}

	tokens := strings.Fields(normalized)
	if len(tokens) == 0 {
		return cmd
	}

	switch head := CommandType(strings.TrimPrefix(tokens[0], "/")); head {
	case CommandBalance, CommandStatement, CommandPrice, CommandHelp:
		cmd.Type = head
	}

	if len(tokens) > 1 {
		cmd.Args = tokens[1:]
	}

	return cmd
}
