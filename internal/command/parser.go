// Package command is the Command Parser (§4.5) and Command Handler
// (§4.6): it classifies inbound text as a shell command, a slash
// command, or plain prompt text, then dispatches slash commands to
// local handlers, prompt templates, or pass-through forwarding.
package command

import "strings"

// Kind classifies a parsed message.
type Kind int

const (
	KindPrompt Kind = iota
	KindShell
	KindSlash
)

// Parsed is the result of parsing one message's text (§4.5).
type Parsed struct {
	Kind    Kind
	Raw     string
	Command string // lowercased, without the leading '/'
	Args    string
	Shell   string // trimmed command line, for KindShell
}

// Parse classifies text. A message is a command iff its first
// non-space character is '/' or '!'; empty or whitespace-only text is
// never a command.
func Parse(text string) Parsed {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if trimmed == "" {
		return Parsed{Kind: KindPrompt, Raw: text}
	}

	switch trimmed[0] {
	case '!':
		return Parsed{Kind: KindShell, Raw: text, Shell: strings.TrimSpace(trimmed[1:])}
	case '/':
		rest := trimmed[1:]
		idx := strings.IndexAny(rest, " \t\r\n")
		var cmd, args string
		if idx < 0 {
			cmd = rest
		} else {
			cmd = rest[:idx]
			args = strings.TrimSpace(rest[idx:])
		}
		return Parsed{Kind: KindSlash, Raw: text, Command: strings.ToLower(cmd), Args: args}
	default:
		return Parsed{Kind: KindPrompt, Raw: text}
	}
}
