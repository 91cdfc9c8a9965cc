package chatcli

import (
	"strings"
)

// Command is a parsed slash command.
type Command struct {
	Name string
	Args []string
	// Rest is everything after the command name, trimmed.
	Rest string
}

// ParseCommand splits a REPL line. Lines starting with "/" are commands; "//" escapes a
// leading slash, so "//mode" is sent as the message "/mode". ok is false for plain
// messages, in which case text is what should be sent.
func ParseCommand(line string) (cmd Command, text string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "//") {
		return Command{}, line[strings.Index(line, "/")+1:], false
	}
	if !strings.HasPrefix(trimmed, "/") || trimmed == "/" {
		return Command{}, line, false
	}
	body := trimmed[1:]
	name, rest, _ := strings.Cut(body, " ")
	rest = strings.TrimSpace(rest)
	cmd = Command{Name: strings.ToLower(name), Rest: rest}
	if rest != "" {
		cmd.Args = strings.Fields(rest)
	}
	return cmd, "", true
}

type commandHelp struct {
	usage string
	text  string
}

var commands = []commandHelp{
	{"/connect [url]", "open the chat socket (defaults to the configured url)"},
	{"/disconnect", "close the chat socket"},
	{"/stop", "interrupt the reply being streamed"},
	{"/context", "ask the backend to load uploaded files into context"},
	{"/mode <name>", "switch the assistant persona"},
	{"/upload <path>...", "upload files, or the filtered contents of directories"},
	{"/delete <key>", "delete an uploaded file"},
	{"/files", "list uploaded files and whether they are loaded"},
	{"/copy", "copy the last reply to the clipboard"},
	{"/status", "show connection state and conversation size"},
	{"/help", "show this help"},
	{"/quit", "leave"},
}
