// command.go
package protocol

import (
	"fmt"
	"strings"
)

// Verbs understood by the server (token index 3).
const (
	VerbList = "-l"
	VerbGet  = "-g"
)

// Fixed token positions of a control command.
const (
	verbIndex = 3

	listDataPortIndex   = 4
	listClientHostIndex = 5
	listTokenCount      = 6

	getFilenameIndex   = 4
	getDataPortIndex   = 5
	getClientHostIndex = 6
	getTokenCount      = 7
)

// Control connection responses.
const (
	ResponseAck             = "ACK"
	ResponseFileNotFound    = "ERROR: FILE NOT FOUND\n"
	ResponseInvalid         = "ERROR: Invalid command\n"
	ResponseFileTooLarge    = "ERROR: FILE TOO LARGE\n"
	ResponseListingTooLarge = "ERROR: LISTING TOO LARGE\n"
)

// Command is one parsed control request. It is one of List, Get or Invalid.
type Command interface {
	Tokens() []string
	isCommand()
}

// List asks for the served directory to be sent to ClientHost:DataPort.
type List struct {
	Raw        []string
	DataPort   string
	ClientHost string
}

// Get asks for Filename to be sent to ClientHost:DataPort.
type Get struct {
	Raw        []string
	Filename   string
	DataPort   string
	ClientHost string
}

// Invalid is anything the server refuses to act on.
type Invalid struct {
	Raw    []string
	Reason string
}

func (c List) Tokens() []string    { return c.Raw }
func (c Get) Tokens() []string     { return c.Raw }
func (c Invalid) Tokens() []string { return c.Raw }

func (List) isCommand()    {}
func (Get) isCommand()     {}
func (Invalid) isCommand() {}

// Tokenize splits raw on single spaces. Runs of spaces do not produce empty
// tokens and a trailing line ending is dropped. There is no quoting.
func Tokenize(raw string) []string {
	raw = strings.TrimRight(raw, "\r\n\x00")
	var tokens []string
	for _, tok := range strings.Split(raw, " ") {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// ParseCommand tokenizes raw and checks the token count before reading any
// fixed position.
func ParseCommand(raw string) Command {
	tokens := Tokenize(raw)
	if len(tokens) <= verbIndex {
		return Invalid{Raw: tokens, Reason: fmt.Sprintf("expected at least %d tokens, got %d", verbIndex+1, len(tokens))}
	}

	switch verb := tokens[verbIndex]; verb {
	case VerbList:
		if len(tokens) < listTokenCount {
			return Invalid{Raw: tokens, Reason: "list requires <dataPort> <clientHost>"}
		}
		return List{
			Raw:        tokens,
			DataPort:   tokens[listDataPortIndex],
			ClientHost: tokens[listClientHostIndex],
		}
	case VerbGet:
		if len(tokens) < getTokenCount {
			return Invalid{Raw: tokens, Reason: "get requires <filename> <dataPort> <clientHost>"}
		}
		return Get{
			Raw:        tokens,
			Filename:   tokens[getFilenameIndex],
			DataPort:   tokens[getDataPortIndex],
			ClientHost: tokens[getClientHostIndex],
		}
	default:
		return Invalid{Raw: tokens, Reason: fmt.Sprintf("unknown verb %q", verb)}
	}
}

// FormatCommand builds the control text a client sends. ident, serverHost
// and serverPort fill the three leading positions; the server ignores them.
func FormatCommand(ident, serverHost, serverPort string, cmd Command) (string, error) {
	head := []string{ident, serverHost, serverPort}
	for _, tok := range head {
		if tok == "" || strings.Contains(tok, " ") {
			return "", fmt.Errorf("invalid header token %q", tok)
		}
	}

	var tail []string
	switch c := cmd.(type) {
	case List:
		tail = []string{VerbList, c.DataPort, c.ClientHost}
	case Get:
		tail = []string{VerbGet, c.Filename, c.DataPort, c.ClientHost}
	default:
		return "", fmt.Errorf("cannot format %T", cmd)
	}
	for _, tok := range tail {
		if tok == "" || strings.Contains(tok, " ") {
			return "", fmt.Errorf("invalid command token %q", tok)
		}
	}
	return strings.Join(append(head, tail...), " "), nil
}
