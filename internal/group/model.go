package group

import (
	"errors"
	"time"

	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

// CommandName identifies one of the six membership commands.
type CommandName string

const (
	CmdInvite CommandName = "invite"
	CmdJoin   CommandName = "join"
	CmdQuit   CommandName = "quit"
	CmdReset  CommandName = "reset"
	CmdResign CommandName = "resign"
	CmdQuery  CommandName = "query"
)

var (
	ErrNotCommand     = errors.New("content is not a group command")
	ErrMissingGroup   = errors.New("group command without group")
	ErrInvalidCommand = errors.New("malformed group command")
)

func (n CommandName) Valid() bool {
	switch n {
	case CmdInvite, CmdJoin, CmdQuit, CmdReset, CmdResign, CmdQuery:
		return true
	default:
		return false
	}
}

// Mutates reports whether the command can change membership state.
func (n CommandName) Mutates() bool {
	return n != CmdQuery
}

// Command is one signed group-membership command. Members carries the
// proposed list (invite list, or the full replacement list for a reset);
// Added/Removed are annotations filled in after a successful apply.
type Command struct {
	Group ids.Identifier
	Name  CommandName
	Time  time.Time

	Members []ids.Identifier
	Added   []ids.Identifier
	Removed []ids.Identifier

	// LastTime is the requester's known last-history timestamp, query only.
	LastTime time.Time
}

// Content renders the command as a message content node.
func (c Command) Content() message.Content {
	body := map[string]any{"command": string(c.Name)}
	if len(c.Members) > 0 {
		body["members"] = idStrings(c.Members)
	}
	if len(c.Added) > 0 {
		body["added"] = idStrings(c.Added)
	}
	if len(c.Removed) > 0 {
		body["removed"] = idStrings(c.Removed)
	}
	if !c.LastTime.IsZero() {
		body["last_time"] = c.LastTime.Unix()
	}
	content := message.NewContent(message.TypeCommand, body)
	content.Group = c.Group
	if !c.Time.IsZero() {
		content.Time = c.Time
	}
	return content
}

// ParseCommand extracts a group command from decrypted content. A missing
// group or unknown command name is a format error, never a receipt.
func ParseCommand(content message.Content) (Command, error) {
	if content.Type != message.TypeCommand {
		return Command{}, ErrNotCommand
	}
	name, ok := content.Body["command"].(string)
	if !ok {
		return Command{}, ErrInvalidCommand
	}
	cmd := Command{Name: CommandName(name), Group: content.Group, Time: content.Time}
	if !cmd.Name.Valid() {
		return Command{}, ErrInvalidCommand
	}
	if cmd.Group.IsZero() {
		return Command{}, ErrMissingGroup
	}
	var err error
	if cmd.Members, err = idList(content.Body["members"]); err != nil {
		return Command{}, err
	}
	if cmd.Added, err = idList(content.Body["added"]); err != nil {
		return Command{}, err
	}
	if cmd.Removed, err = idList(content.Body["removed"]); err != nil {
		return Command{}, err
	}
	if raw, ok := content.Body["last_time"].(int64); ok {
		cmd.LastTime = time.Unix(raw, 0).UTC()
	}
	return cmd, nil
}

func idStrings(list []ids.Identifier) []any {
	out := make([]any, len(list))
	for i, id := range list {
		out[i] = id.String()
	}
	return out
}

func idList(raw any) ([]ids.Identifier, error) {
	if raw == nil {
		return nil, nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, ErrInvalidCommand
	}
	out := make([]ids.Identifier, 0, len(entries))
	for _, entry := range entries {
		s, ok := entry.(string)
		if !ok {
			return nil, ErrInvalidCommand
		}
		id, err := ids.Parse(s)
		if err != nil {
			return nil, ErrInvalidCommand
		}
		out = append(out, id)
	}
	return out, nil
}

// contains reports membership by identifier value.
func contains(list []ids.Identifier, id ids.Identifier) bool {
	for _, entry := range list {
		if entry.Equal(id) {
			return true
		}
	}
	return false
}

// difference returns entries of a not present in b, preserving a's order.
func difference(a, b []ids.Identifier) []ids.Identifier {
	var out []ids.Identifier
	for _, entry := range a {
		if !contains(b, entry) {
			out = append(out, entry)
		}
	}
	return out
}
