package group

import (
	"fmt"
	"strings"

	"mist-chat/go-core/pkg/message"
)

// Receipt templates sent back to a command's originator. Values keep the
// template substitutions machine readable so clients can localize.
const (
	TplExpired     = "Command expired."
	TplEmptyGroup  = "Group empty."
	TplForbidden   = "Permission denied."
	TplExpelAdmin  = "Not allowed to expel administrator."
	TplOwnerFirst  = "Owner must be the first member."
	TplNotUpdated  = "Group is not updated."
	TplUnderReview = "Waiting for review."
	TplTooFrequent = "Too many requests."
)

// Receipt is the explanatory response for a rejected or deferred command.
type Receipt struct {
	Template string
	Values   map[string]any
}

func newReceipt(template string, values map[string]any) *Receipt {
	return &Receipt{Template: template, Values: values}
}

// Content renders the receipt as a message content node.
func (r Receipt) Content() message.Content {
	body := map[string]any{"text": r.Text(), "template": r.Template}
	if len(r.Values) > 0 {
		body["values"] = r.Values
	}
	return message.NewContent(message.TypeReceipt, body)
}

// Text fills the template placeholders, e.g. "${group}".
func (r Receipt) Text() string {
	text := r.Template
	for key, value := range r.Values {
		text = strings.ReplaceAll(text, "${"+key+"}", fmt.Sprint(value))
	}
	return text
}
