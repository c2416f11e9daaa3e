package group

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

var ErrNoHistory = errors.New("group has no history to send")

// SendGroupHistories pushes the full ordered command history of a group to
// one receiver as a single forward payload. The carried signed messages go
// out verbatim so the receiver can re-verify every command itself.
func (s *Service) SendGroupHistories(ctx context.Context, groupID, receiver ids.Identifier) error {
	if s.send == nil {
		return errors.New("no outbound sender configured")
	}
	entries, err := s.history.Read(ctx, groupID)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(entries) == 0 {
		return ErrNoHistory
	}
	packed := make([]any, 0, len(entries))
	for _, entry := range entries {
		raw, err := message.Encode(entry.Message)
		if err != nil {
			return fmt.Errorf("encode history entry: %w", err)
		}
		packed = append(packed, base64.StdEncoding.EncodeToString(raw))
	}
	content := message.NewContent(message.TypeForward, map[string]any{
		"forward": packed,
	})
	content.Group = groupID
	if err := s.send(ctx, receiver, content); err != nil {
		return fmt.Errorf("send history: %w", err)
	}
	if s.metrics != nil {
		s.metrics.HistoryResyncs.Inc()
	}
	s.log.InfoContext(ctx, "group history sent",
		"group_id", groupID.String(), "entries", len(entries))
	return nil
}

// UnpackHistories decodes a forward payload produced by
// SendGroupHistories back into the carried signed messages.
func UnpackHistories(content message.Content) ([]message.Signed, error) {
	if content.Type != message.TypeForward {
		return nil, ErrNotCommand
	}
	raw, ok := content.Body["forward"].([]any)
	if !ok {
		return nil, ErrInvalidCommand
	}
	out := make([]message.Signed, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, ErrInvalidCommand
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		msg, err := message.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode history message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}
