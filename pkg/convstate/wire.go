package convstate

import (
	"encoding/json"
	"fmt"
)

// updateEnvelope is the wire form of one Update: a type tag plus the
// variant's own fields.
type updateEnvelope struct {
	Type string `json:"type"`
}

// DecodeUpdates decodes a JSON update batch. Each element carries a
// "type" tag naming the variant; an unknown tag fails the whole batch.
func DecodeUpdates(raw []json.RawMessage) ([]Update, error) {
	updates := make([]Update, 0, len(raw))
	for i, item := range raw {
		update, err := DecodeUpdate(item)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		updates = append(updates, update)
	}
	return updates, nil
}

// DecodeUpdate decodes one tagged update.
func DecodeUpdate(raw json.RawMessage) (Update, error) {
	var envelope updateEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode update envelope: %w", err)
	}

	switch envelope.Type {
	case "conversation:update":
		var u ConversationUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("decode conversation:update: %w", err)
		}
		return u, nil
	case "branch:create":
		var u BranchCreate
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("decode branch:create: %w", err)
		}
		return u, nil
	case "branch:update":
		var u BranchUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("decode branch:update: %w", err)
		}
		return u, nil
	case "message:append":
		var u MessageAppend
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("decode message:append: %w", err)
		}
		return u, nil
	case "message:update":
		var u MessageUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("decode message:update: %w", err)
		}
		return u, nil
	default:
		return nil, fmt.Errorf("unknown update type %q", envelope.Type)
	}
}
