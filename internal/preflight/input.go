package preflight

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gatekeeper/internal/types"
)

// Input is either a single text or a conversation. The zero value is an
// empty conversation.
type Input struct {
	text     string
	isText   bool
	messages []types.ChatMessage
}

// TextInput wraps a single user message.
func TextInput(s string) Input {
	return Input{text: s, isText: true}
}

// MessagesInput wraps a conversation. The last user message is checked.
func MessagesInput(msgs []types.ChatMessage) Input {
	return Input{messages: msgs}
}

// IsText reports whether the input was a single text.
func (in Input) IsText() bool {
	return in.isText
}

// Messages returns the conversation form of the input.
func (in Input) Messages() []types.ChatMessage {
	if in.isText {
		return []types.ChatMessage{{Role: types.RoleUser, Content: in.text}}
	}
	return in.messages
}

// LastMessage returns the text itself, or the content of the last user
// message of the conversation, or "" when there is none.
func (in Input) LastMessage() string {
	if in.isText {
		return in.text
	}
	for i := len(in.messages) - 1; i >= 0; i-- {
		if in.messages[i].Role == types.RoleUser {
			return in.messages[i].Content
		}
	}
	return ""
}

// UnmarshalJSON accepts a string or an array of {role, content}.
func (in *Input) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*in = Input{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*in = TextInput(s)
		return nil
	case '[':
		var msgs []types.ChatMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			return err
		}
		*in = MessagesInput(msgs)
		return nil
	}
	return fmt.Errorf("input must be a string or an array of messages")
}

// MarshalJSON writes the form the input was created with.
func (in Input) MarshalJSON() ([]byte, error) {
	if in.isText {
		return json.Marshal(in.text)
	}
	if in.messages == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(in.messages)
}
