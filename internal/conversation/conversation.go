// Package conversation normalizes inbound chat messages into the ordered
// user/assistant turns that are forwarded upstream and fingerprinted for the
// semantic cache.
//
// Normalization is lossy on purpose: messages with any other role, and
// messages whose content is neither a JSON string nor an array of typed parts,
// are dropped without error. Relative order of the surviving turns is kept.
package conversation

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Role is the speaker of a turn. Only user and assistant turns participate.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartSeparator joins the text parts of structured content. Parts are
// concatenated as-is, so ["Hel", "lo"] becomes "Hello".
const PartSeparator = ""

// partTypeText is the only part type whose text is kept.
const partTypeText = "text"

type (
	// Turn is one normalized conversation entry.
	Turn struct {
		Role Role
		Text string
	}

	// Message mirrors an OpenAI chat message in the request body. Content is
	// kept raw so both encodings can be decoded lazily.
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	contentPart struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
)

// Normalize converts raw messages into turns. See the package doc for the
// filtering rules.
func Normalize(msgs []Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		role, ok := parseRole(m.Role)
		if !ok {
			continue
		}
		text, ok := decodeContent(m.Content)
		if !ok {
			continue
		}
		turns = append(turns, Turn{Role: role, Text: text})
	}
	return turns
}

func parseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleUser:
		return RoleUser, true
	case RoleAssistant:
		return RoleAssistant, true
	default:
		return "", false
	}
}

// decodeContent accepts a JSON string or an array of {type, text} parts.
// Anything else, including null and arrays that fail to decode, is rejected.
func decodeContent(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true

	case '[':
		var parts []contentPart
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return "", false
		}
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Type == partTypeText {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, PartSeparator), true

	default:
		return "", false
	}
}
