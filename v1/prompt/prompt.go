// Package prompt trims chat history so that a request to a language model
// stays under a character budget, and builds the small context prompts
// attached to notebook actions.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"
)

// DefaultMaxChars is the budget used when LimitMessages is given none.
const DefaultMaxChars = 40000

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Placeholder user messages that keep providers happy about turn order.
const (
	leadingPlaceholder  = "-->"
	trailingPlaceholder = "<--"
)

// ActionState carries the conversation around a notebook action.
type ActionState struct {
	UserRequest        string
	PrevMessages       []Message
	MessagesAfterQuery []Message
}

// LimitMessages assembles prev, user and after into one conversation whose
// JSON encoding plus the system prompt fits in maxChars. Adjacent messages
// sharing a role are merged first. The oldest history is dropped before
// anything that followed the user's query; the user message itself is always
// kept. The result always starts and ends with a user message.
func LimitMessages(prev []Message, system string, user Message, after []Message, maxChars int) []Message {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	prev = combineAdjacent(prev)
	after = combineAdjacent(after)

	assemble := func() []Message {
		out := make([]Message, 0, len(prev)+1+len(after))
		out = append(out, prev...)
		out = append(out, user)
		return append(out, after...)
	}
	total := func(msgs []Message) int {
		return encodedLen(msgs) + utf16Len(system)
	}

	messages := assemble()
	for total(messages) > maxChars && len(prev) > 0 {
		prev = prev[1:]
		messages = assemble()
	}
	for total(messages) > maxChars && len(after) > 0 {
		after = after[1:]
		messages = assemble()
	}

	if messages[0].Role != RoleUser {
		messages = append([]Message{{Role: RoleUser, Content: leadingPlaceholder}}, messages...)
	}
	if messages[len(messages)-1].Role != RoleUser {
		messages = append(messages, Message{Role: RoleUser, Content: trailingPlaceholder})
	}
	return messages
}

// FormatMessages builds the conversation for an action from its state.
func FormatMessages(systemPrompt string, state ActionState, maxChars int) []Message {
	user := Message{Role: RoleUser, Content: state.UserRequest}
	return LimitMessages(state.PrevMessages, systemPrompt, user, state.MessagesAfterQuery, maxChars)
}

// combineAdjacent merges consecutive messages of the same role, joining
// their content with a blank line. The input is not modified.
func combineAdjacent(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

// encodedLen returns the length of the JSON encoding of msgs in UTF-16 code
// units, matching how browsers count the same payload. Browsers emit line
// and paragraph separators raw, where encoding/json writes six-character
// escapes, and invalid UTF-8 never reaches them undecoded.
func encodedLen(msgs []Message) int {
	clean := make([]Message, len(msgs))
	separators := 0
	for i, m := range msgs {
		clean[i] = Message{
			Role:    Role(strings.ToValidUTF8(string(m.Role), "\uFFFD")),
			Content: strings.ToValidUTF8(m.Content, "\uFFFD"),
		}
		separators += countSeparators(string(clean[i].Role)) + countSeparators(clean[i].Content)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(clean); err != nil {
		return 0
	}
	return utf16Len(strings.TrimSuffix(buf.String(), "\n")) - 5*separators
}

func countSeparators(s string) int {
	return strings.Count(s, "\u2028") + strings.Count(s, "\u2029")
}

func utf16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// Theme is the color mode of the notebook UI.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

var themeBackgrounds = map[Theme]string{
	ThemeDark:  "#111",
	ThemeLight: "#fff",
}

// UserSettings are the user's visualization preferences.
type UserSettings struct {
	Context        string
	ResponseStyle  string
	PrimaryColor   string
	SecondaryColor string
}

// ThemePrompt describes the UI theme and preferred colors to the model.
// Colors set to "default" or left empty are omitted.
func ThemePrompt(theme Theme, settings *UserSettings) string {
	var b strings.Builder
	if theme == ThemeDark {
		fmt.Fprintf(&b, "- You use %s mode with a background color of %s. Ensure visualizations have sufficient contrast.", theme, themeBackgrounds[theme])
	} else {
		fmt.Fprintf(&b, "- You use default theming for %s mode.", theme)
	}
	if settings != nil && settings.PrimaryColor != "" && settings.PrimaryColor != "default" {
		fmt.Fprintf(&b, "- When choosing a color, use the following hex code as the primary color in visualizations: %s\n", settings.PrimaryColor)
	}
	if settings != nil && settings.SecondaryColor != "" && settings.SecondaryColor != "default" {
		fmt.Fprintf(&b, "- When choosing a secondary color, use the following hex code as the secondary color in visualizations: %s\n", settings.SecondaryColor)
	}
	return b.String()
}

// ChatContextPrompt quotes the code the user highlighted, or returns an
// empty string when nothing was highlighted.
func ChatContextPrompt(snippets []string) string {
	if len(snippets) == 0 {
		return ""
	}
	return "The code that the user specifically highlighted is as follows: \n\n" + strings.Join(snippets, "\n\n")
}
