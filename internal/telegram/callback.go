package telegram

import (
	"strconv"
	"strings"

	"sportpix-chat/internal/chat"
)

// Callback data is "sc:<affordance>:<kind>:<value>". Vary buttons carry no
// affordance because tiles stay valid until the batch is replaced.
const callbackPrefix = "sc"

const (
	kindStyle        = "style"
	kindSatisfaction = "sat"
	kindVary         = "vary"
)

func callbackData(affordance, kind, value string) string {
	return strings.Join([]string{callbackPrefix, affordance, kind, value}, ":")
}

// ParseCallback maps button data back to a chat action.
func ParseCallback(data string) (chat.Action, bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 4)
	if len(parts) != 4 || parts[0] != callbackPrefix {
		return nil, false
	}
	affordance, kind, value := parts[1], parts[2], parts[3]

	switch kind {
	case kindStyle:
		if value == "" {
			return nil, false
		}
		return chat.StyleChosen{Affordance: affordance, Style: value}, true
	case kindSatisfaction:
		choice, ok := chat.ParseChoice(value)
		if !ok {
			return nil, false
		}
		return chat.SatisfactionChosen{Affordance: affordance, Choice: choice}, true
	case kindVary:
		idx, err := strconv.Atoi(value)
		if err != nil {
			return nil, false
		}
		return chat.VaryRequested{Index: idx}, true
	}
	return nil, false
}
