package schedule

import (
	"strconv"
	"strings"
)

// TelegramScheme prefixes delivery addresses that route to a Telegram chat.
const TelegramScheme = "tg:"

// TelegramChatID extracts the chat id of a "tg:<id>" address.
func TelegramChatID(addr string) (int64, bool) {
	addr = strings.TrimSpace(addr)
	if !strings.HasPrefix(addr, TelegramScheme) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(addr, TelegramScheme), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
