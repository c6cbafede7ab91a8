package telegram

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "biliradar/internal/transport"
)

func TestSplitTextShort(t *testing.T) {
	got := splitText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(text, 10)
	if len(got) != 2 {
		t.Fatalf("splitText produced %d chunks, want 2: %q", len(got), got)
	}
	if got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextHardWrap(t *testing.T) {
	text := strings.Repeat("x", 25)
	got := splitText(text, 10)
	if len(got) != 3 {
		t.Fatalf("splitText produced %d chunks, want 3", len(got))
	}
	for i, chunk := range got {
		if len(chunk) > 10 {
			t.Errorf("chunk %d has %d runes, limit 10", i, len(chunk))
		}
	}
	if strings.Join(got, "") != text {
		t.Error("hard wrap lost content")
	}
}

func TestMapSendErrorMigration(t *testing.T) {
	err := mapSendError(-100123, tele.GroupError{MigratedTo: -100999})
	var migrated *kit.ChatMigratedError
	if !errors.As(err, &migrated) {
		t.Fatalf("mapSendError = %T, want *ChatMigratedError", err)
	}
	if migrated.OldChatID != -100123 || migrated.NewChatID != -100999 {
		t.Fatalf("migration = %+v", migrated)
	}

	plain := errors.New("boom")
	if got := mapSendError(-1, plain); got != plain {
		t.Fatalf("mapSendError passed through = %v", got)
	}
}
