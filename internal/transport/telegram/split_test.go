package telegram

import (
	"strings"
	"testing"

	kit "heraldbot/internal/transport"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 100, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line one\n", 20) // 180 runes
	chunks := splitText(text, 100, "")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d over limit: %d runes", i, len([]rune(c)))
		}
	}
	// Rejoining must preserve every line.
	joined := strings.Join(chunks, "\n") + "\n"
	if strings.Count(joined, "line one") != 20 {
		t.Fatalf("lines lost: %q", joined)
	}
}

func TestSplitTextAvoidsDanglingHTMLTag(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 95) + "<b>bold</b>"
	chunks := splitText(text, 100, "HTML")
	for i, c := range chunks {
		opens := strings.Count(c, "<")
		closes := strings.Count(c, ">")
		if opens != closes {
			t.Fatalf("chunk %d splits inside a tag: %q", i, c)
		}
	}
}

func TestMarkupFor(t *testing.T) {
	t.Parallel()
	if rm := markupFor(nil); rm != nil {
		t.Fatal("nil rows must yield nil markup")
	}
	if rm := markupFor([][]kit.Button{{}}); rm != nil {
		t.Fatal("empty rows must yield nil markup")
	}

	rm := markupFor([][]kit.Button{
		{{Label: "Site", URL: "https://example.com"}},
		{{Label: "A", URL: "https://a"}, {Label: "B", URL: "https://b"}},
	})
	if rm == nil || len(rm.InlineKeyboard) != 2 {
		t.Fatalf("unexpected markup: %+v", rm)
	}
	if rm.InlineKeyboard[0][0].Text != "Site" || len(rm.InlineKeyboard[1]) != 2 {
		t.Fatalf("unexpected keyboard layout: %+v", rm.InlineKeyboard)
	}
}
