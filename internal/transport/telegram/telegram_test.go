package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "brainsched/pkg/logx"
)

func TestSplitShortTextUnchanged(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitTelegramText("hello", 10, ""))
	assert.Equal(t, []string{""}, splitTelegramText("", 10, ""))
}

func TestSplitPrefersNewline(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(s, 10, "")
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, got)
}

func TestSplitRespectsRuneLimit(t *testing.T) {
	s := strings.Repeat("é", 25)
	got := splitTelegramText(s, 10, "")
	require.Len(t, got, 3)
	for _, c := range got {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
	assert.Equal(t, s, strings.Join(got, ""))
}

func TestSplitAvoidsCuttingHTMLTag(t *testing.T) {
	got := splitTelegramText("abcdefgh<b>x</b>", 10, "HTML")
	assert.Equal(t, []string{"abcdefgh", "<b>x</b>"}, got)
}

func TestNewRejectsEmptyToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	assert.Error(t, err)
}
