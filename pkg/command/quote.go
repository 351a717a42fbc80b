package command

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

var doubleQuoteEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	`$`, `\$`,
	"`", "\\`",
)

// Quote renders a single word so that shell splitting yields it back unchanged.
func Quote(word string) string {
	return shellquote.Join(word)
}

// FlagOption renders "<flag> <value>" with the value quoted.
func FlagOption(flag, value string) string {
	return flag + " " + Quote(value)
}

// SetOption renders a capistrano "-s key=value" option. The key is quoted as a
// word and the value is placed inside double quotes.
func SetOption(key, value string) string {
	return `-s ` + Quote(key) + `="` + doubleQuoteEscaper.Replace(value) + `"`
}
