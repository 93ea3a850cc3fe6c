// Package filter implements the keyword gate applied to candidates before
// they are stored.
package filter

import (
	"strings"

	"github.com/samber/lo"

	"aibot/internal/model"
)

// Gate accepts an item when any keyword occurs in its text, ignoring case.
// A gate without keywords accepts everything.
type Gate struct {
	words []string
}

func New(keywords []model.Keyword) Gate {
	words := lo.FilterMap(keywords, func(k model.Keyword, _ int) (string, bool) {
		w := strings.ToLower(strings.TrimSpace(k.Word))
		return w, w != ""
	})

	return Gate{words: lo.Uniq(words)}
}

func (g Gate) Open() bool {
	return len(g.words) == 0
}

func (g Gate) Allows(item model.Item) bool {
	if g.Open() {
		return true
	}

	text := strings.ToLower(Text(item))

	for _, word := range g.words {
		if strings.Contains(text, word) {
			return true
		}
	}

	return false
}

// Text is the combined text the gate matches against.
func Text(item model.Item) string {
	return item.Title + "\n" + item.Summary + "\n" + item.RawText
}
