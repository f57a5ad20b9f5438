package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/provider"
)

// AssistedMatcher asks the language-analysis service to pick a catalog theme for a label
// the cheap strategies could not place.
type AssistedMatcher struct {
	Completer provider.Completer
}

func (m AssistedMatcher) PickTheme(ctx context.Context, label string, catalog *Catalog) (string, error) {
	if m.Completer == nil {
		return "", errors.New("assisted match: completer is nil")
	}
	out, err := m.Completer.Complete(ctx, provider.Request{
		Instructions:    assistInstructions,
		Input:           buildAssistInput(label, catalog),
		MaxOutputTokens: 32,
	})
	if err != nil {
		return "", fmt.Errorf("assisted match %q: %w", label, err)
	}
	return parsePick(out), nil
}

// parsePick takes the first line of the reply, strips quoting and maps the sentinel to "".
func parsePick(out string) string {
	s := strings.TrimSpace(out)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \t\"'`.")
	if strings.EqualFold(s, noMatchSentinel) {
		return ""
	}
	return s
}
