package narrative

import (
	"context"
	"sync"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/provider"
)

// fakeCompleter answers with reply or err and records every request.
type fakeCompleter struct {
	mu    sync.Mutex
	reply func(req provider.Request) (string, error)
	reqs  []provider.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req provider.Request) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.reply(req)
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func replyWith(s string) *fakeCompleter {
	return &fakeCompleter{reply: func(provider.Request) (string, error) { return s, nil }}
}

func exampleCatalog(t interface{ Fatalf(string, ...any) }) *Catalog {
	c, err := NewCatalog([]ThemeDefinition{
		{ID: "t1", Name: "Resilience"},
		{ID: "t2", Name: "Family"},
		{ID: "t3", Name: "Migration"},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}
