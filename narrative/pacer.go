package narrative

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/theimaginaryfoundation/narrative-analyzer/narrative/provider"
)

// Pacer spaces calls to the language-analysis service: at most one call per spacing
// interval across every caller that shares it, and none before a rate-limit hold expires.
type Pacer struct {
	// Now and Sleep are replaceable in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	spacing time.Duration
	limiter *rate.Limiter

	mu        sync.Mutex
	notBefore time.Time
}

// NewPacer allows one call per spacing. A non-positive spacing never waits on its own
// but still honors Defer.
func NewPacer(spacing time.Duration) *Pacer {
	every := rate.Inf
	if spacing > 0 {
		every = rate.Every(spacing)
	}
	return &Pacer{spacing: spacing, limiter: rate.NewLimiter(every, 1)}
}

// Wait blocks until the caller may issue one call.
func (p *Pacer) Wait(ctx context.Context) error {
	now := nowFunc(p.Now)
	p.mu.Lock()
	hold := p.notBefore.Sub(now())
	p.mu.Unlock()
	if hold > 0 {
		if err := p.sleep(ctx, hold); err != nil {
			return err
		}
	}

	at := now()
	r := p.limiter.ReserveN(at, 1)
	if !r.OK() {
		return errors.New("pacer: reservation exceeds burst")
	}
	if d := r.DelayFrom(at); d > 0 {
		if err := p.sleep(ctx, d); err != nil {
			r.CancelAt(at)
			return err
		}
	}
	return nil
}

// Defer holds every caller for at least d from now.
func (p *Pacer) Defer(d time.Duration) {
	if d <= 0 {
		return
	}
	until := nowFunc(p.Now)().Add(d)
	p.mu.Lock()
	if until.After(p.notBefore) {
		p.notBefore = until
	}
	p.mu.Unlock()
}

// Wrap paces every Complete of c. A rate-limited reply holds the pacer for its
// Retry-After, or one spacing interval when the service sent none.
func (p *Pacer) Wrap(c provider.Completer) provider.Completer {
	return pacedCompleter{pacer: p, next: c}
}

func (p *Pacer) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

type pacedCompleter struct {
	pacer *Pacer
	next  provider.Completer
}

func (c pacedCompleter) Complete(ctx context.Context, req provider.Request) (string, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return "", err
	}
	out, err := c.next.Complete(ctx, req)
	if err != nil && provider.ClassOf(err) == provider.ClassRateLimited {
		d, ok := provider.RetryAfterOf(err)
		if !ok {
			d = c.pacer.spacing
		}
		c.pacer.Defer(d)
	}
	return out, err
}
