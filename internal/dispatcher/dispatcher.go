package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"
)

var (
	ErrNoHealthy = fmt.Errorf("no healthy providers")
	ErrNoAcquire = fmt.Errorf("provider not acquired")
)

// Dispatcher round-robins completions over the healthy providers, retrying
// up to maxAttempts times. Each attempt may land on a different provider, so
// one flapping upstream does not fail the request.
type Dispatcher struct {
	providers         []Provider
	roundRobinCounter atomic.Uint64
	maxAttempts       int
}

func NewDispatcher(provs []Provider, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 2
	}

	return &Dispatcher{providers: provs, maxAttempts: maxAttempts}
}

func (d *Dispatcher) selectProvider() (Provider, error) {
	healthy := make([]Provider, 0, len(d.providers))
	for _, p := range d.providers {
		if p.Ready() {
			healthy = append(healthy, p)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := d.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

func (d *Dispatcher) tryOnce(ctx context.Context, prompt string) (string, error) {
	p, err := d.selectProvider()
	if err != nil {
		return "", err
	}

	if !p.Acquire() {
		return "", ErrNoAcquire
	}

	return p.Complete(ctx, prompt)
}

func (d *Dispatcher) Complete(ctx context.Context, prompt string) (string, error) {
	var last error
	for i := 0; i < d.maxAttempts; i++ {
		out, err := d.tryOnce(ctx, prompt)
		if err == nil {
			return out, nil
		}
		last = err
	}

	if last == nil {
		last = fmt.Errorf("completion failed")
	}

	return "", last
}
