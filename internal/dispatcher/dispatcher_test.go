package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type fakeProvider struct {
	name    string
	ready   bool
	acquire bool
	out     string
	err     error

	mu    sync.Mutex
	calls int
}

func healthyProvider(name, out string) *fakeProvider {
	return &fakeProvider{name: name, ready: true, acquire: true, out: out}
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Ready() bool   { return f.ready }
func (f *fakeProvider) Acquire() bool { return f.acquire }

func (f *fakeProvider) Complete(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDispatcherRoundRobin(t *testing.T) {
	p1 := healthyProvider("alpha", "a")
	p2 := healthyProvider("beta", "b")
	d := NewDispatcher([]Provider{p1, p2}, 1)

	for i := 0; i < 4; i++ {
		if _, err := d.Complete(context.Background(), "x"); err != nil {
			t.Fatalf("Complete #%d: %v", i+1, err)
		}
	}

	if p1.callCount() != 2 || p2.callCount() != 2 {
		t.Fatalf("calls = %d, %d; want 2, 2", p1.callCount(), p2.callCount())
	}
}

func TestDispatcherSkipsUnreadyProviders(t *testing.T) {
	down := &fakeProvider{name: "down", ready: false}
	up := healthyProvider("up", "ok")
	d := NewDispatcher([]Provider{down, up}, 1)

	for i := 0; i < 3; i++ {
		out, err := d.Complete(context.Background(), "x")
		if err != nil || out != "ok" {
			t.Fatalf("Complete = %q, %v; want ok, nil", out, err)
		}
	}
	if down.callCount() != 0 {
		t.Fatalf("unready provider called %d times", down.callCount())
	}
}

func TestDispatcherNoHealthyProviders(t *testing.T) {
	d := NewDispatcher([]Provider{
		&fakeProvider{name: "a"},
		&fakeProvider{name: "b"},
	}, 3)

	_, err := d.Complete(context.Background(), "x")
	if !errors.Is(err, ErrNoHealthy) {
		t.Fatalf("err = %v; want ErrNoHealthy", err)
	}
}

func TestDispatcherRetriesNextProvider(t *testing.T) {
	flaky := healthyProvider("flaky", "")
	flaky.err = fmt.Errorf("upstream 503")
	solid := healthyProvider("solid", "done")
	d := NewDispatcher([]Provider{flaky, solid}, 2)

	out, err := d.Complete(context.Background(), "x")
	if err != nil || out != "done" {
		t.Fatalf("Complete = %q, %v; want done, nil", out, err)
	}
	if flaky.callCount() != 1 || solid.callCount() != 1 {
		t.Fatalf("calls = %d, %d; want 1, 1", flaky.callCount(), solid.callCount())
	}
}

func TestDispatcherExhaustsAttempts(t *testing.T) {
	flaky := healthyProvider("flaky", "")
	flaky.err = fmt.Errorf("upstream 503")
	d := NewDispatcher([]Provider{flaky}, 3)

	_, err := d.Complete(context.Background(), "x")
	if err == nil {
		t.Fatal("want error after exhausted attempts")
	}
	if flaky.callCount() != 3 {
		t.Fatalf("calls = %d; want 3", flaky.callCount())
	}
}

func TestDispatcherAcquireRefused(t *testing.T) {
	busy := &fakeProvider{name: "busy", ready: true, acquire: false}
	d := NewDispatcher([]Provider{busy}, 1)

	_, err := d.Complete(context.Background(), "x")
	if !errors.Is(err, ErrNoAcquire) {
		t.Fatalf("err = %v; want ErrNoAcquire", err)
	}
	if busy.callCount() != 0 {
		t.Fatalf("refused provider called %d times", busy.callCount())
	}
}
