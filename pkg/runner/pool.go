package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Promptonauts/fleetci/pkg/models"
	"golang.org/x/sync/semaphore"
)

// Pool is the runner fleet. Each runner's capacity is enforced with a
// weighted semaphore so a runner never holds more steps than it has slots.
type Pool struct {
	runners map[string]Runner
	slots   map[string]*semaphore.Weighted
	order   []string
}

func NewPool(runners ...Runner) (*Pool, error) {
	p := &Pool{
		runners: make(map[string]Runner, len(runners)),
		slots:   make(map[string]*semaphore.Weighted, len(runners)),
	}
	for _, r := range runners {
		if r == nil {
			continue
		}
		name := r.Name()
		if _, dup := p.runners[name]; dup {
			return nil, fmt.Errorf("runner pool: duplicate runner %q", name)
		}
		capacity := r.Capacity()
		if capacity <= 0 {
			capacity = 1
		}
		p.runners[name] = r
		p.slots[name] = semaphore.NewWeighted(int64(capacity))
		p.order = append(p.order, name)
	}
	sort.Strings(p.order)
	return p, nil
}

// FromConfig builds runners from config entries. URL "local" selects the
// local process runner.
func FromConfig(cfgs []models.RunnerConfig, opts HTTPOptions) (*Pool, error) {
	runners := make([]Runner, 0, len(cfgs))
	for _, c := range cfgs {
		if strings.EqualFold(strings.TrimSpace(c.URL), "local") {
			runners = append(runners, NewLocal(c.Name, c.Labels, c.Capacity))
			continue
		}
		r, err := NewHTTP(c, opts)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return NewPool(runners...)
}

func (p *Pool) Get(name string) (Runner, bool) {
	r, ok := p.runners[name]
	return r, ok
}

// Runners returns the fleet sorted by name.
func (p *Pool) Runners() []Runner {
	out := make([]Runner, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.runners[name])
	}
	return out
}

func (p *Pool) Len() int {
	return len(p.order)
}

// Acquire blocks until a slot on the named runner is free. The returned func
// releases it.
func (p *Pool) Acquire(ctx context.Context, name string) (func(), error) {
	sem, ok := p.slots[name]
	if !ok {
		return nil, fmt.Errorf("runner %q: %w", name, models.ErrRunnerPoolExhausted)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
