package obs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Counters is a set of named monotonic counters created on first use. Each one
// is a Prometheus counter registered with the given registerer, and the whole
// set can also be rendered as plain "<name> <value>" lines.
type Counters struct {
	reg prometheus.Registerer

	mu       sync.RWMutex
	counters map[string]prometheus.Counter
}

func NewCounters(reg prometheus.Registerer) *Counters {
	return &Counters{reg: reg, counters: make(map[string]prometheus.Counter)}
}

// Increment adds delta to the counter called name, creating it if needed.
func (c *Counters) Increment(name string, delta float64) error {
	if delta < 0 {
		return fmt.Errorf("obs: counter %q: negative delta %v", name, delta)
	}
	ctr, err := c.counter(name)
	if err != nil {
		return err
	}
	ctr.Add(delta)
	return nil
}

func (c *Counters) counter(name string) (prometheus.Counter, error) {
	c.mu.RLock()
	ctr, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return ctr, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr, nil
	}
	ctr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: "Admission counter " + name,
	})
	if c.reg != nil {
		if err := c.reg.Register(ctr); err != nil {
			return nil, fmt.Errorf("obs: register counter %q: %w", name, err)
		}
	}
	c.counters[name] = ctr
	return ctr, nil
}

// Value returns the current value of name, 0 if it was never incremented.
func (c *Counters) Value(name string) float64 {
	c.mu.RLock()
	ctr, ok := c.counters[name]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return read(ctr)
}

// ExportText renders one "<name> <value>" line per counter, sorted by name.
func (c *Counters) ExportText() string {
	c.mu.RLock()
	names := make([]string, 0, len(c.counters))
	for n := range c.counters {
		names = append(names, n)
	}
	snapshot := make(map[string]prometheus.Counter, len(c.counters))
	for n, ctr := range c.counters {
		snapshot[n] = ctr
	}
	c.mu.RUnlock()

	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(read(snapshot[n]), 'f', -1, 64))
		b.WriteByte('\n')
	}
	return b.String()
}

func read(ctr prometheus.Counter) float64 {
	var m dto.Metric
	if err := ctr.Write(&m); err != nil || m.GetCounter() == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
