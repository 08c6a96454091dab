// Package vad reports speaking transitions per audio source.
package vad

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrSourceGone is returned by a Source whose track has ended. The monitor
// drops such a source instead of treating it as a failure.
var ErrSourceGone = errors.New("vad: source gone")

// Source yields the audio energy observed since the previous call, in [0,1].
type Source interface {
	Level() (float64, error)
}

type Config struct {
	Interval  time.Duration
	Threshold float64
	// Hangover is how many quiet ticks a speaker survives before it is reported silent.
	Hangover int
}

func DefaultConfig() Config {
	return Config{Interval: 100 * time.Millisecond, Threshold: 0.01, Hangover: 3}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Hangover < 0 {
		c.Hangover = 0
	}
	return c
}

type tracked struct {
	src      Source
	speaking bool
	quiet    int
}

type event struct {
	id       string
	speaking bool
}

// Monitor samples every registered source on each tick and calls onChange on transitions.
type Monitor struct {
	cfg      Config
	onChange func(id string, speaking bool)
	log      zerolog.Logger

	mu      sync.Mutex
	sources map[string]*tracked
}

func NewMonitor(cfg Config, onChange func(id string, speaking bool)) *Monitor {
	if onChange == nil {
		onChange = func(string, bool) {}
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		onChange: onChange,
		log:      log.With().Str("module", "vad").Logger(),
		sources:  make(map[string]*tracked),
	}
}

func (m *Monitor) Config() Config { return m.cfg }

// Add registers src under id, replacing whatever was there.
func (m *Monitor) Add(id string, src Source) {
	m.mu.Lock()
	old, had := m.sources[id]
	m.sources[id] = &tracked{src: src}
	m.mu.Unlock()
	if had && old.speaking {
		m.onChange(id, false)
	}
}

// Remove forgets id; a source that was speaking is reported silent.
func (m *Monitor) Remove(id string) {
	m.mu.Lock()
	t, ok := m.sources[id]
	delete(m.sources, id)
	m.mu.Unlock()
	if ok && t.speaking {
		m.onChange(id, false)
	}
}

func (m *Monitor) Speaking(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sources[id]
	return ok && t.speaking
}

func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// Tick samples all sources once.
func (m *Monitor) Tick() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var events []event
	for _, id := range ids {
		t := m.sources[id]
		level, err := t.src.Level()
		if err != nil {
			if errors.Is(err, ErrSourceGone) {
				delete(m.sources, id)
				if t.speaking {
					events = append(events, event{id: id, speaking: false})
				}
				m.log.Debug().Str("source", id).Msg("source gone")
				continue
			}
			m.log.Debug().Err(err).Str("source", id).Msg("sample failed")
			continue
		}
		if ev, ok := m.step(id, t, level); ok {
			events = append(events, ev)
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.onChange(ev.id, ev.speaking)
	}
}

func (m *Monitor) step(id string, t *tracked, level float64) (event, bool) {
	if level >= m.cfg.Threshold {
		t.quiet = 0
		if !t.speaking {
			t.speaking = true
			return event{id: id, speaking: true}, true
		}
		return event{}, false
	}
	if !t.speaking {
		return event{}, false
	}
	t.quiet++
	if t.quiet > m.cfg.Hangover {
		t.speaking = false
		t.quiet = 0
		return event{id: id, speaking: false}, true
	}
	return event{}, false
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}
