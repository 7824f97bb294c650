package breaker

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// Set lazily builds one breaker per named dependency, all sharing one
// config. Breakers live for the process lifetime.
type Set struct {
	cfg      Config
	breakers *xsync.Map[string, *Breaker]
}

func NewSet(cfg Config) *Set {
	return &Set{
		cfg:      cfg,
		breakers: xsync.NewMap[string, *Breaker](),
	}
}

func (s *Set) Get(name string) *Breaker {
	b, _ := s.breakers.LoadOrCompute(name, func() (*Breaker, bool) {
		return New(name, s.cfg), false
	})
	return b
}

func (s *Set) Stats() []Stats {
	var out []Stats
	s.breakers.Range(func(name string, b *Breaker) bool {
		out = append(out, b.GetStats())
		return true
	})
	return out
}

func (s *Set) Reset(name string) bool {
	b, ok := s.breakers.Load(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}
