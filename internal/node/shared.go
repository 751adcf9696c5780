package node

import (
	"sync"

	"github.com/gezibash/arc-nosql/internal/table"
)

// sharedBackend is one owner's handle on a backend used by several stores.
// Each handle closes at most once; the backend closes when every handle has.
type sharedBackend struct {
	table.Backend
	once sync.Once
	refs *refs
}

type refs struct {
	mu sync.Mutex
	n  int
}

// Share returns n handles on b whose Close calls are counted.
func Share(b table.Backend, n int) []table.Backend {
	r := &refs{n: n}
	out := make([]table.Backend, n)
	for i := range out {
		out[i] = &sharedBackend{Backend: b, refs: r}
	}
	return out
}

func (s *sharedBackend) Close() error {
	var err error
	s.once.Do(func() {
		s.refs.mu.Lock()
		s.refs.n--
		last := s.refs.n == 0
		s.refs.mu.Unlock()
		if last {
			err = s.Backend.Close()
		}
	})
	return err
}
