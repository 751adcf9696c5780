package storage

import (
	"context"
	"errors"
	"slices"
	"testing"
)

type fakeBackend struct{ cfg Config }

func newTestRegistry() *Registry[*fakeBackend] {
	r := NewRegistry[*fakeBackend]("table")
	r.Register("memory", func(_ context.Context, c Config) (*fakeBackend, error) {
		return &fakeBackend{cfg: c}, nil
	}, func() map[string]string { return map[string]string{"in_memory": "true", "path": "/tmp/x"} })
	r.Register("broken", func(context.Context, Config) (*fakeBackend, error) {
		return nil, errors.New("cannot open")
	}, nil)
	return r
}

func TestRegistryOpenMergesDefaults(t *testing.T) {
	r := newTestRegistry()
	b, err := r.Open(context.Background(), "memory", map[string]string{"path": "/data"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if b.cfg.Backend() != "memory" {
		t.Errorf("backend = %q", b.cfg.Backend())
	}
	if got := b.cfg.String("path", ""); got != "/data" {
		t.Errorf("path = %q, want override", got)
	}
	if got := b.cfg.String("in_memory", ""); got != "true" {
		t.Errorf("in_memory = %q, want default", got)
	}

	if _, err := r.Open(context.Background(), "broken", nil); err == nil || err.Error() != "cannot open" {
		t.Errorf("broken: err = %v", err)
	}
}

func TestRegistryUnknown(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Open(context.Background(), "cassandra", nil)
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Backend != "cassandra" {
		t.Fatalf("err = %v, want ConfigError for cassandra", err)
	}
	if got := r.Names(); !slices.Equal(got, []string{"broken", "memory"}) {
		t.Errorf("Names = %v", got)
	}
	if r.Has("cassandra") || !r.Has("memory") {
		t.Error("Has disagrees with registrations")
	}
	if r.Defaults("broken") != nil || r.Defaults("memory")["in_memory"] != "true" {
		t.Error("Defaults mismatch")
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := newTestRegistry()
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration did not panic")
		}
	}()
	r.Register("memory", nil, nil)
}
