package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/rungraph/graph/model"
	"github.com/dshills/rungraph/graph/store"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load([]byte(``))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Store.Backend != "memory" {
		t.Errorf("backend = %q, want memory", c.Store.Backend)
	}
	if c.Model.Provider != "mock" {
		t.Errorf("provider = %q, want mock", c.Model.Provider)
	}
}

func TestLoadFull(t *testing.T) {
	doc := `
store:
  backend: sqlite
  dsn: runs.db
model:
  provider: openai
  name: gpt-4o
  api_key_env: MY_KEY
artifacts:
  root: /tmp/artifacts
fanout:
  max_parallel: 8
wait_deadline: 36h
`
	c, err := Load([]byte(doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Store.Backend != "sqlite" || c.Store.DSN != "runs.db" {
		t.Errorf("store = %+v", c.Store)
	}
	if c.Model.Name != "gpt-4o" || c.Model.APIKeyEnv != "MY_KEY" {
		t.Errorf("model = %+v", c.Model)
	}
	if c.FanOut.MaxParallel != 8 {
		t.Errorf("max_parallel = %d", c.FanOut.MaxParallel)
	}
	if time.Duration(c.WaitDeadline) != 36*time.Hour {
		t.Errorf("wait_deadline = %v", time.Duration(c.WaitDeadline))
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown backend", "store:\n  backend: redis\n", "unknown store backend"},
		{"sqlite without dsn", "store:\n  backend: sqlite\n", "requires a dsn"},
		{"unknown provider", "model:\n  provider: llama\n", "unknown model provider"},
		{"negative cap", "fanout:\n  max_parallel: -2\n", "cannot be negative"},
		{"bad duration", "wait_deadline: tomorrow\n", "parse duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.doc))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Store.Backend != "memory" {
		t.Errorf("backend = %q", c.Store.Backend)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestOpenStore(t *testing.T) {
	c, err := Load([]byte(``))
	if err != nil {
		t.Fatal(err)
	}
	st, err := c.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if _, ok := st.(*store.MemStore); !ok {
		t.Errorf("store = %T, want *store.MemStore", st)
	}

	sqliteCfg, err := Load([]byte("store:\n  backend: sqlite\n  dsn: " +
		filepath.Join(t.TempDir(), "runs.db") + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	sq, err := sqliteCfg.OpenStore()
	if err != nil {
		t.Fatalf("sqlite OpenStore: %v", err)
	}
	if closer, ok := sq.(*store.SQLiteStore); ok {
		_ = closer.Close()
	} else {
		t.Errorf("store = %T, want *store.SQLiteStore", sq)
	}
}

func TestNewChatModelMock(t *testing.T) {
	c, err := Load([]byte(``))
	if err != nil {
		t.Fatal(err)
	}
	m, err := c.NewChatModel(context.Background())
	if err != nil {
		t.Fatalf("NewChatModel: %v", err)
	}
	if _, ok := m.(*model.MockChatModel); !ok {
		t.Errorf("model = %T, want mock", m)
	}
}
