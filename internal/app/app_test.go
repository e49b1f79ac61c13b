package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/internetarchive/dweb-transports-sub000/internal/config"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

func TestSpecsDefaultsToLocal(t *testing.T) {
	root := t.TempDir()
	specs, err := Specs(&config.Config{LocalStoragePath: root})
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 1 || specs[0].Name != "LOCAL" || specs[0].Type != "local" {
		t.Fatalf("specs = %+v", specs)
	}
	var cfg struct {
		RootPath string `json:"root_path"`
	}
	json.Unmarshal(specs[0].Config, &cfg)
	if cfg.RootPath != root {
		t.Errorf("root_path = %q", cfg.RootPath)
	}
}

func TestNewRouter(t *testing.T) {
	dir := t.TempDir()
	transports := filepath.Join(dir, "transports.json")
	data := `[
		{"name":"LOCAL","type":"local","config":{"root_path":"` + filepath.Join(dir, "a") + `","create_dirs":true}},
		{"name":"SPARE","type":"local","config":{"root_path":"` + filepath.Join(dir, "b") + `","create_dirs":true}}
	]`
	if err := os.WriteFile(transports, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	names := filepath.Join(dir, "names.json")
	if err := os.WriteFile(names, []byte(`{"greeting":[]}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		TransportsFile:   transports,
		PausedTransports: []string{"SPARE"},
		NamesFile:        names,
	}
	r, err := NewRouter(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	defer r.Stop(context.Background())

	want := map[string]transport.Status{
		"LOCAL": transport.StatusConnected,
		"SPARE": transport.StatusLoaded,
	}
	for _, st := range r.Statuses() {
		if st.Status != want[st.Name] {
			t.Errorf("%s = %s, want %s", st.Name, st.Status, want[st.Name])
		}
	}

	urls, err := r.Store(context.Background(), []byte("hi"))
	if err != nil || len(urls) != 1 {
		t.Errorf("Store = %v, %v", urls, err)
	}
}

func TestNewRouterBadNamesFile(t *testing.T) {
	cfg := &config.Config{
		LocalStoragePath: t.TempDir(),
		NamesFile:        filepath.Join(t.TempDir(), "missing.json"),
	}
	if _, err := NewRouter(context.Background(), cfg); err == nil {
		t.Error("missing names file accepted")
	}
}
