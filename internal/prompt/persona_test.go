package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPersonaLoaderConcatenationOrder(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"USER.md":  "# User\nThe user is Ana.",
		"SOUL.md":  "# Soul\nBe kind.",
		"AGENT.md": "# Agent\nUse tools sparingly.",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	loader, err := NewPersonaLoader(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	bundle := loader.Bundle()
	soul := strings.Index(bundle, "Be kind")
	agent := strings.Index(bundle, "Use tools sparingly")
	user := strings.Index(bundle, "The user is Ana")
	if !(soul >= 0 && soul < agent && agent < user) {
		t.Fatalf("bundle order wrong:\n%s", bundle)
	}
}

func TestPersonaLoaderMissingFiles(t *testing.T) {
	loader, err := NewPersonaLoader(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if loader.Bundle() != "" {
		t.Fatalf("empty dir produced bundle %q", loader.Bundle())
	}
}

func TestPersonaLoaderHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "SOUL.md")
	if err := os.WriteFile(path, []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader, err := NewPersonaLoader(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := loader.Watch(); err != nil {
		t.Skipf("watcher unavailable: %v", err)
	}
	defer loader.Close()

	if err := os.WriteFile(path, []byte("second"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if loader.Bundle() == "second" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("bundle never reloaded, still %q", loader.Bundle())
}
