package rtpconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaultsFilePropertiesImmutableMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.properties")
	contents := "*" + EnvFECBufSize + "=32\n" + EnvMediaBufSize + "=64\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := New(nil)
	if err := c.LoadDefaultsFile(path); err != nil {
		t.Fatalf("LoadDefaultsFile: %v", err)
	}

	v, ok := c.Get(EnvFECBufSize)
	if !ok || v != "32" {
		t.Fatalf("Get(%s) = %q, %v; want 32, true", EnvFECBufSize, v, ok)
	}

	next := "16"
	if err := c.Set(EnvFECBufSize, &next); err == nil {
		t.Errorf("Set on immutable-marked key should be rejected")
	}

	other := "128"
	if err := c.Set(EnvMediaBufSize, &other); err != nil {
		t.Errorf("Set on non-immutable key должен быть разрешён: %v", err)
	}
	if v, _ := c.Get(EnvMediaBufSize); v != "128" {
		t.Errorf("Get(%s) = %q, want 128", EnvMediaBufSize, v)
	}
}

func TestPersistRoundTripsImmutableMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.properties")
	if err := os.WriteFile(path, []byte("*"+EnvFECBufSize+"=32\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := New(nil)
	if err := c.LoadDefaultsFile(path); err != nil {
		t.Fatalf("LoadDefaultsFile: %v", err)
	}
	other := "128"
	if err := c.Set(EnvMediaBufSize, &other); err != nil {
		t.Fatalf("Set: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "*"+EnvFECBufSize+"=32") {
		t.Errorf("persist не сохранил ведущий * immutable-ключа, содержимое:\n%s", data)
	}
}
