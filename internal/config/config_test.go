// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if c.Backend != "s3" {
		t.Errorf("Backend = %q, want s3", c.Backend)
	}
	if c.Size != gib {
		t.Errorf("Size = %d, want %d", c.Size, gib)
	}
	if c.Write.ChunkSize != 4*mib {
		t.Errorf("Write.ChunkSize = %d, want %d", c.Write.ChunkSize, 4*mib)
	}
	if c.Rbd.FallbackSize != gib {
		t.Errorf("Rbd.FallbackSize = %d, want %d", c.Rbd.FallbackSize, gib)
	}
	if c.BlockSize != 4096 || c.Rbd.Dispatchers != 4 || c.Rbd.QueueDepth != 128 {
		t.Errorf("BlockSize=%d Dispatchers=%d QueueDepth=%d, want 4096, 4, 128",
			c.BlockSize, c.Rbd.Dispatchers, c.Rbd.QueueDepth)
	}
}

func TestFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
backend = "memory"
size = 2
block_size = 1000

[rbd]
dispatchers = -3

[write]
chunk_size = 8
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BS3RBD_SIZE", "3")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if c.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", c.Backend)
	}
	if c.Size != 3*gib {
		t.Errorf("Size = %d, want environment value %d", c.Size, 3*gib)
	}
	if c.Write.ChunkSize != 8*mib {
		t.Errorf("Write.ChunkSize = %d, want %d", c.Write.ChunkSize, 8*mib)
	}
	if c.BlockSize != 4096 {
		t.Errorf("BlockSize = %d, want 4096 for an unsupported value", c.BlockSize)
	}
	if c.Rbd.Dispatchers != 1 {
		t.Errorf("Rbd.Dispatchers = %d, want at least 1", c.Rbd.Dispatchers)
	}
	if c.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", c.ConfigPath, path)
	}
}

func TestDumpLoads(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	c.Backend = "null"
	c.Size = 5 * gib

	var buf bytes.Buffer
	if err := c.Dump(&buf); err != nil {
		t.Fatalf("Dump() error = %v", err)
	}

	if !strings.Contains(buf.String(), "size = 5") {
		t.Errorf("Dump() does not hold the size in GB:\n%s", buf.String())
	}

	path := filepath.Join(t.TempDir(), "dump.toml")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Backend != "null" || got.Size != 5*gib {
		t.Errorf("Load() of dump = backend %q size %d, want null and %d", got.Backend, got.Size, 5*gib)
	}
}

func TestConfigure(t *testing.T) {
	saved := Cfg
	t.Cleanup(func() { Cfg = saved })

	t.Setenv("BS3RBD_BACKEND", "null")

	if err := Configure(""); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if Cfg.Backend != "null" {
		t.Errorf("Cfg.Backend = %q, want null", Cfg.Backend)
	}
}

func TestDescribe(t *testing.T) {
	desc, err := Describe()
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}

	for _, env := range []string{"BS3RBD_BACKEND", "BS3RBD_DISPATCHERS", "BS3RBD_S3_BUCKET"} {
		if !strings.Contains(desc, env) {
			t.Errorf("Describe() misses %s", env)
		}
	}
}
