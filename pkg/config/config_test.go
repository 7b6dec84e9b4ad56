package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
}

func (s *sample) Validate() error {
	if s.Count < 0 {
		return errors.New("count must not be negative")
	}
	return nil
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "from-env")
	s := sample{Count: 7}
	if err := Parse("inline", []byte("name: ${SAMPLE_NAME}\n"), &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "from-env" || s.Count != 7 {
		t.Errorf("got %+v", s)
	}
}

func TestParse_Validates(t *testing.T) {
	var s sample
	err := Parse("inline", []byte("count: -1\n"), &s)
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadIfExists(t *testing.T) {
	dir := t.TempDir()
	var s sample
	ok, err := LoadIfExists(filepath.Join(dir, "missing.yaml"), &s)
	if err != nil || ok {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}

	path := filepath.Join(dir, "c.yaml")
	_ = os.WriteFile(path, []byte("name: x\ncount: 2\n"), 0o644)
	ok, err = LoadIfExists(path, &s)
	if err != nil || !ok || s.Count != 2 {
		t.Fatalf("ok=%v err=%v s=%+v", ok, err, s)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	var s sample
	if err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &s); err == nil {
		t.Fatal("expected error")
	}
}
