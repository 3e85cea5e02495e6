package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoadDotEnv_SetsMissingVariables(t *testing.T) {
	path := writeEnvFile(t, "# engine\nEQX_ENGINE=stockfish\nexport EQX_DEPTH=12 # tuned\nEQX_EMPTY=\nEQX_QUOTED=\"a # b\"\nEQX_SINGLE='x y'\n")
	for _, k := range []string{"EQX_ENGINE", "EQX_DEPTH", "EQX_EMPTY", "EQX_QUOTED", "EQX_SINGLE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}

	want := map[string]string{
		"EQX_ENGINE": "stockfish",
		"EQX_DEPTH":  "12",
		"EQX_EMPTY":  "",
		"EQX_QUOTED": "a # b",
		"EQX_SINGLE": "x y",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	path := writeEnvFile(t, "EQX_ENGINE=from_file\n")

	t.Setenv("EQX_ENGINE", "from_env")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv("EQX_ENGINE"); got != "from_env" {
		t.Fatalf("EQX_ENGINE = %q, want %q", got, "from_env")
	}
}

func TestLoadDotEnv_MissingFileIsIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
}

func TestLoadDotEnv_ReportsMalformedLine(t *testing.T) {
	path := writeEnvFile(t, "EQX_OK=1\nnot a pair\n")
	err := LoadDotEnv(path)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}
