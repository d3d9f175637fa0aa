package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
		wantErr bool
	}{
		{name: "yaml", file: "config.yaml", content: "DECODING_KEY: abc+/def==\n", want: "abc+/def=="},
		{name: "yml trims", file: "config.yml", content: "DECODING_KEY: '  spaced  '\n", want: "spaced"},
		{name: "json", file: "config.json", content: `{"DECODING_KEY":"fromjson"}`, want: "fromjson"},
		{name: "empty yaml", file: "config.yaml", content: "", want: ""},
		{name: "bad yaml", file: "config.yaml", content: "DECODING_KEY: [unterminated", wantErr: true},
		{name: "unsupported", file: "config.toml", content: "DECODING_KEY = 'x'", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Load(writeFile(t, tt.file, tt.content))
			if tt.wantErr {
				if err == nil {
					t.Fatal("Load() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if f.DecodingKey != tt.want {
				t.Errorf("DecodingKey = %q, want %q", f.DecodingKey, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load() error = %v, want fs.ErrNotExist", err)
	}
}

func TestAPIKey(t *testing.T) {
	t.Setenv(KeyEnv, "")
	if got := APIKey(nil); got != "" {
		t.Errorf("APIKey(nil) = %q", got)
	}
	if got := APIKey(&File{DecodingKey: "file"}); got != "file" {
		t.Errorf("APIKey() = %q, want file", got)
	}

	t.Setenv(KeyEnv, "env")
	if got := APIKey(&File{DecodingKey: "file"}); got != "env" {
		t.Errorf("APIKey() = %q, want env override", got)
	}
}
