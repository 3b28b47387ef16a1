package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDataDirFor(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}
	tests := []struct {
		name string
		goos string
		home string
		vars map[string]string
		want string
	}{
		{"xdg wins", "darwin", "/Users/a", map[string]string{"XDG_DATA_HOME": "/data"}, filepath.Join("/data", "sharepipe")},
		{"linux home", "linux", "/home/a", nil, filepath.Join("/home/a", ".local", "share", "sharepipe")},
		{"darwin home", "darwin", "/Users/a", nil, filepath.Join("/Users/a", "Library", "Application Support", "Sharepipe")},
		{"windows localappdata", "windows", `C:\Users\a`, map[string]string{"LOCALAPPDATA": `C:\Local`}, filepath.Join(`C:\Local`, "Sharepipe")},
		{"windows home", "windows", "/home/a", nil, filepath.Join("/home/a", "AppData", "Local", "Sharepipe")},
		{"no home", "linux", "", nil, filepath.Join(".", "data")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dataDirFor(tt.goos, tt.home, env(tt.vars)); got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestDefaultDataDirHonoursXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	got := DefaultDataDir()
	if !strings.HasSuffix(got, "sharepipe") || !filepath.IsAbs(got) {
		t.Fatalf("DefaultDataDir = %q", got)
	}
}
