package session

import (
	"strings"
	"testing"
)

func TestPathsAreUnderSessionDir(t *testing.T) {
	dir := Dir("main")
	for name, path := range map[string]string{
		"lock": LockPath("main"),
		"db":   DBPath("main"),
		"log":  LogPath("main"),
	} {
		if !strings.HasPrefix(path, dir) {
			t.Errorf("%s path %q not under session dir %q", name, path, dir)
		}
	}
}

func TestConfigPathUnderBaseDir(t *testing.T) {
	if !strings.HasPrefix(ConfigPath(), BaseDir()) {
		t.Errorf("config path %q not under base dir %q", ConfigPath(), BaseDir())
	}
}
