package main

import (
	"os"
	"path/filepath"
	"testing"
)

// resetFlags restores global flag state after each test.
func resetFlags(t *testing.T) {
	t.Helper()
	orig := struct{ url, token, secret string }{flagURL, flagToken, flagSecret}
	t.Cleanup(func() {
		flagURL = orig.url
		flagToken = orig.token
		flagSecret = orig.secret
	})

	flagURL = defaultURL
	flagToken = ""
	flagSecret = ""
}

func writeProfile(t *testing.T, home, content string) {
	t.Helper()

	dir := filepath.Join(home, ".streamgate")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestResolveConfig_Env(t *testing.T) {
	resetFlags(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("STREAMGATE_URL", "http://env-server:9090")
	t.Setenv("STREAMGATE_TOKEN", "env-token")
	t.Setenv("PUBLISH_SECRET", "env-secret")

	resolveConfig()

	if flagURL != "http://env-server:9090" || flagToken != "env-token" || flagSecret != "env-secret" {
		t.Errorf("got url=%q token=%q secret=%q", flagURL, flagToken, flagSecret)
	}
}

func TestResolveConfig_Profile(t *testing.T) {
	resetFlags(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("STREAMGATE_URL", "")
	t.Setenv("STREAMGATE_TOKEN", "")
	t.Setenv("PUBLISH_SECRET", "")

	writeProfile(t, home, `
active_profile: staging
profiles:
  default:
    url: http://default:3040
  staging:
    url: http://staging:3040
    token: staging-token
    publish_secret: staging-secret
`)

	resolveConfig()

	if flagURL != "http://staging:3040" {
		t.Errorf("url = %q, want staging profile", flagURL)
	}
	if flagToken != "staging-token" || flagSecret != "staging-secret" {
		t.Errorf("token=%q secret=%q", flagToken, flagSecret)
	}
}

func TestResolveConfig_FlagsWin(t *testing.T) {
	resetFlags(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("STREAMGATE_TOKEN", "env-token")

	writeProfile(t, home, `
profiles:
  default:
    url: http://default:3040
    token: profile-token
`)

	flagURL = "http://flag:1"
	flagToken = "flag-token"

	resolveConfig()

	if flagURL != "http://flag:1" || flagToken != "flag-token" {
		t.Errorf("flags overridden: url=%q token=%q", flagURL, flagToken)
	}
}

func TestResolveConfig_BadYAMLIgnored(t *testing.T) {
	resetFlags(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("STREAMGATE_URL", "")

	writeProfile(t, home, "profiles: [not, a, map")

	resolveConfig()

	if flagURL != defaultURL {
		t.Errorf("url = %q, want default", flagURL)
	}
}
