package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveLoadRemotes(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	in := RemotesConfig{
		Active: "table",
		Remotes: map[string]Remote{
			"table": {URL: "https://screen.example.com", Token: "tok_abc", NATSURL: "nats://screen:4222", Tenant: "campaign-7"},
			"local": {URL: "http://localhost:8080"},
		},
	}
	if err := saveRemotes(in); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := loadRemotes()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	name, r, err := got.get("")
	if err != nil || name != "table" {
		t.Fatalf("active = %q, %v", name, err)
	}
	if r != in.Remotes["table"] {
		t.Errorf("table remote = %+v, want %+v", r, in.Remotes["table"])
	}
}

func TestLoadRemotes_NoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadRemotes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Active != "" || cfg.Remotes == nil || len(cfg.Remotes) != 0 {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func TestLoadRemotes_Corrupt(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path, _ := remotesPath()
	if err := os.WriteFile(path, []byte("active = [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadRemotes(); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestSaveRemotes_Permissions(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := saveRemotes(RemotesConfig{Remotes: map[string]Remote{}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	path, _ := remotesPath()
	for p, want := range map[string]os.FileMode{path: 0o600, filepath.Dir(path): 0o700} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if got := info.Mode().Perm(); got != want {
			t.Errorf("%s permissions = %04o, want %04o", p, got, want)
		}
	}
}

func TestRemoteLifecycle(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	var buf bytes.Buffer
	for _, c := range remoteCmd.Commands() {
		c.SetOut(&buf)
	}
	run := func(c func() error) {
		t.Helper()
		if err := c(); err != nil {
			t.Fatal(err)
		}
	}

	if err := remoteAddCmd.Flags().Set("default-tenant", "campaign-7"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = remoteAddCmd.Flags().Set("default-tenant", "") })

	// The first remote added becomes active.
	run(func() error { return remoteAddCmd.RunE(remoteAddCmd, []string{"table", "https://screen.example.com"}) })
	run(func() error { return remoteAddCmd.RunE(remoteAddCmd, []string{"local", "http://localhost:8080"}) })
	cfg, _ := loadRemotes()
	if cfg.Active != "table" {
		t.Fatalf("Active = %q, want table", cfg.Active)
	}
	if cfg.Remotes["table"].Tenant != "campaign-7" {
		t.Fatalf("tenant not saved: %+v", cfg.Remotes["table"])
	}

	run(func() error { return remoteUseCmd.RunE(remoteUseCmd, []string{"local"}) })

	buf.Reset()
	run(func() error { return remoteListCmd.RunE(remoteListCmd, nil) })
	if !strings.Contains(buf.String(), "* local") || !strings.Contains(buf.String(), "campaign-7") {
		t.Errorf("list missing active marker or tenant; got:\n%s", buf.String())
	}

	buf.Reset()
	run(func() error { return remoteShowCmd.RunE(remoteShowCmd, []string{"table"}) })
	if out := buf.String(); !strings.Contains(out, "campaign-7") || strings.Contains(out, "(active)") {
		t.Errorf("show table; got:\n%s", out)
	}

	run(func() error { return remoteRemoveCmd.RunE(remoteRemoveCmd, []string{"local"}) })
	cfg, _ = loadRemotes()
	if _, ok := cfg.Remotes["local"]; ok || cfg.Active != "" {
		t.Errorf("after remove: %+v", cfg)
	}
}

func TestRemoteTokenMasking(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := remoteAddCmd.Flags().Set("bearer", "tok_verylongsecret"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = remoteAddCmd.Flags().Set("bearer", "") })

	var buf bytes.Buffer
	for _, c := range remoteCmd.Commands() {
		c.SetOut(&buf)
	}
	if err := remoteAddCmd.RunE(remoteAddCmd, []string{"table", "https://screen.example.com"}); err != nil {
		t.Fatal(err)
	}

	for name, c := range map[string]func() error{
		"list": func() error { return remoteListCmd.RunE(remoteListCmd, nil) },
		"show": func() error { return remoteShowCmd.RunE(remoteShowCmd, nil) },
	} {
		buf.Reset()
		if err := c(); err != nil {
			t.Fatal(err)
		}
		if strings.Contains(buf.String(), "tok_verylongsecret") {
			t.Errorf("%s: full token must not appear", name)
		}
		if !strings.Contains(buf.String(), "tok_very**********") {
			t.Errorf("%s: expected masked token; got:\n%s", name, buf.String())
		}
	}
}

func TestRemoteErrorCases(t *testing.T) {
	tests := []struct {
		name string
		fn   func() error
	}{
		{"use unknown", func() error { return remoteUseCmd.RunE(remoteUseCmd, []string{"ghost"}) }},
		{"remove unknown", func() error { return remoteRemoveCmd.RunE(remoteRemoveCmd, []string{"ghost"}) }},
		{"show no active", func() error { return remoteShowCmd.RunE(remoteShowCmd, nil) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("HOME", t.TempDir())
			if err := tc.fn(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
