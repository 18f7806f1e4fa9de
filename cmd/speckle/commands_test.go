package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/specklesystems/speckle-server-sub009/config"
	"github.com/specklesystems/speckle-server-sub009/server/api"
	"github.com/specklesystems/speckle-server-sub009/server/auth"
	"github.com/specklesystems/speckle-server-sub009/server/store"
	"github.com/specklesystems/speckle-server-sub009/stream"
)

// resetFlags restores flag defaults between executions of the shared
// command tree. Slice flags are not reset; tests pass them explicitly.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if _, ok := f.Value.(pflag.SliceValue); !ok {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	for _, key := range []string{"SPECKLE_SERVER", "SPECKLE_STREAM", "SPECKLE_TOKEN", "SPECKLE_CACHE_DIR", "SPECKLE_AUTH_SECRET"} {
		t.Setenv(key, "")
	}
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const model = `{
  "speckle_type": "Base",
  "name": "tower",
  "@levels": [
    {"speckle_type": "Level", "elevation": 0},
    {"speckle_type": "Level", "elevation": 3.5}
  ],
  "@(2)points": [1, 2, 3, 4, 5]
}`

// TestRootCommand tests that the root command is properly configured
func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "speckle" {
		t.Errorf("expected Use 'speckle', got %q", rootCmd.Use)
	}
	for _, name := range []string{"send", "receive", "token", "version"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
		if cmd.RunE == nil && cmd.Run == nil {
			t.Errorf("%s has no run function", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if strings.TrimSpace(out) != Version {
		t.Errorf("version = %q, want %q", out, Version)
	}
}

func TestSendDryRun(t *testing.T) {
	path := writeFile(t, model)

	out, errOut, err := execute(t, "send", path, "--dry-run")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ids := make(map[string]bool)
	err = stream.Each(strings.NewReader(out), func(rec stream.Record) error {
		ids[rec.ID] = true
		return nil
	}, func(err error) { t.Errorf("bad line: %v", err) })
	if err != nil {
		t.Fatal(err)
	}
	// root, two levels, three chunks
	if len(ids) != 6 {
		t.Errorf("got %d records, want 6", len(ids))
	}
	hash := strings.TrimSpace(errOut)
	if !ids[hash] {
		t.Errorf("root hash %q not among written records", hash)
	}
}

func TestSendRequiresServer(t *testing.T) {
	path := writeFile(t, model)
	if _, _, err := execute(t, "send", path); err == nil {
		t.Fatal("expected configuration error without --server")
	}
}

func TestReadTreeRejectsNonObjects(t *testing.T) {
	for _, content := range []string{`[1,2]`, `null`, `{"a":`} {
		if _, err := readTree(nil, writeFile(t, content)); err == nil {
			t.Errorf("readTree(%s) should fail", content)
		}
	}
}

func TestSendAndReceive(t *testing.T) {
	db, err := store.OpenDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	handler, err := api.NewRouter(db, &config.ServerConfig{MaxBatchSize: 1 << 20, AuthSecret: "dev"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	tok, _, err := execute(t, "token", "--secret", "dev", "--streams", "s1", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	tok = strings.TrimSpace(tok)
	claims, err := auth.NewTokenService([]byte("dev"), auth.DefaultIssuer, time.Minute).ValidateAccessToken(tok)
	if err != nil || !claims.CanAccess("s1") {
		t.Fatalf("minted token invalid: %v", err)
	}

	out, _, err := execute(t, "send", writeFile(t, model), "--server", srv.URL, "--stream", "s1", "--token", tok, "--gzip")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	rootID := strings.TrimSpace(out)

	out, _, err = execute(t, "receive", srv.URL+"/streams/s1/objects/"+rootID, "--token", tok, "--cache", "memory", "-q")
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	var tree map[string]any
	if err := json.Unmarshal([]byte(out), &tree); err != nil {
		t.Fatalf("receive output is not JSON: %v\n%s", err, out)
	}
	if tree["name"] != "tower" {
		t.Errorf("name = %v", tree["name"])
	}
	if _, ok := tree["id"]; ok {
		t.Error("bookkeeping fields should be stripped")
	}
	levels, _ := tree["levels"].([]any)
	if len(levels) != 2 {
		t.Errorf("levels = %v", tree["levels"])
	}
	points, _ := tree["points"].([]any)
	if len(points) != 5 {
		t.Errorf("points = %v", tree["points"])
	}
}
