package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"slabscan/internal/config"
	"slabscan/internal/gateway"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/pipeline"
	"slabscan/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	gateway    *testsupport.FakeGateway
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	cfg.Logging.Level = "error"
	base := testsupport.BaseDir(cfg)
	configPath := filepath.Join(base, "config.toml")
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{
		cfg:        cfg,
		gateway:    &testsupport.FakeGateway{RecordRef: "rec-1"},
		configPath: configPath,
		baseDir:    base,
	}
}

func (env *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	ctx := newCommandContext()
	ctx.newGateway = func(*config.Config, *slog.Logger) gateway.Gateway { return env.gateway }
	ctx.newLogger = func(*config.Config) (*slog.Logger, error) { return logging.NewNop(), nil }

	cmd := newRootCommandWith(ctx)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

// openStore opens the ledger between commands; the CLI must not be running.
func (env *cliTestEnv) openStore(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(env.cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	return store
}

func (env *cliTestEnv) image(t *testing.T, name, seed string) (path, hash string) {
	t.Helper()
	path = testsupport.WriteImage(t, filepath.Join(env.baseDir, "images"), name, seed)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	return path, pipeline.HashImage(data)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "[matching]")
	requireContains(t, out, redacted)
	if strings.Contains(out, "api_key = 'test'") || strings.Contains(out, `api_key = "test"`) {
		t.Fatalf("api key leaked: %s", out)
	}

	out, err = env.run(t, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
}

func TestConfigInitWritesSample(t *testing.T) {
	env := setupCLITestEnv(t)
	target := filepath.Join(t.TempDir(), "nested", "config.toml")

	out, err := env.run(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, err := env.run(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected second init without --overwrite to fail")
	}
}

func TestUploadThenStatus(t *testing.T) {
	env := setupCLITestEnv(t)
	front, frontHash := env.image(t, "front.jpg", "front")
	back, _ := env.image(t, "back.jpg", "back")

	out, err := env.run(t, "upload", front, back)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	requireContains(t, out, frontHash)

	out, err = env.run(t, "--json", "status", "--status", "uploaded")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if report.Summary.Total != 2 || len(report.Scans) != 2 {
		t.Fatalf("expected two uploaded scans, got %+v", report)
	}

	out, err = env.run(t, "status", "--yaml")
	if err != nil {
		t.Fatalf("status --yaml: %v", err)
	}
	requireContains(t, out, "image_hash: "+frontHash)

	out, err = env.run(t, "upload", front)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	requireContains(t, out, "already processed")
	if calls := env.gateway.Calls("UploadImages"); calls != 1 {
		t.Fatalf("expected one remote upload, got %d", calls)
	}
}

func TestExtractReportsUnknownIDs(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "extract", "42")
	if err == nil {
		t.Fatal("expected extract of unknown id to fail")
	}
	requireContains(t, out, "42")
	requireContains(t, err.Error(), "1 item(s) failed")

	if _, err := env.run(t, "extract", "abc"); err == nil || !strings.Contains(err.Error(), "invalid scan id") {
		t.Fatalf("expected invalid id error, got %v", err)
	}
}

func TestProcessThenApprove(t *testing.T) {
	env := setupCLITestEnv(t)
	front, frontHash := env.image(t, "front.jpg", "front")
	back, backHash := env.image(t, "back.jpg", "back")
	extracted := ledger.ExtractedData{
		PokemonName: "Charizard",
		CardNumber:  "11",
		CertNumber:  "12345678",
		Grade:       "10",
		Year:        "2016",
		SetName:     "Evolutions",
		Confidence:  0.9,
	}
	env.gateway.Cards = []gateway.CatalogCard{
		{CardID: "xy12-11", Name: "Charizard", Number: "11", SetID: "xy12", SetName: "Evolutions", Year: "2016"},
	}
	env.gateway.Distributed = map[string]gateway.DistributedItem{
		frontHash: {OCRText: "label", Extracted: extracted},
		backHash:  {OCRText: "label", Extracted: extracted},
	}

	out, err := env.run(t, "process", front, back)
	if err != nil {
		t.Fatalf("process: %v\n%s", err, out)
	}
	requireContains(t, out, "match_display")

	store := env.openStore(t)
	scan, err := store.GetByHash(context.Background(), frontHash)
	store.Close()
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if scan.Status != ledger.StatusMatched || scan.SelectedCardID != "xy12-11" {
		t.Fatalf("expected matched xy12-11, got %s %q", scan.Status, scan.SelectedCardID)
	}

	out, err = env.run(t, "approve", frontHash, "--grade", "PSA 10", "--price", "250")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	requireContains(t, out, "record rec-1")
	if records := env.gateway.Records(); len(records) != 1 || records[0].SelectedCardID != "xy12-11" {
		t.Fatalf("unexpected downstream records %+v", records)
	}
}

func TestReconcilePlanDoesNotStitch(t *testing.T) {
	env := setupCLITestEnv(t)
	front, frontHash := env.image(t, "front.jpg", "front")
	if _, err := env.run(t, "upload", front); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.run(t, "extract", "1"); err != nil {
		t.Fatalf("extract: %v", err)
	}

	out, err := env.run(t, "reconcile", "--plan", frontHash)
	if err != nil {
		t.Fatalf("reconcile --plan: %v", err)
	}
	requireContains(t, out, "stitch")
	if calls := env.gateway.Calls("StitchImages"); calls != 0 {
		t.Fatalf("plan must not stitch, got %d calls", calls)
	}
}

func TestSuggestTable(t *testing.T) {
	env := setupCLITestEnv(t)
	env.gateway.Suggest = func(_ context.Context, req gateway.SuggestRequest) ([]gateway.Suggestion, error) {
		return []gateway.Suggestion{{Field: req.Field, ID: "xy12", Label: "Evolutions", Year: "2016", Score: 0.9}}, nil
	}

	out, err := env.run(t, "suggest", "set", "evol")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	requireContains(t, out, "Evolutions")

	out, err = env.run(t, "suggest", "set", "evol", "--pick", "1")
	if err != nil {
		t.Fatalf("suggest --pick: %v", err)
	}
	requireContains(t, out, "Selected set xy12")

	if _, err := env.run(t, "suggest", "grade", "psa"); err == nil {
		t.Fatal("expected unknown field to fail")
	}
}
