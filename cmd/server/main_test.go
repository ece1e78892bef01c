package main

import (
	"log/slog"
	"reflect"
	"testing"
	"time"

	"vodforge/internal/transcode"
)

func TestConfigureTranscodeQueueMemory(t *testing.T) {
	queue, err := configureTranscodeQueue("", transcode.RedisQueueConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("configureTranscodeQueue returned error: %v", err)
	}
	if queue == nil {
		t.Fatalf("configureTranscodeQueue returned nil queue")
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close queue: %v", err)
	}
}

func TestConfigureTranscodeQueueRedisMissingAddress(t *testing.T) {
	_, err := configureTranscodeQueue("redis", transcode.RedisQueueConfig{}, slog.Default())
	if err == nil {
		t.Fatal("configureTranscodeQueue redis expected error when addr missing")
	}
}

func TestConfigureTranscodeQueueRejectsUnknownDriver(t *testing.T) {
	if _, err := configureTranscodeQueue("kafka", transcode.RedisQueueConfig{}, slog.Default()); err == nil {
		t.Fatal("expected error for unsupported queue driver")
	}
}

func TestResolveStorageDriverDefaultsToJSON(t *testing.T) {
	driver, err := resolveStorageDriver("", "", "")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if driver != "json" {
		t.Fatalf("expected json driver, got %q", driver)
	}
}

func TestResolveStorageDriverImpliesPostgresFromDSN(t *testing.T) {
	driver, err := resolveStorageDriver("", "", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", driver)
	}
}

func TestResolveStorageDriverFlagWins(t *testing.T) {
	driver, err := resolveStorageDriver("JSON", "postgres", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if driver != "json" {
		t.Fatalf("expected flag driver to win, got %q", driver)
	}
}

func TestValidateProductionDatastoreRejectsNonPostgres(t *testing.T) {
	if err := validateProductionDatastore("json", "postgres://example"); err == nil {
		t.Fatal("expected error when production mode uses non-postgres driver")
	}
}

func TestValidateProductionDatastoreRequiresDSN(t *testing.T) {
	if err := validateProductionDatastore("postgres", ""); err == nil {
		t.Fatal("expected error when resolved Postgres DSN is empty")
	}
}

func TestResolvePostgresDSNPriority(t *testing.T) {
	t.Setenv("VODFORGE_POSTGRES_DSN", "postgres://env")
	t.Setenv("DATABASE_URL", "postgres://database")
	got := resolvePostgresDSN("postgres://flag")
	if got != "postgres://flag" {
		t.Fatalf("expected flag DSN to win, got %q", got)
	}
	got = resolvePostgresDSN("")
	if got != "postgres://env" {
		t.Fatalf("expected VODFORGE_POSTGRES_DSN to win, got %q", got)
	}
	t.Setenv("VODFORGE_POSTGRES_DSN", "")
	got = resolvePostgresDSN("")
	if got != "postgres://database" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", got)
	}
}

func TestModeValueAndListenAddr(t *testing.T) {
	t.Parallel()

	if mode := modeValue("", ""); mode != "development" {
		t.Fatalf("expected development default, got %q", mode)
	}
	if mode := modeValue(" Production ", ""); mode != "production" {
		t.Fatalf("expected normalized production, got %q", mode)
	}
	if addr := resolveListenAddr("", "production", ""); addr != ":80" {
		t.Fatalf("expected production listen :80, got %q", addr)
	}
	if addr := resolveListenAddr("", "development", ""); addr != ":8080" {
		t.Fatalf("expected development listen :8080, got %q", addr)
	}
	if addr := resolveListenAddr(":9999", "production", ":7777"); addr != ":9999" {
		t.Fatalf("expected flag address to win, got %q", addr)
	}
	if addr := resolveListenAddr("", "development", ":7777"); addr != ":7777" {
		t.Fatalf("expected env address to win over default, got %q", addr)
	}
}

func TestResolveDataAndChunkPaths(t *testing.T) {
	t.Parallel()

	if got := resolveDataPath("", ""); got != "data/store.json" {
		t.Fatalf("expected default data path, got %q", got)
	}
	if got := resolveDataPath("/srv/store.json", "/env/store.json"); got != "/srv/store.json" {
		t.Fatalf("expected flag data path to win, got %q", got)
	}
	if got := resolveChunkRoot("", ""); got != "data/chunks" {
		t.Fatalf("expected default chunk root, got %q", got)
	}
	if got := resolveChunkRoot("", " /env/chunks "); got != "/env/chunks" {
		t.Fatalf("expected trimmed env chunk root, got %q", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	t.Parallel()

	if got := splitAndTrim("  "); got != nil {
		t.Fatalf("expected nil for blank input, got %v", got)
	}
	got := splitAndTrim(" https://a.example , ,https://b.example ")
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestResolveDurationFallsBack(t *testing.T) {
	if got := resolveDuration(0, "VODFORGE_TEST_UNSET_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback duration, got %v", got)
	}
	t.Setenv("VODFORGE_TEST_DURATION", "90s")
	if got := resolveDuration(0, "VODFORGE_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Fatalf("expected env duration, got %v", got)
	}
	if got := resolveDuration(5*time.Second, "VODFORGE_TEST_DURATION", time.Minute); got != 5*time.Second {
		t.Fatalf("expected flag duration to win, got %v", got)
	}
}
