package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigForTest(t, `
storage:
  driver: memory
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" || cfg.Server.MaxArtifactBytes != 25<<20 {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.QueueEnabled() {
		t.Fatalf("queue must be disabled without redis_addr")
	}
	if cfg.Queue.Queue != "docuchain:documents:queue" || cfg.Queue.DeadLetterQueue != "docuchain:documents:dlq" {
		t.Fatalf("unexpected queue names %+v", cfg.Queue)
	}
	if cfg.Worker.MaxRetries != 3 || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected worker/logging defaults")
	}
	if cfg.Generator.MaxArtifactBytes != cfg.Server.MaxArtifactBytes {
		t.Fatalf("generator limit should inherit server limit")
	}
}

func TestLoadExpandsSecretsFromEnvironment(t *testing.T) {
	t.Setenv("DOCUCHAIN_TEST_SECRET", "s3cret")
	t.Setenv("DOCUCHAIN_TEST_REDIS", "127.0.0.1:6379")
	path := writeConfigForTest(t, `
storage:
  driver: memory
envelope:
  hmac_secret: "${DOCUCHAIN_TEST_SECRET}"
queue:
  redis_addr: "${DOCUCHAIN_TEST_REDIS}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Envelope.HMACSecret != "s3cret" || !cfg.QueueEnabled() || cfg.Queue.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("env expansion failed: %+v %+v", cfg.Envelope, cfg.Queue)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown driver",
			body: "storage:\n  driver: mongo\n",
			want: "storage.driver must be one of",
		},
		{
			name: "postgres without dsn",
			body: "storage:\n  driver: postgres\n",
			want: "storage.postgres_dsn is required",
		},
		{
			name: "sqlite without path",
			body: "storage:\n  driver: sqlite\n",
			want: "storage.sqlite_path is required",
		},
		{
			name: "insecure remote postgres",
			body: "storage:\n  driver: postgres\n  postgres_dsn: \"postgres://u:p@db.internal:5432/docs?sslmode=disable\"\n",
			want: "storage.postgres_dsn must use sslmode",
		},
		{
			name: "queue enabled without redis",
			body: "storage:\n  driver: memory\nqueue:\n  enabled: true\n",
			want: "queue.redis_addr is required",
		},
		{
			name: "plain http generator",
			body: "storage:\n  driver: memory\ngenerator:\n  backend_url: \"http://render.internal:3000\"\n",
			want: "generator.backend_url must use https",
		},
		{
			name: "bad cidr",
			body: "storage:\n  driver: memory\nsecurity:\n  enable_ip_allow_list: true\n  trusted_cidrs: [\"10.0.0.0/33\"]\n",
			want: "security.trusted_cidrs[0] is invalid",
		},
	}
	for _, tc := range cases {
		_, err := Load(writeConfigForTest(t, tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadAllowsLocalPlaintextTransport(t *testing.T) {
	path := writeConfigForTest(t, `
storage:
  driver: gorm-postgres
  postgres_dsn: "postgres://u:p@localhost:5432/docs?sslmode=disable"
generator:
  backend_url: "http://127.0.0.1:3000"
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("expected local plaintext transport to be allowed, got %v", err)
	}
}

func writeConfigForTest(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docuchain.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}
