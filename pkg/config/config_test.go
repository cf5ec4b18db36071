package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"github.com/daglnode/daglnode/internal/testutil"
)

const testYAML = `
network:
  listen_addr: /ip4/0.0.0.0/tcp/4001
  discovery_tag: daglnode-test
  bootstrap_peers: []
  max_inbound_peers: 8
  max_outbound_peers: 8
  max_peers_per_response: 50
  want_new_peers: true
store:
  dsn: postgres://localhost/daglnode_test
  max_connections: 5
witnesses: []
tps_fee:
  base_fee: 10
  interval: 1
  multiplier: 2
admin:
  listen_addr: 127.0.0.1:8090
logging:
  level: info
`

// withSandboxConfig writes a default.yaml under <sandbox>/config and chdirs
// the test process there so Load's relative "config" path resolves to it,
// restoring the original working directory on cleanup.
func withSandboxConfig(t *testing.T, yaml string) *testutil.Sandbox {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })

	if err := os.Mkdir(filepath.Join(sb.Root, "config"), 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := sb.WriteFile(filepath.Join("config", "default.yaml"), []byte(yaml), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	viper.Reset()
	t.Cleanup(viper.Reset)
	return sb
}

func TestLoadReadsConfigFromIsolatedDirectory(t *testing.T) {
	withSandboxConfig(t, testYAML)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Network.ListenAddr != "/ip4/0.0.0.0/tcp/4001" {
		t.Fatalf("unexpected listen addr: %q", cfg.Network.ListenAddr)
	}
	if cfg.Store.DSN != "postgres://localhost/daglnode_test" {
		t.Fatalf("unexpected dsn: %q", cfg.Store.DSN)
	}
	if cfg.TPSFee.BaseFee != 10 || cfg.TPSFee.Multiplier != 2 {
		t.Fatalf("unexpected tps fee config: %+v", cfg.TPSFee)
	}
}

func TestLoadMergesEnvironmentOverride(t *testing.T) {
	sb := withSandboxConfig(t, testYAML)
	override := "admin:\n  listen_addr: 127.0.0.1:9999\n"
	if err := sb.WriteFile(filepath.Join("config", "staging.yaml"), []byte(override), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load("staging")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Admin.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("expected staging override to apply, got %q", cfg.Admin.ListenAddr)
	}
	if cfg.Network.ListenAddr != "/ip4/0.0.0.0/tcp/4001" {
		t.Fatalf("expected base config to survive merge, got %q", cfg.Network.ListenAddr)
	}
}
