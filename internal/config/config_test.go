package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
node:
  address: g.node
  id: alice
  owner_ledger: usd
ledgers:
  - id: usd
    currency: USD
    scale: 2
  - id: eur
    currency: EUR
    scale: 2
peers:
  - node_id: bob
    ledger: eur
    prefix: g.bob
    limit: credits_must_not_exceed_debits
routes:
  - prefix: g.carol
    kind: peer
    peer: bob
  - prefix: g.shop
    kind: http
    url: https://shop.example/ilp
rates:
  USD: "1"
  EUR: "1.1"
nats:
  url: nats://localhost:4222
auth:
  token_ttl: 5m
  clients:
    - id: ops
      secret_hash: "$2a$10$abcdefghijklmnopqrstuv"
      scopes: [ledger:read, peers:write]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "node.yaml", sampleYAML), noEnv(t))
	require.NoError(t, err)

	assert.Equal(t, "g.node", cfg.Node.Address)
	assert.Equal(t, "development", cfg.Environment)
	require.Len(t, cfg.Ledgers, 2)
	assert.Equal(t, uint8(2), cfg.Ledgers[1].Scale)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "credits_must_not_exceed_debits", cfg.Peers[0].Limit)
	assert.Equal(t, "https://shop.example/ilp", cfg.Routes[1].URL)
	assert.Equal(t, "1.1", cfg.Rates["eur"])

	assert.Equal(t, time.Second, cfg.Limits.MessageWindow)
	assert.Equal(t, 20*time.Second, cfg.Limits.MaxHoldTime)
	assert.Equal(t, 5*time.Second, cfg.Limits.PacketTimeout)
	assert.Equal(t, time.Second, cfg.Limits.PostTimeout)
	amount, err := cfg.MaxPacketAmount()
	require.NoError(t, err)
	assert.Equal(t, "1000000000000", amount.String())
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, "ilp_transfers", cfg.Kafka.Topic)
	assert.Equal(t, "ilpnode", cfg.Auth.Issuer)
	assert.Equal(t, 5*time.Minute, cfg.Auth.TokenTTL)
	require.Len(t, cfg.Auth.Clients, 1)
	assert.Equal(t, []string{"ledger:read", "peers:write"}, cfg.Auth.Clients[0].Scopes)
	assert.NotEmpty(t, cfg.ConfigPath)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ILPNODE_NODE_ADDRESS", "g.other")
	t.Setenv("ILPNODE_LIMITS_PACKET_TIMEOUT", "2s")
	t.Setenv("ILPNODE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ILPNODE_STORAGE_DRIVER", "sqlite")
	t.Setenv("ILPNODE_STORAGE_DSN", "/tmp/node.db")

	cfg, err := Load(writeFile(t, "node.yaml", sampleYAML), noEnv(t))
	require.NoError(t, err)
	assert.Equal(t, "g.other", cfg.Node.Address)
	assert.Equal(t, 2*time.Second, cfg.Limits.PacketTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
}

func TestDotEnvFile(t *testing.T) {
	env := writeFile(t, ".env", "ILPNODE_HTTP_CALLBACK_URL=https://node.example/ilp/callback\n")
	t.Cleanup(func() { os.Unsetenv("ILPNODE_HTTP_CALLBACK_URL") })

	cfg, err := Load(writeFile(t, "node.yaml", sampleYAML), env)
	require.NoError(t, err)
	assert.Equal(t, "https://node.example/ilp/callback", cfg.HTTP.CallbackURL)
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load("", noEnv(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node.address")
	assert.Contains(t, err.Error(), "ledgers")

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"), noEnv(t))
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Environment: "development",
		Node:        NodeConfig{Address: "g.node", ID: "alice", OwnerLedger: "usd"},
		Ledgers:     []LedgerConfig{{ID: "usd", Currency: "USD", Scale: 2}},
		Peers:       []PeerConfig{{NodeID: "bob", Ledger: "usd", Prefix: "g.bob"}},
		Limits: LimitsConfig{
			MessageWindow:   time.Second,
			MaxHoldTime:     20 * time.Second,
			PacketTimeout:   5 * time.Second,
			MaxPacketAmount: "1000",
		},
		Storage: StorageConfig{Driver: StorageMemory},
		NATS:    NATSConfig{URL: "nats://localhost:4222"},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(c *Config){
		"owner ledger unknown":   func(c *Config) { c.Node.OwnerLedger = "eur" },
		"duplicate ledger":       func(c *Config) { c.Ledgers = append(c.Ledgers, c.Ledgers[0]) },
		"peer on unknown ledger": func(c *Config) { c.Peers[0].Ledger = "eur" },
		"peers without nats":     func(c *Config) { c.NATS.URL = "" },
		"route to unknown peer":  func(c *Config) { c.Routes = []RouteConfig{{Prefix: "g.x", Kind: "peer", Peer: "zed"}} },
		"http route without url": func(c *Config) { c.Routes = []RouteConfig{{Prefix: "g.x", Kind: "http"}} },
		"unknown route kind":     func(c *Config) { c.Routes = []RouteConfig{{Prefix: "g.x", Kind: "carrier-pigeon"}} },
		"bad max amount":         func(c *Config) { c.Limits.MaxPacketAmount = "-1" },
		"zero timeout":           func(c *Config) { c.Limits.PacketTimeout = 0 },
		"sqlite without dsn":     func(c *Config) { c.Storage.Driver = StorageSQLite },
		"unknown driver":         func(c *Config) { c.Storage.Driver = "floppy" },
		"memory in production":   func(c *Config) { c.Environment = "production" },
		"production without auth": func(c *Config) {
			c.Environment = "production"
			c.Storage = StorageConfig{Driver: StoragePostgres, DSN: "postgres://ledger"}
		},
		"client without scopes": func(c *Config) { c.Auth.Clients = []ClientConfig{{ID: "ops", SecretHash: "$2a$10$x"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := validConfig()
	c.Environment = "production"
	c.Storage = StorageConfig{Driver: StoragePostgres, DSN: "postgres://ledger"}
	c.Auth.Clients = []ClientConfig{{ID: "ops", SecretHash: "$2a$10$x", Scopes: []string{"ledger:read"}}}
	assert.NoError(t, c.Validate())
	assert.True(t, c.Auth.Enabled())
}
