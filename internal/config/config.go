// Package config loads the node configuration from an optional YAML file,
// an optional .env file and ILPNODE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "ILPNODE"

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config holds the node configuration.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Node        NodeConfig     `mapstructure:"node"`
	Ledgers     []LedgerConfig `mapstructure:"ledgers"`
	Peers       []PeerConfig   `mapstructure:"peers"`
	Routes      []RouteConfig  `mapstructure:"routes"`
	// Rates maps an asset code to its value in the common reference unit.
	Rates   map[string]string `mapstructure:"rates"`
	Limits  LimitsConfig      `mapstructure:"limits"`
	Storage StorageConfig     `mapstructure:"storage"`
	HTTP    HTTPConfig        `mapstructure:"http"`
	GRPC    GRPCConfig        `mapstructure:"grpc"`
	Redis   RedisConfig       `mapstructure:"redis"`
	Kafka   KafkaConfig       `mapstructure:"kafka"`
	NATS    NATSConfig        `mapstructure:"nats"`
	Audit   AuditConfig       `mapstructure:"audit"`
	Auth    AuthConfig        `mapstructure:"auth"`

	ConfigPath string `mapstructure:"-"`
}

type NodeConfig struct {
	// Address is the node's ILP address.
	Address string `mapstructure:"address"`
	// ID names the node on the peer bus.
	ID          string `mapstructure:"id"`
	OwnerLedger string `mapstructure:"owner_ledger"`
}

type LedgerConfig struct {
	ID       string `mapstructure:"id"`
	Currency string `mapstructure:"currency"`
	Scale    uint8  `mapstructure:"scale"`
}

type PeerConfig struct {
	NodeID string `mapstructure:"node_id"`
	Ledger string `mapstructure:"ledger"`
	Prefix string `mapstructure:"prefix"`
	Limit  string `mapstructure:"limit"`
}

// RouteConfig is a static route. Kind "peer" sends Prefix to Peer; kind
// "http" sends it to the ILP-over-HTTP endpoint at URL.
type RouteConfig struct {
	Prefix string `mapstructure:"prefix"`
	Kind   string `mapstructure:"kind"`
	Peer   string `mapstructure:"peer"`
	URL    string `mapstructure:"url"`
}

type LimitsConfig struct {
	MessageWindow   time.Duration `mapstructure:"message_window"`
	MaxHoldTime     time.Duration `mapstructure:"max_hold_time"`
	PacketTimeout   time.Duration `mapstructure:"packet_timeout"`
	PostTimeout     time.Duration `mapstructure:"post_timeout"`
	MaxPacketAmount string        `mapstructure:"max_packet_amount"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type TLSConfig struct {
	CertFile          string `mapstructure:"cert_file"`
	KeyFile           string `mapstructure:"key_file"`
	CAFile            string `mapstructure:"ca_file"`
	RequireClientAuth bool   `mapstructure:"require_client_auth"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// CallbackURL is where HTTP counterparties post results of our Prepares.
	CallbackURL   string        `mapstructure:"callback_url"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
	IPAllowlist   []string      `mapstructure:"ip_allowlist"`
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
	TLS           TLSConfig     `mapstructure:"tls"`
	ClientTLS     TLSConfig     `mapstructure:"client_tls"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type RedisConfig struct {
	Addr       string  `mapstructure:"addr"`
	Prefix     string  `mapstructure:"prefix"`
	Capacity   int     `mapstructure:"capacity"`
	RefillRate float64 `mapstructure:"refill_rate"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Buffer  int      `mapstructure:"buffer"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type AuditConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// AuthConfig guards the admin API and gRPC with OAuth2 client credentials.
// With no clients both are left open.
type AuthConfig struct {
	Issuer string `mapstructure:"issuer"`
	// SigningKeyFile is a PEM RSA key; a random key is generated when empty.
	SigningKeyFile string         `mapstructure:"signing_key_file"`
	TokenTTL       time.Duration  `mapstructure:"token_ttl"`
	Clients        []ClientConfig `mapstructure:"clients"`
}

type ClientConfig struct {
	ID string `mapstructure:"id"`
	// SecretHash is the bcrypt hash of the client secret.
	SecretHash string   `mapstructure:"secret_hash"`
	Scopes     []string `mapstructure:"scopes"`
}

func (a AuthConfig) Enabled() bool { return len(a.Clients) > 0 }

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("node.address", "")
	v.SetDefault("node.id", "")
	v.SetDefault("node.owner_ledger", "")
	v.SetDefault("limits.message_window", time.Second)
	v.SetDefault("limits.max_hold_time", 20*time.Second)
	v.SetDefault("limits.packet_timeout", 5*time.Second)
	v.SetDefault("limits.post_timeout", time.Second)
	v.SetDefault("limits.max_packet_amount", "1000000000000")
	v.SetDefault("storage.driver", StorageMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.callback_url", "")
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.ip_allowlist", []string{})
	v.SetDefault("http.client_timeout", 10*time.Second)
	v.SetDefault("http.tls.cert_file", "")
	v.SetDefault("http.tls.key_file", "")
	v.SetDefault("http.tls.ca_file", "")
	v.SetDefault("http.tls.require_client_auth", false)
	v.SetDefault("http.client_tls.cert_file", "")
	v.SetDefault("http.client_tls.key_file", "")
	v.SetDefault("http.client_tls.ca_file", "")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "ilpnode")
	v.SetDefault("redis.capacity", 200)
	v.SetDefault("redis.refill_rate", 100.0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "ilp_transfers")
	v.SetDefault("kafka.buffer", 1024)
	v.SetDefault("nats.url", "")
	v.SetDefault("audit.capacity", 1000)
	v.SetDefault("auth.issuer", "ilpnode")
	v.SetDefault("auth.signing_key_file", "")
	v.SetDefault("auth.token_ttl", 15*time.Minute)
}

// Load reads configFile (optional) and envFiles (".env" when none given,
// missing files are ignored), applies ILPNODE_* overrides and validates the
// result.
func Load(configFile string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	var missing []string
	if c.Node.Address == "" {
		missing = append(missing, "node.address")
	}
	if c.Node.OwnerLedger == "" {
		missing = append(missing, "node.owner_ledger")
	}
	if len(c.Ledgers) == 0 {
		missing = append(missing, "ledgers")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}

	ledgers := make(map[string]bool, len(c.Ledgers))
	for _, l := range c.Ledgers {
		if l.ID == "" || l.Currency == "" {
			return fmt.Errorf("ledger %q: id and currency are required", l.ID)
		}
		if ledgers[l.ID] {
			return fmt.Errorf("ledger %q configured twice", l.ID)
		}
		ledgers[l.ID] = true
	}
	if !ledgers[c.Node.OwnerLedger] {
		return fmt.Errorf("owner ledger %q is not a configured ledger", c.Node.OwnerLedger)
	}

	peers := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.NodeID == "" || p.Prefix == "" {
			return fmt.Errorf("peer %q: node_id and prefix are required", p.NodeID)
		}
		if !ledgers[p.Ledger] {
			return fmt.Errorf("peer %q: unknown ledger %q", p.NodeID, p.Ledger)
		}
		peers[p.NodeID] = true
	}
	if len(c.Peers) > 0 && (c.NATS.URL == "" || c.Node.ID == "") {
		return errors.New("peers require nats.url and node.id")
	}

	for _, r := range c.Routes {
		switch r.Kind {
		case "peer":
			if !peers[r.Peer] {
				return fmt.Errorf("route %q: unknown peer %q", r.Prefix, r.Peer)
			}
		case "http":
			if r.URL == "" {
				return fmt.Errorf("route %q: url is required", r.Prefix)
			}
		default:
			return fmt.Errorf("route %q: unknown kind %q", r.Prefix, r.Kind)
		}
	}

	if _, err := c.MaxPacketAmount(); err != nil {
		return err
	}
	if c.Limits.MessageWindow <= 0 || c.Limits.PacketTimeout <= 0 || c.Limits.MaxHoldTime <= 0 {
		return errors.New("limits: durations must be positive")
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite, StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	for _, cl := range c.Auth.Clients {
		if cl.ID == "" || cl.SecretHash == "" || len(cl.Scopes) == 0 {
			return fmt.Errorf("auth client %q: id, secret_hash and scopes are required", cl.ID)
		}
	}

	if c.Environment == "production" || c.Environment == "staging" {
		// Balances kept only in memory are lost on restart.
		if c.Storage.Driver == StorageMemory {
			return errors.New("storage.driver must be durable in " + c.Environment)
		}
		if !c.Auth.Enabled() {
			return errors.New("auth.clients are required in " + c.Environment)
		}
	}
	return nil
}

// MaxPacketAmount parses limits.max_packet_amount.
func (c *Config) MaxPacketAmount() (*big.Int, error) {
	v, ok := new(big.Int).SetString(c.Limits.MaxPacketAmount, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("limits.max_packet_amount %q is not a positive integer", c.Limits.MaxPacketAmount)
	}
	return v, nil
}
