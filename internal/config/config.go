package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kuuji/syneroym/internal/identity"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfigDir is the system-wide config directory for the fabric node.
const DefaultConfigDir = "/etc/syneroym"

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// Config is the top-level configuration for a fabric node.
// It is persisted as a TOML file at DefaultConfigPath().
type Config struct {
	Node    NodeConfig    `toml:"node"`
	STUN    STUNConfig    `toml:"stun"`
	TURN    TURNConfig    `toml:"turn"`
	Proxy   ProxyConfig   `toml:"proxy"`
	Gateway GatewayConfig `toml:"gateway"`
}

// NodeConfig identifies this node and where its peer-endpoint transport
// binds (component C/F's QUIC transport, spec §4.C/§4.F).
type NodeConfig struct {
	// Name is a human-readable label for this node (e.g. "home-server").
	Name string `toml:"name"`

	// PrivateKey is the node's X25519 identity key. Its PeerID is derived
	// from the corresponding public key (internal/identity.DerivePeerID).
	PrivateKey identity.Key `toml:"private_key"`

	// BindAddr is the UDP address the peer-endpoint transport listens on,
	// e.g. "0.0.0.0:4433".
	BindAddr string `toml:"bind_addr"`

	// CatalogPath points at the TOML file describing this node's locally
	// reachable services (internal/catalog). Empty means this node accepts
	// no inbound tunnel sessions (component F is not started).
	CatalogPath string `toml:"catalog_path,omitempty"`
}

// STUNConfig lists the STUN servers used for ICE NAT traversal when the
// WebRTC fallback transport (component G) is in use.
type STUNConfig struct {
	Servers []string `toml:"servers"`
}

// TURNConfig configures the optional TURN relay fallback for WebRTC ICE
// gathering. Secret is the shared REST-API secret (internal/turn) used to
// derive time-limited username/password pairs; it lives in secrets.toml.
type TURNConfig struct {
	Servers []string `toml:"servers,omitempty"`
	Secret  string   `toml:"secret,omitempty"`
}

// ProxyConfig configures the optional TCP→peer proxy role (component D).
// Target is a target peer's PeerID; TargetAddrs are multiaddr reachability
// hints for dialing it directly over QUIC.
type ProxyConfig struct {
	Enabled     bool     `toml:"enabled"`
	ListenAddr  string   `toml:"listen_addr,omitempty"`
	Target      string   `toml:"target,omitempty"`
	TargetAddrs []string `toml:"target_addrs,omitempty"`
}

// GatewayConfig configures the optional web gateway role (component E).
type GatewayConfig struct {
	Enabled      bool     `toml:"enabled"`
	ListenAddr   string   `toml:"listen_addr,omitempty"`
	Target       string   `toml:"target,omitempty"`
	TargetAddrs  []string `toml:"target_addrs,omitempty"`
	SignalingURL string   `toml:"signaling_url,omitempty"`
	ForceRelay   bool     `toml:"force_relay,omitempty"`
}

// configFile is the TOML representation for config.toml (world-readable, no secrets).
type configFile struct {
	Node    nodeConfigFile `toml:"node"`
	STUN    STUNConfig     `toml:"stun"`
	TURN    turnConfigFile `toml:"turn"`
	Proxy   ProxyConfig    `toml:"proxy"`
	Gateway GatewayConfig  `toml:"gateway"`
}

type nodeConfigFile struct {
	Name        string `toml:"name"`
	BindAddr    string `toml:"bind_addr"`
	CatalogPath string `toml:"catalog_path,omitempty"`
}

type turnConfigFile struct {
	Servers []string `toml:"servers,omitempty"`
}

// secretsFile is the TOML representation for secrets.toml (0660, root + invoking user).
type secretsFile struct {
	Node nodeSecretsFile `toml:"node"`
	TURN turnSecretsFile `toml:"turn"`
}

type nodeSecretsFile struct {
	PrivateKey identity.Key `toml:"private_key"`
}

type turnSecretsFile struct {
	Secret string `toml:"secret,omitempty"`
}

// toConfigFile extracts the non-secret fields from a Config for config.toml.
func toConfigFile(cfg *Config) *configFile {
	return &configFile{
		Node: nodeConfigFile{
			Name:        cfg.Node.Name,
			BindAddr:    cfg.Node.BindAddr,
			CatalogPath: cfg.Node.CatalogPath,
		},
		STUN:    cfg.STUN,
		TURN:    turnConfigFile{Servers: cfg.TURN.Servers},
		Proxy:   cfg.Proxy,
		Gateway: cfg.Gateway,
	}
}

// toSecretsFile extracts the secret fields from a Config for secrets.toml.
func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{
		Node: nodeSecretsFile{PrivateKey: cfg.Node.PrivateKey},
		TURN: turnSecretsFile{Secret: cfg.TURN.Secret},
	}
}

// mergeSecrets overlays secret fields from a secretsFile onto a Config.
func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Node.PrivateKey = s.Node.PrivateKey
	cfg.TURN.Secret = s.TURN.Secret
}

// DefaultConfig returns a Config populated with sensible defaults.
// Node-specific fields (name, private key, bind address) are left empty
// and must be filled in by the user or by `syneroym init`.
func DefaultConfig() *Config {
	return &Config{
		STUN: STUNConfig{
			Servers: append([]string(nil), DefaultSTUNServers...),
		},
	}
}

// DefaultConfigPath returns the default path for the node config file.
func DefaultConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir, "config.toml"), nil
}

// DefaultSecretsPath returns the default path for the node secrets file.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml path.
// It replaces the filename, keeping secrets.toml alongside config.toml.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LegacyConfigPath returns the old user-level config path
// (~/.config/syneroym/config.toml). Used for migration detection when
// upgrading from a user-level install to a system-wide one.
func LegacyConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "syneroym", "config.toml"), nil
}

// LegacyConfigPathForUser returns the old user-level config path for a
// specific user's home directory. Used for migration detection during setup.
func LegacyConfigPathForUser(homeDir string) string {
	return filepath.Join(homeDir, ".config", "syneroym", "config.toml")
}

// LoadConfig reads config.toml and secrets.toml from the config directory,
// merging them into a single Config. If config.toml does not exist, it
// returns an error wrapping fs.ErrNotExist. If secrets.toml does not exist,
// the secret fields are left at their zero values.
//
// For commands that explicitly do not need secrets (and should work without
// root), use LoadPublicConfig instead.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
		// secrets.toml missing — leave secret fields at zero values.
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml (the world-readable, non-secret
// portion of the configuration). Use this for commands that do not need
// secrets and should work without root.
func LoadPublicConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path. Parent directories are created with mode 0755 if they
// don't exist.
//
// When running via sudo, both files are chowned to root:<invoking-user-gid>
// so the invoking user can read and write them without sudo:
//   - config.toml:  0664 (world-readable, group-writable — no secrets)
//   - secrets.toml: 0660 (group-readable + group-writable — contains secrets)
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
	}

	if err := writeFile(path, 0664, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// SaveSecrets writes only the secrets.toml file for the given config path.
// Use this when only secret fields have changed and re-writing config.toml
// is unnecessary.
func SaveSecrets(configPath string, cfg *Config) error {
	secretsPath := SecretsPathFromConfig(configPath)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)
	return nil
}

// applyUserOwnership sets group ownership on a config file so the user who
// ran sudo can read and write it without elevation. This is a best-effort
// operation — errors are silently ignored because the file is already
// written successfully and root can always access it.
func applyUserOwnership(path string) {
	if os.Getuid() != 0 {
		return
	}

	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}

	_ = os.Chown(path, 0, gid)
}

// writeFile encodes v as TOML and writes it to path with the given file mode.
// If the file already exists with different permissions (e.g. during
// migration from the old monolithic format), the permissions are corrected.
func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}

	return nil
}

// PeerID derives this node's PeerID from its configured private key.
// Returns an error if the private key is not set.
func (c *Config) PeerID() (identity.PeerID, error) {
	if c.Node.PrivateKey.IsZero() {
		return "", errors.New("node private key is not set")
	}
	pub := identity.PublicKey(c.Node.PrivateKey)
	return identity.DerivePeerID(pub), nil
}

// ParseTOML decodes a TOML config from a string.
func ParseTOML(s string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(s, cfg); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// MarshalTOML encodes a Config to a TOML string.
func MarshalTOML(cfg *Config) (string, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("encoding TOML config: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// FixPermissions ensures the config directory and files have the correct
// permissions for the split config model. This should be called from
// commands that run as root (init, run) to fix permissions from older
// versions.
func FixPermissions(configPath string) error {
	dir := filepath.Dir(configPath)

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		if err := os.Chmod(dir, 0755); err != nil {
			return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		_ = os.Chmod(configPath, 0664)
		applyUserOwnership(configPath)
	}
	secretsPath := SecretsPathFromConfig(configPath)
	if _, err := os.Stat(secretsPath); err == nil {
		_ = os.Chmod(secretsPath, 0660)
		applyUserOwnership(secretsPath)
	}

	return nil
}

// MigrateConfigSplit checks whether the config directory still uses the old
// monolithic format (secrets embedded in config.toml, no secrets.toml) and
// migrates to the split format by re-writing both files. If secrets.toml
// already exists, this is a no-op.
func MigrateConfigSplit(configPath string) error {
	secretsPath := SecretsPathFromConfig(configPath)

	if _, err := os.Stat(secretsPath); err == nil {
		return nil
	}

	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil // No config at all — nothing to migrate.
		}
		return fmt.Errorf("reading config for migration: %w", err)
	}
	applyDefaults(cfg)

	if cfg.Node.PrivateKey.IsZero() && cfg.TURN.Secret == "" {
		return nil
	}

	return SaveConfig(configPath, cfg)
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
}
