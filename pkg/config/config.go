package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/driftsky/pdsmover/pkg/migrate"
)

// Config is the full service configuration, loaded from a YAML file and
// PDSMOVER_-prefixed environment variables. Environment wins.
type Config struct {
	// MasterKey is the 64-hex-character AES-256 key that seals credentials
	// at rest. Required; there is no generated fallback.
	MasterKey string `mapstructure:"master_key"`

	ListenAddr string `mapstructure:"listen_addr"`
	DataDir    string `mapstructure:"data_dir"`

	// PublicURL is the externally reachable base URL, used in verification
	// emails and backup download links.
	PublicURL string `mapstructure:"public_url"`

	// DeploymentMode: standalone deployments take the target host from each
	// request; bound deployments pin every migration to target_pds_host.
	DeploymentMode string `mapstructure:"deployment_mode"` // standalone | bound
	TargetPDSHost  string `mapstructure:"target_pds_host"`

	// InviteCodeMode: required | optional | hidden.
	InviteCodeMode string `mapstructure:"invite_code_mode"`

	DirectoryHost string `mapstructure:"directory_host"`

	MaxConcurrentMigrations int  `mapstructure:"max_concurrent_migrations"`
	WorkerCount             int  `mapstructure:"worker_count"`
	ConvertLegacyBlobs      bool `mapstructure:"convert_legacy_blobs"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUsername string `mapstructure:"smtp_username"`
	SMTPPassword string `mapstructure:"smtp_password"`
	SMTPFrom     string `mapstructure:"smtp_from"`
	AdminEmail   string `mapstructure:"admin_email"`
}

// Load reads the configuration from the given file (optional) and the
// environment, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("PDSMOVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so AutomaticEnv can bind them during
	// Unmarshal.
	v.SetDefault("master_key", "")
	v.SetDefault("target_pds_host", "")
	v.SetDefault("smtp_host", "")
	v.SetDefault("smtp_username", "")
	v.SetDefault("smtp_password", "")
	v.SetDefault("smtp_from", "")
	v.SetDefault("admin_email", "")

	v.SetDefault("listen_addr", ":8470")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("public_url", "http://localhost:8470")
	v.SetDefault("deployment_mode", migrate.ModeStandalone)
	v.SetDefault("invite_code_mode", migrate.InviteOptional)
	v.SetDefault("directory_host", "https://plc.directory")
	v.SetDefault("max_concurrent_migrations", 15)
	v.SetDefault("worker_count", 4)
	v.SetDefault("convert_legacy_blobs", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
	v.SetDefault("smtp_port", 587)
}

// Validate checks the invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("master_key is required (64 hex characters)")
	}
	if len(c.MasterKey) != 64 {
		return fmt.Errorf("master_key must be 64 hex characters, got %d", len(c.MasterKey))
	}

	switch c.DeploymentMode {
	case migrate.ModeStandalone:
	case migrate.ModeBound:
		if c.TargetPDSHost == "" {
			return fmt.Errorf("target_pds_host is required in bound deployment mode")
		}
	default:
		return fmt.Errorf("deployment_mode must be standalone or bound, got %q", c.DeploymentMode)
	}

	switch c.InviteCodeMode {
	case migrate.InviteRequired, migrate.InviteOptional, migrate.InviteHidden:
	default:
		return fmt.Errorf("invite_code_mode must be required, optional, or hidden, got %q", c.InviteCodeMode)
	}

	if c.MaxConcurrentMigrations <= 0 {
		return fmt.Errorf("max_concurrent_migrations must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive")
	}
	return nil
}

// SMTPConfigured reports whether outbound mail can be sent.
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}

// Template is a commented starter configuration, written by `config init`.
const Template = `# pdsmover configuration.
# Every key can be overridden with a PDSMOVER_-prefixed environment
# variable, e.g. PDSMOVER_MASTER_KEY.

# 64 hex characters (32 bytes). Generate with: openssl rand -hex 32
master_key: ""

listen_addr: ":8470"
data_dir: "./data"
public_url: "http://localhost:8470"

# standalone: the target PDS comes from each migration request.
# bound: every migration goes to target_pds_host.
deployment_mode: "standalone"
# target_pds_host: "https://pds.example.com"

# required | optional | hidden
invite_code_mode: "optional"

directory_host: "https://plc.directory"

max_concurrent_migrations: 15
worker_count: 4
convert_legacy_blobs: false

log_level: "info"
log_json: true

# Leave smtp_host empty to log emails instead of sending them.
smtp_host: ""
smtp_port: 587
smtp_username: ""
smtp_password: ""
smtp_from: ""
admin_email: ""
`
