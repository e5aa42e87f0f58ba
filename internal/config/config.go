package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for the wiki authentication service
type Config struct {
	// LDAP configuration
	LDAPEnabled              bool          `envconfig:"LDAP_ENABLED" default:"true"`
	LDAPServer               string        `envconfig:"LDAP_SERVER" default:"localhost"`
	LDAPPort                 int           `envconfig:"LDAP_PORT" default:"389"`
	LDAPUseTLS               bool          `envconfig:"LDAP_TLS" default:"false"`
	LDAPBaseDN               string        `envconfig:"LDAP_BASE_DN"`
	LDAPBindDN               string        `envconfig:"LDAP_BIND_DN"`
	LDAPBindPassword         string        `envconfig:"LDAP_BIND_PASSWORD"`
	LDAPUIDAttr              string        `envconfig:"LDAP_UID_ATTR" default:"cn"`
	LDAPGroupCacheExpiration time.Duration `envconfig:"LDAP_GROUPCACHE_EXPIRATION" default:"6h"`
	LDAPTryLocal             bool          `envconfig:"LDAP_TRY_LOCAL" default:"false"`
	LDAPUpdateUser           bool          `envconfig:"LDAP_UPDATE_USER" default:"false"`
	LDAPFieldsMapping        string        `envconfig:"LDAP_FIELDS_MAPPING" default:"last_name=sn,first_name=givenName,email=mail"`
	LDAPGroupMapping         string        `envconfig:"LDAP_GROUP_MAPPING"`

	// LDAP connection pool
	LDAPPoolSize        int           `envconfig:"LDAP_POOL_SIZE" default:"5"`
	LDAPPoolTimeout     time.Duration `envconfig:"LDAP_POOL_TIMEOUT" default:"10s"`
	LDAPConnTimeout     time.Duration `envconfig:"LDAP_CONN_TIMEOUT" default:"5s"`
	LDAPMaxConnLifetime time.Duration `envconfig:"LDAP_MAX_CONN_LIFETIME" default:"30m"`

	// Profiles
	MainWiki     string `envconfig:"MAIN_WIKI" default:"xwiki"`
	ProfileSpace string `envconfig:"PROFILE_SPACE" default:"XWiki"`
	StoreType    string `envconfig:"STORE_TYPE" default:"sqlite"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"data/profiles.db"`
	PostgresDSN  string `envconfig:"POSTGRES_DSN"`
	BadgerPath   string `envconfig:"BADGER_PATH" default:"data/badger"`

	// Sessions
	SessionBackend string        `envconfig:"SESSION_BACKEND" default:"memory"`
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	JWTSecret      string        `envconfig:"JWT_SECRET" required:"true"`
	JWTExpiration  time.Duration `envconfig:"JWT_EXPIRATION" default:"24h"`

	// Server configuration
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsPort int    `envconfig:"METRICS_PORT" default:"9090"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// CORS configuration
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`

	// Graceful shutdown timeout
	ShutdownTimeout int `envconfig:"SHUTDOWN_TIMEOUT" default:"30"`

	// Profile refresh controller
	SyncEnabled  bool          `envconfig:"SYNC_ENABLED" default:"false"`
	SyncInterval time.Duration `envconfig:"SYNC_INTERVAL" default:"1h"`
	DataDir      string        `envconfig:"DATA_DIR" default:"data"`

	// Optional YAML file using the xwiki.authentication.ldap.* property names
	ConfigFile string `envconfig:"CONFIG_FILE"`

	// Parsed forms of LDAPFieldsMapping and LDAPGroupMapping
	FieldsMapping map[string]string `ignored:"true"`
	GroupMapping  map[string]string `ignored:"true"`
}

// ConfigurationError reports a configuration value that cannot be used
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ErrMalformedMapping is wrapped by ConfigurationError for bad mapping strings
var ErrMalformedMapping = errors.New("malformed mapping")

const filePrefix = "xwiki.authentication.ldap."

// Process reads .env, the environment and the optional config file
func Process() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if cfg.ConfigFile != "" {
		if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Load reads configuration from environment variables
func Load() *Config {
	cfg, err := Process()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	return cfg
}

// ApplyFile overrides values with those set in a YAML config file
func (c *Config) ApplyFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return &ConfigurationError{Key: "CONFIG_FILE", Err: err}
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// viper keys are case-insensitive, so base_DN and base_dn both match
	if v.IsSet(filePrefix + "enabled") {
		c.LDAPEnabled = v.GetBool(filePrefix + "enabled")
	}
	if v.IsSet(filePrefix + "server") {
		c.LDAPServer = v.GetString(filePrefix + "server")
	}
	if v.IsSet(filePrefix + "port") {
		c.LDAPPort = v.GetInt(filePrefix + "port")
	}
	if v.IsSet(filePrefix + "ssl") {
		c.LDAPUseTLS = v.GetBool(filePrefix + "ssl")
	}
	if v.IsSet(filePrefix + "base_dn") {
		c.LDAPBaseDN = v.GetString(filePrefix + "base_dn")
	}
	if v.IsSet(filePrefix + "bind_dn") {
		c.LDAPBindDN = v.GetString(filePrefix + "bind_dn")
	}
	if v.IsSet(filePrefix + "bind_pass") {
		c.LDAPBindPassword = v.GetString(filePrefix + "bind_pass")
	}
	if v.IsSet(filePrefix + "uid_attr") {
		c.LDAPUIDAttr = v.GetString(filePrefix + "uid_attr")
	}
	if v.IsSet(filePrefix + "groupcache_expiration") {
		// seconds, as in the property file format
		c.LDAPGroupCacheExpiration = time.Duration(v.GetInt64(filePrefix+"groupcache_expiration")) * time.Second
	}
	if v.IsSet(filePrefix + "try_local") {
		c.LDAPTryLocal = v.GetBool(filePrefix + "try_local")
	}
	if v.IsSet(filePrefix + "update_user") {
		c.LDAPUpdateUser = v.GetBool(filePrefix + "update_user")
	}
	if v.IsSet(filePrefix + "fields_mapping") {
		c.LDAPFieldsMapping = v.GetString(filePrefix + "fields_mapping")
	}
	if v.IsSet(filePrefix + "group_mapping") {
		c.LDAPGroupMapping = v.GetString(filePrefix + "group_mapping")
	}

	return nil
}

// Finalize parses the mapping strings and checks cross-field constraints
func (c *Config) Finalize() error {
	fields, err := ParseFieldsMapping(c.LDAPFieldsMapping)
	if err != nil {
		return &ConfigurationError{Key: "LDAP_FIELDS_MAPPING", Err: err}
	}
	c.FieldsMapping = fields

	groups, err := ParseGroupMapping(c.LDAPGroupMapping)
	if err != nil {
		return &ConfigurationError{Key: "LDAP_GROUP_MAPPING", Err: err}
	}
	c.GroupMapping = groups

	if c.LDAPEnabled && c.LDAPBaseDN == "" {
		return &ConfigurationError{Key: "LDAP_BASE_DN", Err: errors.New("required when LDAP is enabled")}
	}
	if c.LDAPUIDAttr == "" {
		return &ConfigurationError{Key: "LDAP_UID_ATTR", Err: errors.New("must not be empty")}
	}
	if c.LDAPPoolSize <= 0 {
		return &ConfigurationError{Key: "LDAP_POOL_SIZE", Err: errors.New("must be positive")}
	}

	return nil
}

// ParseFieldsMapping parses "profileField=ldapAttribute,..." into a map
func ParseFieldsMapping(s string) (map[string]string, error) {
	mapping := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return mapping, nil
	}

	for _, pair := range strings.Split(s, ",") {
		field, attr, ok := strings.Cut(pair, "=")
		field = strings.TrimSpace(field)
		attr = strings.TrimSpace(attr)
		if !ok || field == "" || attr == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedMapping, pair)
		}
		mapping[field] = attr
	}

	return mapping, nil
}

// ParseGroupMapping parses "LocalGroup=groupDN|..." into a map keyed by local group.
// Group DNs contain '=' and ',' so only the first '=' separates the pair.
func ParseGroupMapping(s string) (map[string]string, error) {
	mapping := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return mapping, nil
	}

	for _, pair := range strings.Split(s, "|") {
		group, dn, ok := strings.Cut(pair, "=")
		group = strings.TrimSpace(group)
		dn = strings.TrimSpace(dn)
		if !ok || group == "" || dn == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedMapping, pair)
		}
		mapping[group] = dn
	}

	return mapping, nil
}

// LDAPURL returns the directory URL built from server, port and TLS flag
func (c *Config) LDAPURL() string {
	scheme := "ldap"
	if c.LDAPUseTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.LDAPServer, c.LDAPPort)
}

// UsesDirectBind reports whether users bind with the bind DN template instead of a search
func (c *Config) UsesDirectBind() bool {
	return strings.Contains(c.LDAPBindDN, "{0}")
}

// UserFullName returns the profile document name for a page
func (c *Config) UserFullName(page string) string {
	return c.ProfileSpace + "." + page
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
