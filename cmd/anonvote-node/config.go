package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vocdoni/anonvote/api"
	"github.com/vocdoni/anonvote/auditlog"
	"github.com/vocdoni/anonvote/db"
	"github.com/vocdoni/anonvote/identity"
	"github.com/vocdoni/anonvote/issuer"
	"github.com/vocdoni/anonvote/service"
)

const (
	defaultMode      = api.ModePO
	defaultAPIHost   = "0.0.0.0"
	defaultAPIPort   = 9090
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".anonvote" // Will be prefixed with user's home directory
	defaultDBType    = db.TypePebble
	defaultEpoch     = 1
	defaultEnvFile   = ".env"
)

// Config holds the application configuration
type Config struct {
	Mode    string
	API     APIConfig
	Log     LogConfig
	DB      DBConfig
	IA      IAConfig
	PO      POConfig
	Datadir string
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"adminToken"`
	NoLogs     bool   `mapstructure:"noLogs"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// DBConfig selects the storage backend
type DBConfig struct {
	Type string `mapstructure:"type"`
	URL  string `mapstructure:"url"`
}

// IAConfig holds the identity authority configuration
type IAConfig struct {
	Seed            string        `mapstructure:"seed"`
	Epoch           uint32        `mapstructure:"epoch"`
	RetiredNotAfter string        `mapstructure:"retiredNotAfter"`
	Revision        uint32        `mapstructure:"keysRevision"`
	SignerKey       string        `mapstructure:"signerKey"`
	Authority       string        `mapstructure:"authority"`
	MaxCredAge      time.Duration `mapstructure:"maxCredentialAge"`
	RefTTL          time.Duration `mapstructure:"refTTL"`
	SessionTTL      time.Duration `mapstructure:"sessionTTL"`
	RateLimit       uint32        `mapstructure:"rateLimit"`
	RateWindow      time.Duration `mapstructure:"rateWindow"`
	Retries         int           `mapstructure:"retries"`
	PruneEvery      time.Duration `mapstructure:"pruneInterval"`
}

// POConfig holds the poll operator configuration
type POConfig struct {
	Keys            string        `mapstructure:"keys"`
	KeysInterval    time.Duration `mapstructure:"keysInterval"`
	IASigner        string        `mapstructure:"iaSigner"`
	SignerKey       string        `mapstructure:"signerKey"`
	PublishInterval time.Duration `mapstructure:"publishInterval"`
	PublishEvery    uint64        `mapstructure:"publishEvery"`
	Retries         int           `mapstructure:"retries"`
	S3              S3Config      `mapstructure:"s3"`
}

// S3Config holds the root mirror configuration
type S3Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
}

func (c *S3Config) auditlog() *auditlog.S3Config {
	return &auditlog.S3Config{
		Enabled:   c.Enabled,
		Endpoint:  c.Endpoint,
		Region:    c.Region,
		Bucket:    c.Bucket,
		Prefix:    c.Prefix,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
	}
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading %s: %w", path, err)
	}
	return nil
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig(args []string) (*Config, error) {
	v := viper.New()
	fset := flag.NewFlagSet("anonvote-node", flag.ContinueOnError)

	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("mode", defaultMode)
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("db.type", defaultDBType)
	v.SetDefault("ia.epoch", defaultEpoch)
	v.SetDefault("ia.maxCredentialAge", 24*time.Hour)
	v.SetDefault("ia.refTTL", identity.DefaultRefTTL)
	v.SetDefault("ia.sessionTTL", issuer.DefaultConfig.SessionTTL)
	v.SetDefault("ia.rateWindow", issuer.DefaultConfig.RateWindow)
	v.SetDefault("ia.pruneInterval", service.DefaultPruneInterval)
	v.SetDefault("po.keysInterval", service.DefaultKeySyncInterval)
	v.SetDefault("po.publishInterval", auditlog.DefaultPublisherConfig.Interval)
	v.SetDefault("po.publishEvery", auditlog.DefaultPublisherConfig.Every)

	// Configure flags
	fset.StringP("env", "e", defaultEnvFile, "dotenv file with ANONVOTE_ variables, ignored if missing")
	fset.StringP("mode", "m", defaultMode, "node role: ia (identity authority) or po (poll operator)")
	fset.StringP("api.host", "a", defaultAPIHost, "API host")
	fset.IntP("api.port", "p", defaultAPIPort, "API port")
	fset.String("api.adminToken", "", "bearer token guarding the PO admin endpoints")
	fset.Bool("api.noLogs", false, "disable the request logging middleware")
	fset.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	fset.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	fset.StringP("datadir", "d", defaultDatadirPath, "data directory for database files")
	fset.String("db.type", defaultDBType, fmt.Sprintf("storage backend (%s, %s, %s, %s, %s, %s)",
		db.TypePebble, db.TypeLevelDB, db.TypeMongo, db.TypeSQLite, db.TypePostgre, db.TypeInMem))
	fset.String("db.url", "", "connection URL for the mongodb and postgres backends")
	fset.String("ia.seed", "", "hex seed the OPRF epoch keys are derived from (IA, required)")
	fset.Uint32("ia.epoch", defaultEpoch, "key epoch new tokens are issued under (IA)")
	fset.String("ia.retiredNotAfter", "", "RFC3339 time after which epochs older than ia.epoch stop verifying, empty keeps them valid (IA)")
	fset.Uint32("ia.keysRevision", 0, "key set revision, raise it whenever ia.retiredNotAfter changes (IA)")
	fset.String("ia.signerKey", "", "hex private key signing the verification key set (IA, required)")
	fset.String("ia.authority", "", "address of the trusted credential signer (IA, required)")
	fset.Duration("ia.maxCredentialAge", 24*time.Hour, "maximum age of an identity credential (IA)")
	fset.Duration("ia.refTTL", identity.DefaultRefTTL, "lifetime of an identity proof reference (IA)")
	fset.Duration("ia.sessionTTL", issuer.DefaultConfig.SessionTTL, "time allowed between the two issuance rounds (IA)")
	fset.Uint32("ia.rateLimit", 0, "tokens per identity per rate window, 0 disables the limit (IA)")
	fset.Duration("ia.rateWindow", issuer.DefaultConfig.RateWindow, "rate limit window (IA)")
	fset.Int("ia.retries", 0, "retries of a conflicting issuance commit, 0 for the default (IA)")
	fset.Duration("ia.pruneInterval", service.DefaultPruneInterval, "how often expired references and sessions are dropped (IA)")
	fset.String("po.keys", "", "file path or URL of the IA verification key set (PO)")
	fset.Duration("po.keysInterval", service.DefaultKeySyncInterval, "how often the key set is refreshed (PO)")
	fset.String("po.iaSigner", "", "address of the IA key set signer (PO, required)")
	fset.String("po.signerKey", "", "hex private key signing published roots (PO)")
	fset.Duration("po.publishInterval", auditlog.DefaultPublisherConfig.Interval, "root publication interval, 0 disables it (PO)")
	fset.Uint64("po.publishEvery", auditlog.DefaultPublisherConfig.Every, "publish a root every N votes, 0 disables it (PO)")
	fset.Int("po.retries", 0, "retries of a conflicting vote commit, 0 for the default (PO)")
	fset.Bool("po.s3.enabled", false, "mirror published roots to an S3 bucket (PO)")
	fset.String("po.s3.endpoint", "", "S3 endpoint, empty for AWS")
	fset.String("po.s3.region", "us-east-1", "S3 region")
	fset.String("po.s3.bucket", "", "S3 bucket")
	fset.String("po.s3.prefix", "anonvote", "S3 object key prefix")
	fset.String("po.s3.accessKey", "", "S3 access key")
	fset.String("po.s3.secretKey", "", "S3 secret key")

	// Configure usage information
	fset.Usage = func() {
		fmt.Fprintf(os.Stderr, "anonvote-node v%s\n\n", api.Version)
		fmt.Fprintf(os.Stderr, "Usage: anonvote-node [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fset.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  uppercased and with dots (.) replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, ANONVOTE_IA_SEED or ANONVOTE_API_PORT\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Start an identity authority\n")
		fmt.Fprintf(os.Stderr, "  anonvote-node --mode=ia --ia.seed=0x... --ia.signerKey=0x... --ia.authority=0x...\n\n")
		fmt.Fprintf(os.Stderr, "  # Start a poll operator syncing keys from the IA\n")
		fmt.Fprintf(os.Stderr, "  anonvote-node --mode=po --po.keys=https://ia.example.org/keys --po.iaSigner=0x... --api.adminToken=secret\n")
	}

	// Parse flags
	fset.SortFlags = false
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	envFile, err := fset.GetString("env")
	if err != nil {
		return nil, err
	}
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	// Configure Viper to use environment variables
	v.SetEnvPrefix("ANONVOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind flags to Viper
	if err := v.BindPFlags(fset); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	// Create config struct
	cfg := &Config{}

	// Unmarshal configuration into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

// retiredNotAfter parses the expiry of the epochs before the current one.
func (c *IAConfig) retiredNotAfter() (*time.Time, error) {
	if c.RetiredNotAfter == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, c.RetiredNotAfter)
	if err != nil {
		return nil, fmt.Errorf("invalid ia.retiredNotAfter %q: %w", c.RetiredNotAfter, err)
	}
	t = t.UTC()
	return &t, nil
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	switch cfg.Mode {
	case api.ModeIA:
		if cfg.IA.Seed == "" {
			return fmt.Errorf("IA seed is required (use --ia.seed flag or ANONVOTE_IA_SEED environment variable)")
		}
		if cfg.IA.SignerKey == "" {
			return fmt.Errorf("IA signer key is required (use --ia.signerKey flag or ANONVOTE_IA_SIGNERKEY environment variable)")
		}
		if !common.IsHexAddress(cfg.IA.Authority) {
			return fmt.Errorf("invalid credential authority address %q", cfg.IA.Authority)
		}
		if cfg.IA.Epoch == 0 {
			return fmt.Errorf("epoch 0 is reserved")
		}
		if _, err := cfg.IA.retiredNotAfter(); err != nil {
			return err
		}
	case api.ModePO:
		if !common.IsHexAddress(cfg.PO.IASigner) {
			return fmt.Errorf("invalid IA signer address %q (use --po.iaSigner flag or ANONVOTE_PO_IASIGNER environment variable)", cfg.PO.IASigner)
		}
		if cfg.PO.S3.Enabled && cfg.PO.S3.Bucket == "" {
			return fmt.Errorf("S3 mirror enabled without a bucket")
		}
	default:
		return fmt.Errorf("invalid mode %q, available modes: %s, %s", cfg.Mode, api.ModeIA, api.ModePO)
	}
	return nil
}
