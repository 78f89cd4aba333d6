// Package config loads and validates the FLCS coordinator's startup
// configuration: viper reads config.json with environment-variable
// overrides for the log level and secrets (spec.md §6, SPEC_FULL.md
// §10.3), and Validate enforces spec.md §8 plus the extra startup
// checks of SPEC_FULL.md §12.3.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/flcs/coordinator/src/flerrors"
)

// Config is the full FLCS coordinator configuration, shaped after the
// keys spec.md §6 names.
type Config struct {
	FederatedLearning struct {
		TrainingRounds      int `mapstructure:"training_rounds"`
		ClientsPerRound     int `mapstructure:"clients_per_round"`
		MinClientsForRound  int `mapstructure:"min_clients_for_round"`
		RoundTimeoutSeconds int `mapstructure:"round_timeout_seconds"`
	} `mapstructure:"federated_learning"`

	Privacy struct {
		HE struct {
			Active bool `mapstructure:"active"`
		} `mapstructure:"he"`
		DP struct {
			Epsilon float64 `mapstructure:"epsilon"`
			Delta   float64 `mapstructure:"delta"`
		} `mapstructure:"dp"`
		SSS struct {
			Threshold   int `mapstructure:"threshold"`
			TotalShares int `mapstructure:"total_shares"`
		} `mapstructure:"sss"`
	} `mapstructure:"privacy"`

	HeartbeatTimeoutSeconds   int `mapstructure:"heartbeat_timeout_seconds"`
	StatusCheckIntervalSeconds int `mapstructure:"status_check_interval_seconds"`

	ADRM struct {
		BlockDurationMinutes      int     `mapstructure:"block_duration_minutes"`
		PromotionThreshold        float64 `mapstructure:"promotion_threshold"`
		ChallengerBatchSize       int     `mapstructure:"challenger_batch_size"`
		CrossClientThreshold      float64 `mapstructure:"cross_client_threshold"`
		ReputationPenaltyForBlock int     `mapstructure:"reputation_penalty_for_block"`
		LowSeverityPenalty        int     `mapstructure:"low_severity_penalty"`
	} `mapstructure:"adrm"`

	Admin struct {
		PasswordHash string `mapstructure:"password_hash"`
		ListenAddr   string `mapstructure:"listen_addr"`
	} `mapstructure:"admin"`

	Transport struct {
		EnrollListenAddr  string `mapstructure:"enroll_listen_addr"`
		ControlListenAddr string `mapstructure:"control_listen_addr"`
		RegistrationToken string `mapstructure:"registration_token"`
		CACertPath        string `mapstructure:"ca_cert_path"`
		CAKeyPath         string `mapstructure:"ca_key_path"`
		ServerCertPath    string `mapstructure:"server_cert_path"`
		ServerKeyPath     string `mapstructure:"server_key_path"`
	} `mapstructure:"transport"`

	Storage struct {
		DatabaseDir  string `mapstructure:"database_dir"`
		SavedModelDir string `mapstructure:"saved_model_dir"`
		S3Bucket     string `mapstructure:"s3_bucket"`
		S3Prefix     string `mapstructure:"s3_prefix"`
	} `mapstructure:"storage"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`
	JWTSecret   string `mapstructure:"jwt_secret"`
}

// DefaultConfig returns the FLCS coordinator's defaults, overridden by
// whatever config.json and the environment supply.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.FederatedLearning.TrainingRounds = 0 // 0 = unbounded
	cfg.FederatedLearning.ClientsPerRound = 10
	cfg.FederatedLearning.MinClientsForRound = 5
	cfg.FederatedLearning.RoundTimeoutSeconds = 300
	cfg.HeartbeatTimeoutSeconds = 90
	cfg.StatusCheckIntervalSeconds = 5
	cfg.ADRM.BlockDurationMinutes = 60
	cfg.ADRM.PromotionThreshold = 1.1
	cfg.ADRM.ChallengerBatchSize = 32
	cfg.ADRM.CrossClientThreshold = 3.5
	cfg.ADRM.ReputationPenaltyForBlock = 40
	cfg.ADRM.LowSeverityPenalty = 25
	cfg.Storage.DatabaseDir = "database"
	cfg.Storage.SavedModelDir = "saved_models"
	cfg.Transport.EnrollListenAddr = ":8443"
	cfg.Transport.ControlListenAddr = ":8444"
	cfg.Admin.ListenAddr = "127.0.0.1:8445"
	cfg.LogLevel = "info"
	return cfg
}

// Load reads config.json from the working directory (or the path in
// FLCS_CONFIG_FILE) and applies the environment overrides named in
// spec.md §6: FLCS_LOG_LEVEL, FLCS_REGISTRATION_TOKEN, FLCS_JWT_SECRET,
// FLCS_S3_BUCKET, FLCS_REDIS_ADDR, plus FLCS_ADMIN_PASSWORD_HASH for the
// operator credential SPEC_FULL.md §12.2 adds.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("json")
	if path := os.Getenv("FLCS_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, flerrors.Wrap(flerrors.KindFatalStartup, "read config.json", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, flerrors.Wrap(flerrors.KindFatalStartup, "unmarshal config", err)
	}

	if lvl := os.Getenv("FLCS_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if tok := os.Getenv("FLCS_REGISTRATION_TOKEN"); tok != "" {
		cfg.Transport.RegistrationToken = tok
	}
	if secret := os.Getenv("FLCS_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if bucket := os.Getenv("FLCS_S3_BUCKET"); bucket != "" {
		cfg.Storage.S3Bucket = bucket
	}
	if addr := os.Getenv("FLCS_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if hash := os.Getenv("FLCS_ADMIN_PASSWORD_HASH"); hash != "" {
		cfg.Admin.PasswordHash = hash
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces spec.md §8's "clients_per_round = 0 or
// min_clients_for_round = 0 is rejected" plus the additional checks of
// SPEC_FULL.md §12.3. Every failure is FatalStartup.
func Validate(cfg *Config) error {
	fl := cfg.FederatedLearning
	if fl.ClientsPerRound == 0 {
		return flerrors.New(flerrors.KindFatalStartup, "federated_learning.clients_per_round must be nonzero")
	}
	if fl.MinClientsForRound == 0 {
		return flerrors.New(flerrors.KindFatalStartup, "federated_learning.min_clients_for_round must be nonzero")
	}
	if fl.MinClientsForRound > fl.ClientsPerRound {
		return flerrors.New(flerrors.KindFatalStartup, "federated_learning.min_clients_for_round must not exceed clients_per_round")
	}
	if fl.RoundTimeoutSeconds <= 0 {
		return flerrors.New(flerrors.KindFatalStartup, "federated_learning.round_timeout_seconds must be positive")
	}
	if cfg.HeartbeatTimeoutSeconds <= cfg.StatusCheckIntervalSeconds {
		return flerrors.New(flerrors.KindFatalStartup, "heartbeat_timeout_seconds must exceed status_check_interval_seconds, or the sweep can never observe a timeout")
	}
	sss := cfg.Privacy.SSS
	if sss.TotalShares > 0 && sss.Threshold > sss.TotalShares {
		return flerrors.New(flerrors.KindFatalStartup, fmt.Sprintf("privacy.sss.threshold (%d) exceeds total_shares (%d)", sss.Threshold, sss.TotalShares))
	}
	return nil
}
