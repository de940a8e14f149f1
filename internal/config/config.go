// Package config defines the single configuration struct every pinwheel
// binary (master, scheduler, worker, pinwheelctl) loads at startup,
// grounded on example/cmd/assistant/main.go's flag-based wiring (the
// teacher never reaches for a flags framework like cobra) plus a JSON-file
// overlay for the fields original_source's pinball_config.py-derived
// deployments keep in a shared file rather than passing as flags.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Config is the merged configuration surface spec.md §6 enumerates.
type Config struct {
	MasterHost string `json:"master_host"`
	MasterPort int    `json:"master_port"`
	MasterName string `json:"master_name"`

	// Generation identifies this process's cohort for EXIT signal
	// comparison (spec.md §4.5): a rolling restart bumps it so the new
	// cohort ignores an EXIT aimed at the old one.
	Generation int64 `json:"generation"`

	ClientTimeoutSec            int `json:"client_timeout_sec"`
	ClientConnectAttempts       int `json:"client_connect_attempts"`
	MaxBackoffClientReconnectSec int `json:"max_backoff_client_reconnect_sec"`

	WorkerPollTimeSec int `json:"worker_poll_time_sec"`
	Workers           int `json:"workers"`

	UIHost string `json:"ui_host"`
	UIPort int    `json:"ui_port"`

	LocalLogsDir string `json:"local_logs_dir"`
	S3LogsDir    string `json:"s3_logs_dir"`

	// Parser names the registered parser.Parser implementation to use
	// (the "callable injection" design note, spec.md §9).
	Parser       string            `json:"parser"`
	ParserParams map[string]string `json:"parser_params"`

	DefaultEmail string `json:"default_email"`
	SMTPAddr     string `json:"smtp_addr"`
	SMTPFrom     string `json:"smtp_from"`

	// StoreBackend selects the persistence layer: "memory" (default, for
	// local/demo runs) or "mongo".
	StoreBackend  string `json:"store_backend"`
	MongoURI      string `json:"mongo_uri"`
	MongoDatabase string `json:"mongo_database"`

	// RedisAddr, when non-empty, fronts the chosen store with a
	// rediscache.Store accelerator for get/set_cached_data.
	RedisAddr string `json:"redis_addr"`

	RateLimitRPS   float64 `json:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst"`
}

// Default returns a Config carrying the original implementation's
// defaults.
func Default() Config {
	return Config{
		MasterHost:                   "localhost",
		MasterPort:                   9999,
		MasterName:                   "master",
		ClientTimeoutSec:             10,
		ClientConnectAttempts:        5,
		MaxBackoffClientReconnectSec: 60,
		WorkerPollTimeSec:            10,
		Workers:                      4,
		UIHost:                       "localhost",
		UIPort:                       8080,
		LocalLogsDir:                 "/var/log/pinwheel",
		SMTPAddr:                     "localhost:25",
		SMTPFrom:                     "pinwheel@localhost",
		StoreBackend:                 "memory",
		MongoDatabase:                "pinwheel",
		RateLimitRPS:                 200,
		RateLimitBurst:               400,
	}
}

// Load builds a Config from cfgFile (a JSON overlay applied over the
// defaults, skipped entirely if path is empty) followed by the flags
// registered on fs — flags always win, matching the original
// implementation's "command line overrides config file" precedence.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	var (
		cfgFileF     = fs.String("config", "", "path to a JSON configuration file")
		masterHostF  = fs.String("master-host", cfg.MasterHost, "master RPC host")
		masterPortF  = fs.Int("master-port", cfg.MasterPort, "master RPC port")
		masterNameF  = fs.String("master-name", cfg.MasterName, "master identity, used to namespace store collections")
		generationF  = fs.Int64("generation", cfg.Generation, "process generation, compared against EXIT signals")
		workersF     = fs.Int("workers", cfg.Workers, "number of worker goroutines to run")
		pollF        = fs.Int("worker-poll-time-sec", cfg.WorkerPollTimeSec, "seconds between worker loop cycles")
		uiHostF      = fs.String("ui-host", cfg.UIHost, "UI host, used in notification email links")
		uiPortF      = fs.Int("ui-port", cfg.UIPort, "UI port, used in notification email links")
		localLogsF   = fs.String("local-logs-dir", cfg.LocalLogsDir, "directory for local execution logs")
		s3LogsF      = fs.String("s3-logs-dir", cfg.S3LogsDir, "s3:// prefix for archived execution logs")
		parserF      = fs.String("parser", cfg.Parser, "registered parser.Parser implementation to use")
		parserDirF   = fs.String("parser-params", "", "comma-separated key=value parser params")
		defaultMailF = fs.String("default-email", cfg.DefaultEmail, "fallback notification recipient")
		smtpAddrF    = fs.String("smtp-addr", cfg.SMTPAddr, "SMTP relay address")
		smtpFromF    = fs.String("smtp-from", cfg.SMTPFrom, "envelope From address for notification emails")
		storeF       = fs.String("store", cfg.StoreBackend, "persistence backend: memory or mongo")
		mongoURIF    = fs.String("mongo-uri", cfg.MongoURI, "MongoDB connection URI, required when -store=mongo")
		mongoDBF     = fs.String("mongo-database", cfg.MongoDatabase, "MongoDB database name")
		redisAddrF   = fs.String("redis-addr", cfg.RedisAddr, "optional Redis address fronting the store's cached data")
		rateRPSF     = fs.Float64("rate-limit-rps", cfg.RateLimitRPS, "per-caller master RPC requests/sec budget")
		rateBurstF   = fs.Int("rate-limit-burst", cfg.RateLimitBurst, "per-caller master RPC burst capacity")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *cfgFileF != "" {
		if err := overlayFile(&cfg, *cfgFileF); err != nil {
			return Config{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "master-host":
			cfg.MasterHost = *masterHostF
		case "master-port":
			cfg.MasterPort = *masterPortF
		case "master-name":
			cfg.MasterName = *masterNameF
		case "generation":
			cfg.Generation = *generationF
		case "workers":
			cfg.Workers = *workersF
		case "worker-poll-time-sec":
			cfg.WorkerPollTimeSec = *pollF
		case "ui-host":
			cfg.UIHost = *uiHostF
		case "ui-port":
			cfg.UIPort = *uiPortF
		case "local-logs-dir":
			cfg.LocalLogsDir = *localLogsF
		case "s3-logs-dir":
			cfg.S3LogsDir = *s3LogsF
		case "parser":
			cfg.Parser = *parserF
		case "default-email":
			cfg.DefaultEmail = *defaultMailF
		case "smtp-addr":
			cfg.SMTPAddr = *smtpAddrF
		case "smtp-from":
			cfg.SMTPFrom = *smtpFromF
		case "store":
			cfg.StoreBackend = *storeF
		case "mongo-uri":
			cfg.MongoURI = *mongoURIF
		case "mongo-database":
			cfg.MongoDatabase = *mongoDBF
		case "redis-addr":
			cfg.RedisAddr = *redisAddrF
		case "rate-limit-rps":
			cfg.RateLimitRPS = *rateRPSF
		case "rate-limit-burst":
			cfg.RateLimitBurst = *rateBurstF
		}
	})

	if *parserDirF != "" {
		params, err := parseKeyValues(*parserDirF)
		if err != nil {
			return Config{}, fmt.Errorf("config: -parser-params: %w", err)
		}
		cfg.ParserParams = params
	}

	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

func parseKeyValues(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed key=value pair %q", pair)
		}
		out[k] = v
	}
	return out, nil
}
