package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	BotToken        string
	AdminTelegramID int64
	DatabaseURL     string

	// VDSina VM provisioning
	VDSinaEmail      string
	VDSinaPassword   string
	VDSinaDatacenter int
	VDSinaPlan       int
	VDSinaTemplate   int

	// Fleet tuning
	ServerCapacity     int           // max keys per server
	PreprovisionMargin int           // rebalancer starts a server when every one is within this margin of capacity
	ExpiryGraceDays    int           // days past expiration before a key is deleted
	ExpiringSoonDays   int           // window for "expiring soon" notices
	TrialPeriodDays    int
	DefaultDataLimit   int64 // bytes granted to a fresh key

	VMPollInterval time.Duration
	VMPollTimeout  time.Duration
	RemoteTimeout  time.Duration // per-call timeout for provider/provisioner requests

	SSHUser string
}

func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}

	cfg := &AppConfig{
		BotToken:           os.Getenv("BOT_TOKEN"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		VDSinaEmail:        os.Getenv("VDSINA_EMAIL"),
		VDSinaPassword:     os.Getenv("VDSINA_PASSWORD"),
		VDSinaDatacenter:   envInt("VDSINA_DATACENTER_ID", 1),
		VDSinaPlan:         envInt("VDSINA_PLAN_ID", 1),
		VDSinaTemplate:     envInt("VDSINA_TEMPLATE_ID", 31),
		ServerCapacity:     envInt("SERVER_CAPACITY", 160),
		PreprovisionMargin: envInt("PREPROVISION_MARGIN", 1),
		ExpiryGraceDays:    envInt("EXPIRY_GRACE_DAYS", 1),
		ExpiringSoonDays:   envInt("EXPIRING_SOON_DAYS", 4),
		TrialPeriodDays:    envInt("TRIAL_PERIOD_DAYS", 2),
		DefaultDataLimit:   envInt64("DEFAULT_DATA_LIMIT_GB", 200) * 1024 * 1024 * 1024,
		VMPollInterval:     envDuration("VM_POLL_INTERVAL", 5*time.Second),
		VMPollTimeout:      envDuration("VM_POLL_TIMEOUT", 300*time.Second),
		RemoteTimeout:      envDuration("REMOTE_CALL_TIMEOUT", 30*time.Second),
		SSHUser:            envString("SSH_USER", "root"),
	}

	adminID, err := strconv.ParseInt(os.Getenv("ADMIN_TELEGRAM_ID"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is missing or not a number: %w", err)
	}
	cfg.AdminTelegramID = adminID

	if cfg.BotToken == "" || cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("critical environment variables are missing: BOT_TOKEN, DATABASE_URL")
	}
	if cfg.VDSinaEmail == "" || cfg.VDSinaPassword == "" {
		return nil, fmt.Errorf("critical environment variables are missing: VDSINA_EMAIL, VDSINA_PASSWORD")
	}
	if cfg.ServerCapacity <= 0 {
		return nil, fmt.Errorf("SERVER_CAPACITY must be positive, got %d", cfg.ServerCapacity)
	}

	return cfg, nil
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", name, v, def)
		return def
	}
	return n
}

func envInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", name, v, def)
		return def
	}
	return n
}

func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s=%q, using default %s", name, v, def)
		return def
	}
	return d
}
