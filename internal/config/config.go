package config

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scsi2sd/scsi2sd-util/pkg/flashgrid"
	"github.com/scsi2sd/scsi2sd-util/pkg/scsicfg"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	JournalPath string `mapstructure:"journal-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Working directory
	WorkDir string `mapstructure:"work-dir"`

	// Firmware release bucket
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`
	S3Prefix string `mapstructure:"s3-prefix"`

	// USB identities
	NormalVID     uint16        `mapstructure:"normal-vid"`
	NormalPID     uint16        `mapstructure:"normal-pid"`
	BootloaderVID uint16        `mapstructure:"bootloader-vid"`
	BootloaderPID uint16        `mapstructure:"bootloader-pid"`
	HIDTimeout    time.Duration `mapstructure:"hid-timeout"`

	// Session
	MinFirmwareVersion       uint16        `mapstructure:"min-firmware-version"`
	PollInterval             time.Duration `mapstructure:"poll-interval"`
	RefreshInterval          time.Duration `mapstructure:"refresh-interval"`
	BootloaderSearchInterval time.Duration `mapstructure:"bootloader-search-interval"`
	SelfTest                 bool          `mapstructure:"self-test"`

	// Configuration flash layout
	ConfigArray    int `mapstructure:"config-array"`
	ConfigFirstRow int `mapstructure:"config-first-row"`
	ConfigRows     int `mapstructure:"config-rows"`
	ConfigRowSize  int `mapstructure:"config-row-size"`
	Targets        int `mapstructure:"targets"`

	// Firmware
	BootloaderKey   string `mapstructure:"bootloader-key"`
	FirmwarePattern string `mapstructure:"firmware-pattern"`

	// Security limits
	MaxImageSize        int64   `mapstructure:"max-image-size"`
	MaxArchiveSize      int64   `mapstructure:"max-archive-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("journal-path", ".artifacts/journal.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("work-dir", "/tmp/scsi2sd-util")
	viper.SetDefault("s3-bucket", "scsi2sd-firmware")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-prefix", "releases/")
	viper.SetDefault("normal-vid", 0x04B4)
	viper.SetDefault("normal-pid", 0x1337)
	viper.SetDefault("bootloader-vid", 0x04B4)
	viper.SetDefault("bootloader-pid", 0xB71D)
	viper.SetDefault("hid-timeout", "2s")
	viper.SetDefault("min-firmware-version", 0x0400)
	viper.SetDefault("poll-interval", "1s")
	viper.SetDefault("refresh-interval", "100ms")
	viper.SetDefault("bootloader-search-interval", "100ms")
	viper.SetDefault("self-test", false)
	viper.SetDefault("config-array", int(flashgrid.Default.Array))
	viper.SetDefault("config-first-row", int(flashgrid.Default.FirstRow))
	viper.SetDefault("config-rows", flashgrid.Default.RowsPerSlot)
	viper.SetDefault("config-row-size", flashgrid.Default.RowSize)
	viper.SetDefault("targets", 4)
	viper.SetDefault("bootloader-key", "")
	viper.SetDefault("firmware-pattern", "*.cyacd")
	viper.SetDefault("max-image-size", 4*1024*1024)
	viper.SetDefault("max-archive-size", 64*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)

	// Environment variables (will be SCSI2SD_JOURNAL_PATH, etc.)
	viper.SetEnvPrefix("SCSI2SD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.scsi2sd")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Grid is the configuration flash layout.
func (c *Config) Grid() flashgrid.Grid {
	return flashgrid.Grid{
		Array:       byte(c.ConfigArray),
		FirstRow:    uint16(c.ConfigFirstRow),
		RowsPerSlot: c.ConfigRows,
		RowSize:     c.ConfigRowSize,
	}
}

// Key decodes the bootloader security key. An empty key is nil.
func (c *Config) Key() ([]byte, error) {
	if c.BootloaderKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimPrefix(c.BootloaderKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("bootloader-key: %w", err)
	}
	if len(key) != 6 {
		return nil, fmt.Errorf("bootloader-key must be 6 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.JournalPath == "" {
		return fmt.Errorf("journal-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket cannot be empty")
	}
	if c.NormalVID == c.BootloaderVID && c.NormalPID == c.BootloaderPID {
		return fmt.Errorf("normal and bootloader USB ids must differ")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh-interval must be positive")
	}
	if c.BootloaderSearchInterval <= 0 {
		return fmt.Errorf("bootloader-search-interval must be positive")
	}
	if c.HIDTimeout <= 0 {
		return fmt.Errorf("hid-timeout must be positive")
	}
	if c.ConfigArray < 0 || c.ConfigArray > 0xFF {
		return fmt.Errorf("config-array must fit in a byte")
	}
	if c.ConfigFirstRow < 0 || c.ConfigFirstRow > 0xFFFF {
		return fmt.Errorf("config-first-row must fit in 16 bits")
	}
	if c.ConfigRows <= 0 || c.ConfigRowSize <= 0 {
		return fmt.Errorf("config-rows and config-row-size must be positive")
	}
	if c.ConfigRows*c.ConfigRowSize < scsicfg.RecordSize {
		return fmt.Errorf("config-rows * config-row-size must hold a %d byte record", scsicfg.RecordSize)
	}
	if c.Targets <= 0 {
		return fmt.Errorf("targets must be positive")
	}
	if err := c.Grid().Validate(c.Targets); err != nil {
		return err
	}
	if _, err := path.Match(c.FirmwarePattern, ""); err != nil {
		return fmt.Errorf("firmware-pattern: %w", err)
	}
	if _, err := c.Key(); err != nil {
		return err
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("max-image-size must be positive")
	}
	if c.MaxArchiveSize <= 0 {
		return fmt.Errorf("max-archive-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	return nil
}
