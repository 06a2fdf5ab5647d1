package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "scsi2sd-util",
	Short: "SCSI2SD configuration and firmware utility",
	Long: `Talks to a SCSI2SD board over USB HID: shows its status, loads and saves the
target configuration, and updates the firmware through the bootloader.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.PersistentFlags().String("journal-path", ".artifacts/journal.db", "Operation journal SQLite path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("work-dir", "/tmp/scsi2sd-util", "Working directory for extracted images")
	rootCmd.PersistentFlags().String("s3-bucket", "scsi2sd-firmware", "Firmware release bucket")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "Firmware release bucket region")
	rootCmd.PersistentFlags().String("s3-prefix", "releases/", "Firmware release key prefix")
	rootCmd.PersistentFlags().Duration("hid-timeout", 2*time.Second, "USB HID report timeout")
	rootCmd.PersistentFlags().Bool("self-test", false, "Run the SCSI self test when a device is detected")
	rootCmd.PersistentFlags().Int("targets", 4, "Number of SCSI targets on the device")
	rootCmd.PersistentFlags().String("bootloader-key", "", "Bootloader security key, 12 hex digits")
	rootCmd.PersistentFlags().String("firmware-pattern", "*.cyacd", "Archive entry name pattern accepted as firmware")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("log-json", rootCmd.PersistentFlags().Lookup("log-json"))
	viper.BindPFlag("journal-path", rootCmd.PersistentFlags().Lookup("journal-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("s3-prefix", rootCmd.PersistentFlags().Lookup("s3-prefix"))
	viper.BindPFlag("hid-timeout", rootCmd.PersistentFlags().Lookup("hid-timeout"))
	viper.BindPFlag("self-test", rootCmd.PersistentFlags().Lookup("self-test"))
	viper.BindPFlag("targets", rootCmd.PersistentFlags().Lookup("targets"))
	viper.BindPFlag("bootloader-key", rootCmd.PersistentFlags().Lookup("bootloader-key"))
	viper.BindPFlag("firmware-pattern", rootCmd.PersistentFlags().Lookup("firmware-pattern"))
}

func setupLogging(cmd *cobra.Command, args []string) error {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if viper.GetBool("verbose") {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if viper.GetBool("log-json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
