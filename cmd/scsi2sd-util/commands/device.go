package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the connected device and the last configuration save",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow device connects and disconnects until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var bootloaderCmd = &cobra.Command{
	Use:   "bootloader",
	Short: "Reset the device into its bootloader and wait for it",
	Args:  cobra.NoArgs,
	RunE:  runBootloader,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(bootloaderCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	st := dev.sessions.Poll()
	fmt.Println(stateLine(st))
	if _, err := dev.sessions.RequireWritable(); err != nil && errors.As(err, new(*errors.VersionTooLowError)) {
		fmt.Println("Firmware update required: " + err.Error())
	}
	warnIfInconsistent(repo)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	poller := session.NewPoller(dev.sessions, cfg.PollInterval)
	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()

	slog.Info("watch_started", "poll_interval", cfg.PollInterval, "refresh_interval", cfg.RefreshInterval)
	last := ""
	for {
		select {
		case <-ctx.Done():
			slog.Info("watch_stopped")
			return nil
		case now := <-ticker.C:
			st, polled := poller.Tick(now)
			if !polled {
				continue
			}
			if line := stateLine(st); line != last {
				fmt.Printf("%s %s\n", now.Format(time.TimeOnly), line)
				last = line
			}
		}
	}
}

func runBootloader(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	dev.sessions.Poll()
	return report(dev.sessions.AwaitBootloader(ctx, progressSink(ctx, "bootloader_search_progress")), nil)
}

func stateLine(st session.State) string {
	switch st.(type) {
	case session.NormalMode, session.BootloaderMode:
		return "SCSI2SD connected, " + st.String()
	default:
		return "No SCSI2SD device connected"
	}
}
