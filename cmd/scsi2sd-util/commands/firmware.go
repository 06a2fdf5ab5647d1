package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/scsi2sd/scsi2sd-util/pkg/db"
	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/firmware"
	appfsm "github.com/scsi2sd/scsi2sd-util/pkg/fsm"
	"github.com/scsi2sd/scsi2sd-util/pkg/progress"
	"github.com/scsi2sd/scsi2sd-util/pkg/storage"
	"github.com/scsi2sd/scsi2sd-util/pkg/transport/usbhid"
)

var (
	updateS3Key string
	fetchOutDir string
)

var firmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Firmware update and release commands",
}

var updateCmd = &cobra.Command{
	Use:   "update [archive]",
	Short: "Program firmware from a release archive through the bootloader",
	Long: `Resets the device into its bootloader, picks the firmware image in the archive
that the bootloader accepts and programs it row by row. With --s3-key the archive
is downloaded from the release bucket first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUpdate,
}

var locateCmd = &cobra.Command{
	Use:   "locate <archive>",
	Short: "Show which archive entry would be programmed",
	Args:  cobra.ExactArgs(1),
	RunE:  runLocate,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <key>",
	Short: "Download a firmware release archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List firmware release archives in the bucket",
	Args:  cobra.NoArgs,
	RunE:  runReleases,
}

func init() {
	rootCmd.AddCommand(firmwareCmd)
	firmwareCmd.AddCommand(updateCmd, locateCmd, fetchCmd, releasesCmd)

	updateCmd.Flags().StringVar(&updateS3Key, "s3-key", "", "Release key to download instead of a local archive")
	fetchCmd.Flags().StringVar(&fetchOutDir, "out", ".", "Directory to download into")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (updateS3Key == "") {
		return fmt.Errorf("give either an archive path or --s3-key")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.JournalPath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	repo, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	var releases appfsm.Downloader
	if updateS3Key != "" {
		s3Client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix)
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
		if err := requireRelease(ctx, s3Client, updateS3Key); err != nil {
			return err
		}
		releases = s3Client
	}

	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()
	dev.sessions.Poll()

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	locator := firmware.NewLocator(newValidator(cfg), cfg.WorkDir)
	machine := appfsm.NewMachine(repo, releases, dev.sessions, locator, progressSink(ctx, "firmware_update_progress"), cfg.WorkDir)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &appfsm.UpdateRequest{S3Key: updateS3Key}
	if len(args) == 1 {
		req.ArchivePath = args[0]
	}

	op := &db.Operation{Kind: db.KindFirmwareUpdate, Source: req.Source()}
	if err := repo.Create(op); err != nil {
		return errors.Wrap(err, "journal create failed")
	}
	req.OperationID = op.ID

	version, err := start(ctx, op.ID, fsm.NewRequest(req, &appfsm.UpdateResponse{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm started", "version", version, "operation_id", op.ID)

	// Programming is not interruptible, so the wait does not follow Ctrl-C.
	if err := manager.Wait(context.Background(), version); err != nil {
		slog.Debug("fsm_wait_returned", "error", err)
	}

	done, err := repo.Get(op.ID)
	if err != nil || done == nil {
		return errors.Wrap(err, "firmware update outcome unknown")
	}
	slog.Info("firmware update finished", "status", done.Status, "entry", done.Detail, "rows", done.RowsDone)
	return report(operationResult(done), nil)
}

// releaseChecker is the part of the release client used before an update.
type releaseChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// requireRelease fails before the device is touched when key is not in the
// bucket.
func requireRelease(ctx context.Context, c releaseChecker, key string) error {
	ok, err := c.Exists(ctx, key)
	if err != nil {
		return errors.Wrap(err, "release lookup failed")
	}
	if !ok {
		return fmt.Errorf("release %s not found", key)
	}
	return nil
}

// operationResult turns a journaled operation back into its result.
func operationResult(op *db.Operation) progress.Result {
	switch op.Status {
	case db.StatusSucceeded:
		return progress.Succeeded(op.RowsDone, op.RowsTotal, "Firmware update successful")
	case db.StatusCancelled:
		return progress.Cancelled(op.RowsDone, op.RowsTotal, "Firmware update cancelled")
	case db.StatusFailed:
		return progress.Failed(op.RowsDone, op.RowsTotal, errors.New(op.ErrorMessage))
	default:
		return progress.Failed(op.RowsDone, op.RowsTotal, fmt.Errorf("firmware update still %s", op.Status))
	}
}

// patternMatcher accepts entries by name alone, for use without a device.
type patternMatcher string

func (p patternMatcher) IsCorrectFirmware(entryName string) bool {
	return usbhid.MatchFirmware(string(p), entryName)
}

func runLocate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	if err := ensureDirectories(cfg.JournalPath, "", cfg.WorkDir); err != nil {
		return err
	}

	locator := firmware.NewLocator(newValidator(cfg), cfg.WorkDir)
	img, res, err := locator.Locate(ctx, args[0], patternMatcher(cfg.FirmwarePattern), progressSink(ctx, "firmware_locate_progress"))
	if err != nil || img == nil {
		return report(res, err)
	}
	defer img.Remove()

	fmt.Printf("%s: %d rows\n", img.EntryName, img.TotalRows)
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	s3Client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	localPath := filepath.Join(fetchOutDir, filepath.Base(args[0]))
	result, err := s3Client.Download(ctx, args[0], localPath)
	if err != nil {
		return errors.Wrap(err, "download failed")
	}

	fmt.Printf("%s %d bytes sha256 %s\n", result.LocalPath, result.Size, result.SHA256)
	return nil
}

func runReleases(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	s3Client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	releases, err := s3Client.Releases(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(releases) == 0 {
		fmt.Println("No releases found")
		return nil
	}

	fmt.Printf("%-30s %-12s %-20s %s\n", "NAME", "SIZE", "MODIFIED", "KEY")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, r := range releases {
		fmt.Printf("%-30s %-12d %-20s %s\n", r.Name(), r.Size, r.LastModified.Format(time.DateTime), r.Key)
	}
	return nil
}
