package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scsi2sd/scsi2sd-util/pkg/db"
	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
	"github.com/scsi2sd/scsi2sd-util/pkg/persist"
	"github.com/scsi2sd/scsi2sd-util/pkg/progress"
	"github.com/scsi2sd/scsi2sd-util/pkg/scsicfg"
)

var configOut string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write the SCSI target configuration",
}

var configLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Read the target configuration from the device",
	Args:  cobra.NoArgs,
	RunE:  runConfigLoad,
}

var configSaveCmd = &cobra.Command{
	Use:   "save <file.yaml>",
	Short: "Write a target configuration file to the device and reboot it",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigSave,
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the default target configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigDefaults,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configLoadCmd, configSaveCmd, configDefaultsCmd)

	configLoadCmd.Flags().StringVar(&configOut, "out", "", "Write the configuration to this YAML file")
	configDefaultsCmd.Flags().StringVar(&configOut, "out", "", "Write the configuration to this YAML file")
}

func runConfigLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

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
	dev.sessions.Poll()

	store, err := persist.NewStore(dev.sessions, cfg.Grid())
	if err != nil {
		return errors.Wrap(err, "config invalid")
	}

	record := journal(repo, db.KindConfigLoad, "device")
	targets, res, err := store.Load(ctx, scsicfg.Defaults(cfg.Targets), progressSink(ctx, "config_load_progress"))
	record(res)
	if err != nil {
		return report(res, err)
	}

	if res.Status == progress.StatusSucceeded || res.Completed > 0 {
		if err := writeTargets(targets); err != nil {
			return err
		}
	}
	return report(res, nil)
}

func runConfigSave(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	targets, err := scsicfg.ReadFile(args[0], cfg.Targets)
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
	dev.sessions.Poll()

	store, err := persist.NewStore(dev.sessions, cfg.Grid())
	if err != nil {
		return errors.Wrap(err, "config invalid")
	}

	record := journal(repo, db.KindConfigSave, args[0])
	res, err := store.Save(ctx, targets, progressSink(ctx, "config_save_progress"))
	record(res)
	if res.Inconsistent {
		warnIfInconsistent(repo)
	}
	return report(res, err)
}

func runConfigDefaults(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return writeTargets(scsicfg.Defaults(cfg.Targets))
}

// writeTargets exports to --out, or prints the YAML when no file is given.
func writeTargets(targets []scsicfg.TargetConfig) error {
	if configOut != "" {
		if err := scsicfg.WriteFile(configOut, targets); err != nil {
			return err
		}
		fmt.Printf("Wrote %d targets to %s\n", len(targets), configOut)
		return nil
	}
	data, err := yaml.Marshal(scsicfg.File{Targets: targets})
	if err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}
	fmt.Print(string(data))
	return nil
}
