// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/bs3rbd/internal/backend"
	"github.com/asch/bs3rbd/internal/config"
	"github.com/asch/bs3rbd/internal/virt"
)

var (
	gcThreshold float64
	configEnv   bool

	diskTarget   string
	diskReadOnly bool
	persistent   bool
)

var gcCmd = &cobra.Command{
	Use:   "gc <image>",
	Short: "Garbage collect objects of an image",
	Long: `Rewrite the live data of objects under the live data threshold into new
objects and empty all dead objects. The image must not be open elsewhere.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := backend.NewEngine(cmd.Context(), config.Cfg, args[0])
		if err != nil {
			return err
		}

		engine.BusePreRun()
		defer engine.BusePostRemove()

		threshold := config.Cfg.GC.LiveData
		if cmd.Flags().Changed("threshold") {
			threshold = gcThreshold
		}

		written, err := engine.CollectThreshold(threshold)
		if err != nil {
			return fmt.Errorf("threshold gc: %w", err)
		}

		emptied := engine.CollectDead()

		log.Info().Int("written", written).Int("emptied", emptied).Str("image", args[0]).Msg("GC finished.")

		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging the file, the environment and the
defaults, in the format accepted by -c. With --env list the environment
variables instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configEnv {
			desc, err := config.Describe()
			if err != nil {
				return err
			}
			fmt.Println(desc)
			return nil
		}

		return config.Cfg.Dump(os.Stdout)
	},
}

var domxmlCmd = &cobra.Command{
	Use:   "domxml <image>",
	Short: "Print libvirt disk XML of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		xml, err := virt.DiskXML(disk(args[0]))
		if err != nil {
			return err
		}

		fmt.Println(xml)
		return nil
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <domain> <image>",
	Short: "Attach an image to a running libvirt domain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		xml, err := virt.DiskXML(disk(args[1]))
		if err != nil {
			return err
		}

		if err := virt.Attach(config.Cfg.Libvirt.Socket, args[0], xml, persistent); err != nil {
			return err
		}

		log.Info().Str("domain", args[0]).Str("image", args[1]).Msg("Disk attached.")
		return nil
	},
}

func init() {
	gcCmd.Flags().Float64Var(&gcThreshold, "threshold", 0, "live data ratio threshold, gc.live_data when not set")
	configCmd.Flags().BoolVar(&configEnv, "env", false, "list environment variables")

	for _, cmd := range []*cobra.Command{domxmlCmd, attachCmd} {
		cmd.Flags().StringVar(&diskTarget, "target", virt.DefaultTarget, "guest device name")
		cmd.Flags().BoolVar(&diskReadOnly, "read-only", false, "attach read-only")
	}
	attachCmd.Flags().BoolVar(&persistent, "persistent", false, "also add the disk to the domain definition")
}

func disk(image string) virt.Disk {
	return virt.Disk{
		Image:    image,
		Monitor:  config.Cfg.Libvirt.Monitor,
		Target:   diskTarget,
		ReadOnly: diskReadOnly,
	}
}
