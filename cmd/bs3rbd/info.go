// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/asch/bs3rbd/internal/config"
	"github.com/asch/bs3rbd/rbd"
)

var (
	outputFormat string
	createSize   uint64
)

// Image metadata as printed by info.
type imageReport struct {
	Name            string `yaml:"name" json:"name"`
	Backend         string `yaml:"backend" json:"backend"`
	Size            uint64 `yaml:"size" json:"size"`
	ObjectSize      uint64 `yaml:"object_size" json:"object_size"`
	Objects         uint64 `yaml:"objects" json:"objects"`
	Order           int    `yaml:"order" json:"order"`
	BlockNamePrefix string `yaml:"block_name_prefix" json:"block_name_prefix"`
}

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Show image metadata",
	Long: `Open the image and print what rbd_stat reports for it.

Output formats:
  -o yaml   YAML document (default)
  -o json   JSON document`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := rbd.Open(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		info, err := img.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", args[0], err)
		}

		return writeReport(os.Stdout, outputFormat, imageReport{
			Name:            img.Name(),
			Backend:         config.Cfg.Backend,
			Size:            info.Size,
			ObjectSize:      info.ObjSize,
			Objects:         info.NumObjs,
			Order:           info.Order,
			BlockNamePrefix: info.BlockNamePrefix,
		})
	},
}

var createCmd = &cobra.Command{
	Use:   "create <image>",
	Short: "Create an image",
	Long: `Create an image. Backends allocate space on the first write and take the
size from the configuration, so this only reports the object order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := rbd.Create(args[0], createSize)
		if err != nil {
			return err
		}

		fmt.Printf("created %s, order %d\n", args[0], order)
		return nil
	},
}

func init() {
	infoCmd.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "output format (yaml, json)")
	createCmd.Flags().Uint64Var(&createSize, "size", 0, "requested size in bytes")
}

func writeReport(w io.Writer, format string, r imageReport) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()

	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)

	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
