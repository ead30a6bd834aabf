// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bs3rbd is the maintenance tool for images served by the bs3rbd client. It
// uses the same configuration as the client library, so every command sees
// the image exactly as qemu does.
//
// Project structure is following:
//
// - rbd is the public client package: images, completions and the
// asynchronous I/O API.
//
// - internal/backend selects and builds the backend of an image from the
// configuration.
//
// - internal/port turns a synchronous engine into the asynchronous backend
// used by images.
//
// - internal/blockdev presents a BuseReadWriter as a byte addressed engine.
//
// - internal/bs3 contains the log-structured engine over an object store. See
// the package descriptions in the source code for more details.
//
// - internal/null contains the engine which does nothing but correctly. It
// can be used for benchmarking the completion path alone.
//
// - internal/virt hands images to libvirt guests.
//
// - internal/config contains configuration package which is common for all of
// them.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/bs3rbd/internal/config"
	"github.com/asch/bs3rbd/rbd"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bs3rbd",
	Short: "Maintenance tool for bs3rbd images",
	Long: `bs3rbd inspects, fills, benchmarks and garbage collects images served by
the bs3rbd client and attaches them to libvirt guests.

Configuration is read from the file given by -c and from BS3RBD_*
environment variables, which take precedence.`,
	Version:       version(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Configure(configPath); err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

		if config.Cfg.Profiler {
			runProfiler(config.Cfg.ProfilerPort)
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "configuration file")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(domxmlCmd)
	rootCmd.AddCommand(attachCmd)
}

// Runs the selected command until it finishes or until SIGINT or SIGTERM
// cancels it.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registerSigHandlers(cancel)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Send()
		os.Exit(1)
	}
}

func version() string {
	major, minor, extra := rbd.Version()
	return fmt.Sprintf("librbd %d.%d.%d compatible", major, minor, extra)
}

// Register handler for graceful stop when SIGINT or SIGTERM came in. Commands
// finish the requests in flight and close their images.
func registerSigHandlers(cancel context.CancelFunc) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping!")
		cancel()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
