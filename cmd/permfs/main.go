// Package main provides the entry point for the permfs daemon. It
// mounts a source directory at a mount point and overlays emulated
// ownership and permissions on top of it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/permfs/permfs/internal/config"
	"github.com/permfs/permfs/internal/fs"
	"github.com/permfs/permfs/internal/logging"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"Usage: %s [flags] SRC_FOLDER MOUNT_POINT\n\n"+
			"Mounts SRC_FOLDER at MOUNT_POINT with emulated ownership and permissions.\n"+
			"chmod/chown on the mount update the overlay only; the real files keep\n"+
			"their permissions. Overrides persist in %s under SRC_FOLDER.\n\nFlags:\n",
		os.Args[0], fs.SidecarName)
	flag.PrintDefaults()
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file (YAML)")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
		logFormat  = flag.String("log-format", "", "Log format: text, json (overrides config)")
		allowOther = flag.Bool("allow-other", false, "Allow other users to access the mount (overrides config)")
		debug      = flag.Bool("debug", false, "Enable FUSE protocol tracing (overrides config)")
	)
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *allowOther {
		cfg.Mount.AllowOther = true
	}
	if *debug {
		cfg.Mount.Debug = true
	}

	if err := logging.Init(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync()

	args := flag.Args()
	if len(args) != 2 {
		usage()
		os.Exit(1)
	}

	pfs, err := fs.NewPermFS(&fs.PermFSConfig{
		SourceDir:   args[0],
		MountPoint:  args[1],
		FSName:      cfg.Mount.FSName,
		AllowOther:  cfg.Mount.AllowOther,
		Debug:       cfg.Mount.Debug,
		AttrTimeout: cfg.Mount.GetAttrTimeout(),
	})
	if err != nil {
		logging.Fatal("SRC_FOLDER and MOUNT_POINT must be existing directories",
			logging.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info("Received signal, unmounting...", logging.String("signal", sig.String()))
		cancel()
	}()

	if err := pfs.Mount(ctx); err != nil {
		logging.Fatal("Filesystem failed", logging.Err(err))
	}
}
