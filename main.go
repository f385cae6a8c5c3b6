package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swarm/config"
	"swarm/metainfo"
	"swarm/progress"
	"swarm/torrent"
	"swarm/tracker"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	app := &cli.App{
		Name:      "swarm",
		Usage:     "download and seed the content described by one or more metainfo files",
		ArgsUsage: "file.torrent [file.torrent ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "download-dir", Aliases: []string{"d"}, Usage: "root directory for downloaded content"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "listen port for the first torrent"},
			&cli.IntFlag{Name: "max-downloads", Usage: "downloader workers per torrent"},
			&cli.IntFlag{Name: "max-uploads", Usage: "concurrent inbound peers per torrent"},
			&cli.IntFlag{Name: "announce-interval", Usage: "re-announce period in minutes"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("client failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("no metainfo files given", 2)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if v := c.String("download-dir"); v != "" {
		cfg.DownloadDirectory = v
	}
	if v := c.Int("port"); v != 0 {
		cfg.BaseListenPort = v
	}
	if v := c.Int("max-downloads"); v != 0 {
		cfg.MaxConcurrentDownloads = v
	}
	if v := c.Int("max-uploads"); v != 0 {
		cfg.MaxConcurrentUploads = v
	}
	if v := c.Int("announce-interval"); v != 0 {
		cfg.AnnounceIntervalMinutes = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := zap.L()
	registry := tracker.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// one session per metainfo; a failing torrent never takes down the rest
	group, gctx := errgroup.WithContext(ctx)
	for i, path := range c.Args().Slice() {
		meta, err := metainfo.Load(path)
		if err != nil {
			logger.Error("cannot load metainfo", zap.String("path", path), zap.Error(err))
			continue
		}

		console := progress.NewConsole()
		session := torrent.New(torrent.Config{
			Meta:             meta,
			DownloadDir:      cfg.DownloadDirectory,
			ListenPort:       cfg.BaseListenPort + i,
			MaxDownloads:     cfg.MaxConcurrentDownloads,
			MaxUploads:       cfg.MaxConcurrentUploads,
			AnnounceInterval: time.Duration(cfg.AnnounceIntervalMinutes) * time.Minute,
			Registry:         registry,
			Download:         console,
			Seeding:          console,
			Logger:           logger.With(zap.String("torrent", meta.Name)),
		})

		name := meta.Name
		group.Go(func() error {
			if err := session.Run(gctx); err != nil {
				logger.Error("torrent failed", zap.String("torrent", name), zap.Error(err))
			}
			// errors stay local to the torrent
			return nil
		})
	}

	return group.Wait()
}
