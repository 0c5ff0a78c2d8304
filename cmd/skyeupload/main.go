package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/anacrolix/missinggo/v2/filecache"
	tstorage "github.com/anacrolix/torrent/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/jkaberg/skyeupload/config"
	"github.com/jkaberg/skyeupload/fetch"
	apphttp "github.com/jkaberg/skyeupload/http"
	"github.com/jkaberg/skyeupload/ingest"
	"github.com/jkaberg/skyeupload/library"
	dlog "github.com/jkaberg/skyeupload/log"
	"github.com/jkaberg/skyeupload/metadata"
	"github.com/jkaberg/skyeupload/metrics"
	"github.com/jkaberg/skyeupload/server"
	"github.com/jkaberg/skyeupload/storage"
	"github.com/jkaberg/skyeupload/store"
	"github.com/jkaberg/skyeupload/stream"
	"github.com/jkaberg/skyeupload/torrent"
	"github.com/jkaberg/skyeupload/torrent/loader"
)

const (
	configFlag = "config"
	portFlag   = "http-port"

	dropScanInterval = 5 * time.Second
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "skyeupload",
		Usage:   "Self-hosted media library: upload, fetch and stream movies and shows.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Value:   "./skyeupload-data/config/config.yaml",
				EnvVars: []string{"SKYEUPLOAD_CONFIG"},
				Usage:   "YAML file containing skyeupload configuration.",
			},
			&cli.IntFlag{
				Name:    portFlag,
				Value:   3000,
				EnvVars: []string{"SKYEUPLOAD_HTTP_PORT"},
				Usage:   "HTTP port for the API.",
			},
		},

		Action: func(c *cli.Context) error {
			port := 0
			if c.IsSet(portFlag) {
				port = c.Int(portFlag)
			}
			err := load(c.Context, c.String(configFlag), port)

			// stop program execution on errors to avoid flashing consoles
			if err != nil && runtime.GOOS == "windows" {
				log.Error().Err(err).Msg("problem starting application")
				fmt.Print("Press 'Enter' to continue...")
				bufio.NewReader(os.Stdin).ReadBytes('\n')
			}

			return err
		},

		HideHelpCommand: true,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("problem starting application")
	}
}

func load(ctx context.Context, configPath string, port int) error {
	ch := config.NewHandler(configPath)

	conf, err := ch.Get()
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	if port != 0 {
		conf.HTTPGlobal.Port = port
	}

	dlog.Load(conf.Log)
	metrics.Register(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	js := store.NewJSONFile(conf.Library.Path)
	doc, err := js.Load()
	if err != nil {
		return fmt.Errorf("error loading library: %w", err)
	}
	lib := library.New(doc, js)
	movies, shows := lib.Counts()
	log.Info().Str("path", js.Path()).Int("movies", movies).Int("shows", shows).Msg("library loaded")

	reg, err := storage.NewRegistryFromConfig(conf.Storage, conf.Library.UploadDir)
	if err != nil {
		return fmt.Errorf("error configuring storage: %w", err)
	}

	cat := ingest.NewCataloger(lib, metadata.NewClientFromConfig(conf.Metadata))

	if err := os.MkdirAll(conf.Torrent.MetadataFolder, 0744); err != nil {
		return fmt.Errorf("error creating metadata folder: %w", err)
	}

	cf := filepath.Join(conf.Torrent.MetadataFolder, "cache")
	fc, err := filecache.NewCache(cf)
	if err != nil {
		return fmt.Errorf("error creating cache: %w", err)
	}

	st := tstorage.NewResourcePieces(fc.AsResourceProvider())

	// cache is not working with windows
	if runtime.GOOS == "windows" {
		st = tstorage.NewFile(cf)
	}

	log.Info().Msg(fmt.Sprintf("setting cache size to %d MB", conf.Torrent.GlobalCacheSize))
	fc.SetCapacity(conf.Torrent.GlobalCacheSize * 1024 * 1024)

	id, err := torrent.GetOrCreatePeerID(filepath.Join(conf.Torrent.MetadataFolder, "ID"))
	if err != nil {
		return fmt.Errorf("error creating node ID: %w", err)
	}

	c, err := torrent.NewClient(st, conf.Torrent, id)
	if err != nil {
		return fmt.Errorf("error starting torrent client: %w", err)
	}
	defer c.Close()

	idx, err := loader.NewDB(filepath.Join(conf.Torrent.MetadataFolder, "torrentdb"))
	if err != nil {
		return fmt.Errorf("error starting torrent database: %w", err)
	}
	defer idx.Close()

	engine := torrent.NewEngine(c, idx, cat, torrent.OptionsFromConfig(conf.Torrent))
	engine.Start()
	defer engine.Close()

	go func() {
		if err := engine.Restore(); err != nil {
			log.Error().Err(err).Msg("error restoring torrents")
		}
	}()

	if conf.Torrent.WatchFolder != "" {
		dw, err := torrent.NewDropWatcher(engine, conf.Torrent.WatchFolder, filepath.Join(conf.Torrent.MetadataFolder, "torrents"), dropScanInterval)
		if err != nil {
			return fmt.Errorf("error creating drop folder watcher: %w", err)
		}
		if err := dw.Start(); err != nil {
			return fmt.Errorf("error starting drop folder watcher: %w", err)
		}
		defer func() {
			if err := dw.Close(); err != nil {
				log.Warn().Err(err).Msg("problem closing drop folder watcher")
			}
		}()
	}

	usage := storage.NewUsageMonitor(reg, lib, time.Duration(conf.Storage.UsageRefreshMinutes)*time.Minute)
	go usage.Run(ctx)

	fetcher := fetch.New(ctx, reg.Local(), cat, conf.Fetch)
	defer fetcher.Wait()

	svc := ingest.NewService(lib, reg, cat, engine, fetcher, usage)
	streamer := stream.New(reg, engine, time.Duration(conf.Storage.SignedURLExpiryMinutes)*time.Minute)

	err = server.StartServers(ctx, conf.HTTPGlobal, &apphttp.Deps{
		Library:  lib,
		Ingest:   svc,
		Streamer: streamer,
		Torrents: engine,
		Cache:    fc,
		Version:  version,
		Started:  time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("error initializing HTTP server")
		return err
	}

	log.Info().Msg("shutting down")
	return nil
}
