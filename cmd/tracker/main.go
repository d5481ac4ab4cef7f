package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sharehaven/tracker/cheat"
	cheatpg "github.com/sharehaven/tracker/cheat/postgres"
	"github.com/sharehaven/tracker/credential"
	credentialpg "github.com/sharehaven/tracker/credential/postgres"
	httpfrontend "github.com/sharehaven/tracker/frontend/http"
	"github.com/sharehaven/tracker/pkg/log"
	"github.com/sharehaven/tracker/pkg/metrics"
	"github.com/sharehaven/tracker/pkg/postgres"
	"github.com/sharehaven/tracker/pkg/redisconn"
	"github.com/sharehaven/tracker/pkg/stop"
	"github.com/sharehaven/tracker/refresher"
	refresherredis "github.com/sharehaven/tracker/refresher/redis"
	"github.com/sharehaven/tracker/site"
	sitepg "github.com/sharehaven/tracker/site/postgres"
	siteredis "github.com/sharehaven/tracker/site/redis"
	"github.com/sharehaven/tracker/storage"
	"github.com/sharehaven/tracker/tracker"

	// Register the storage drivers.
	_ "github.com/sharehaven/tracker/storage/memory"
)

// Run represents the state of a running instance of the tracker.
type Run struct {
	configFilePath string
	peerStore      storage.PeerStore

	// frontends stop first so that no announce runs against a stopping
	// component.
	frontends *stop.Group
	workers   *stop.Group

	db    *sql.DB
	redis *redisconn.Backend
}

// NewRun runs an instance of the tracker.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{configFilePath: configFilePath}
	return r, r.Start(nil)
}

// Start begins an instance of the tracker. If ps is not nil, it is used
// instead of a new peer store so that swarms survive a reload.
func (r *Run) Start(ps storage.PeerStore) error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.Tracker
	log.Info("loaded config", cfg)

	r.frontends = stop.NewGroup()
	r.workers = stop.NewGroup()

	if cfg.MetricsAddr != "" {
		log.Info("starting metrics server", log.Fields{"addr": cfg.MetricsAddr})
		r.workers.Add(metrics.NewServer(cfg.MetricsAddr))
	}

	if ps == nil {
		log.Info("starting storage", log.Fields{"name": cfg.Storage.Name})
		ps, err = storage.NewPeerStore(cfg.Storage.Name, cfg.Storage.Config)
		if err != nil {
			return errors.Wrap(err, "failed to create storage")
		}
	}
	r.peerStore = ps

	var (
		credStore credential.Store    = credential.NewMemoryStore()
		users     site.Users          = site.NewMemoryUsers()
		torrents  site.Torrents       = site.NewMemoryTorrents()
		sink      cheat.Sink          = cheat.NewMemorySink()
		hook      site.CompletionHook = &site.CompletionRecorder{}
		cache     refresher.Cache     = refresher.NewMemoryCache()
		locker    credential.Locker
	)

	if cfg.Postgres.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		r.db, err = postgres.Open(ctx, cfg.Postgres)
		cancel()
		if err != nil {
			return errors.Wrap(err, "failed to connect to postgres")
		}
		credStore = credentialpg.NewStore(r.db)
		users = sitepg.NewUsers(r.db)
		torrents = sitepg.NewTorrents(r.db)
		sink = cheatpg.NewSink(r.db)
	} else {
		log.Warn("no postgres configured, users and torrents are kept in memory")
	}

	if cfg.Redis.Enabled() {
		r.redis, err = redisconn.New(cfg.Redis)
		if err != nil {
			return errors.Wrap(err, "failed to configure redis")
		}
		locker = r.redis
		cache = refresherredis.New(r.redis.Pool, "")

		publisher := siteredis.NewPublisher(r.redis.Pool, cfg.Completions.Key, cfg.Completions.QueueSize)
		r.workers.Add(publisher)
		hook = publisher
	}

	creds := credential.NewService(credStore, cfg.Credentials)
	creds.RunCleanup(locker)
	r.workers.Add(creds)

	cheatCfg := cfg.Cheat.Validate()
	recorder := cheat.NewRecorder(sink, users, creds, cheatCfg)
	r.workers.Add(recorder)

	logic := tracker.NewLogic(cfg.Config, tracker.Dependencies{
		Credentials: creds,
		Users:       users,
		Torrents:    torrents,
		Settings:    cfg.Freeleech,
		Peers:       ps,
		Detector:    cheat.NewDetector(cheatCfg),
		Locations:   cheat.NewLocations(cheatCfg.LocationWindow),
		Findings:    recorder,
		Completions: hook,
	})
	r.workers.Add(logic)

	r.workers.Add(refresher.New(cfg.Refresher, ps, cache, locker))

	log.Info("starting HTTP frontend", cfg.HTTPConfig)
	fe := httpfrontend.NewFrontend(logic, cfg.HTTPConfig)
	fe.ListenAndServe()
	r.frontends.Add(fe)

	return nil
}

func combineErrors(prefix string, errs []error) error {
	errStrs := make([]string, 0, len(errs))
	for _, err := range errs {
		errStrs = append(errStrs, err.Error())
	}

	return errors.New(prefix + ": " + strings.Join(errStrs, "; "))
}

// Stop shuts down an instance of the tracker. When keepPeerStore is true the
// peer store is left running and returned.
func (r *Run) Stop(keepPeerStore bool) (storage.PeerStore, error) {
	log.Debug("stopping frontends")
	if errs := r.frontends.Stop().Wait(); len(errs) != 0 {
		return nil, combineErrors("failed while shutting down frontends", errs)
	}

	log.Debug("stopping workers")
	if errs := r.workers.Stop().Wait(); len(errs) != 0 {
		return nil, combineErrors("failed while shutting down workers", errs)
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			return nil, errors.Wrap(err, "failed to close postgres")
		}
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			return nil, errors.Wrap(err, "failed to close redis pool")
		}
	}

	if !keepPeerStore {
		log.Debug("stopping peer store")
		if errs := r.peerStore.Stop().Wait(); len(errs) != 0 {
			return nil, combineErrors("failed while shutting down peer store", errs)
		}
		r.peerStore = nil
	}

	return r.peerStore, nil
}

// RootRunCmdFunc implements a Cobra command that runs an instance of the
// tracker and handles reloading and shutdown via process signals.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		return err
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	reload := makeReloadChan()

	for {
		select {
		case <-reload:
			log.Info("reloading; received reload signal")
			peerStore, err := r.Stop(true)
			if err != nil {
				return err
			}

			if err := r.Start(peerStore); err != nil {
				return err
			}
		case <-shutdown:
			log.Info("shutting down; received shutdown signal")
			if _, err := r.Stop(false); err != nil {
				return err
			}

			return nil
		}
	}
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	log.SetJSON(jsonLog)

	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	if debugLog {
		log.SetDebug(true)
		log.Info("enabled debug logging")
	}

	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:               "tracker",
		Short:             "Private BitTorrent tracker",
		Long:              "An announce and accounting engine for a private BitTorrent tracker",
		PersistentPreRunE: RootPreRunCmdFunc,
		RunE:              RootRunCmdFunc,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")

	rootCmd.Flags().String("config", "/etc/tracker.yaml", "location of configuration file")

	e2eCmd := &cobra.Command{
		Use:   "e2e",
		Short: "exec e2e tests",
		Long:  "Execute the end-to-end test suite against a running tracker",
		RunE:  EndToEndRunCmdFunc,
	}

	e2eCmd.Flags().String("httpaddr", "", "announce URL of the HTTP tracker, including a valid credential")
	e2eCmd.Flags().String("infohash", "", "hex infohash of a torrent registered on the site")
	e2eCmd.Flags().Duration("delay", time.Second, "delay between announces")

	rootCmd.AddCommand(e2eCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command", log.Err(err))
	}
}
