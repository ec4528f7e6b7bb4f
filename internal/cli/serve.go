package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/unibox/internal/aggregate"
	"github.com/soyeahso/unibox/internal/cache"
	"github.com/soyeahso/unibox/internal/config"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/fanout"
	"github.com/soyeahso/unibox/internal/gateway"
	"github.com/soyeahso/unibox/internal/link"
	"github.com/soyeahso/unibox/internal/listener"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/media"
	"github.com/soyeahso/unibox/internal/provider"
	"github.com/soyeahso/unibox/internal/provider/telegram"
	"github.com/soyeahso/unibox/internal/provider/whatsapp"
	"github.com/soyeahso/unibox/internal/retry"
	"github.com/soyeahso/unibox/internal/session"
	"github.com/soyeahso/unibox/internal/store"
)

const linkTimeout = 5 * time.Minute

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect linked accounts and start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if !gateway.ResolveAuth(cfg.Gateway.Auth).Configured() {
				if cfg.Gateway.Auth.Mode == "password" {
					return fmt.Errorf("gateway.auth.password is required in password mode")
				}
				token, err := writeGatewayToken()
				if err != nil {
					return fmt.Errorf("generating gateway token: %w", err)
				}
				cfg.Gateway.Auth.Token = token
				log.Info().Str("config", paths.Config).Msg("generated gateway token, see `unibox config token`")
			}

			logger, logCloser, err := logging.NewWithOptions(logging.Options{
				Level: cfg.Logging.Level,
				Style: cfg.Logging.ConsoleStyle,
				File:  cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
			defer logCloser.Close()
			log = logger

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, paths.WithMediaRoot(cfg.Media.Root))
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")

	return cmd
}

// serve builds every component, runs until ctx ends, then tears them down
// in reverse order.
func serve(ctx context.Context, cfg config.Config, p config.Paths) error {
	if err := p.EnsureDirs(); err != nil {
		return fmt.Errorf("creating data directories: %w", err)
	}

	db, err := store.Open(p.Database(), log)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	// Events. Deferred first so it closes after every producer below.
	hub := fanout.NewHub(log)
	defer hub.Close()
	if cfg.Events.AMQP != nil {
		sink, err := fanout.NewAMQPSink(cfg.Events.AMQP, log)
		if err != nil {
			return fmt.Errorf("connecting amqp sink: %w", err)
		}
		hub.AddSink(sink)
	}
	if cfg.Events.Kafka != nil {
		sink, err := fanout.NewKafkaSink(cfg.Events.Kafka, log)
		if err != nil {
			return fmt.Errorf("connecting kafka sink: %w", err)
		}
		hub.AddSink(sink)
	}

	// Media
	files, err := media.NewStore(p.Media)
	if err != nil {
		return err
	}
	index := media.NewIndex(db, log)
	if err := index.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("media index warm-up failed, assets will be indexed on demand")
	}
	var mirror media.Mirror
	if cfg.Storage.S3 != nil {
		s3, err := media.NewS3Mirror(cfg.Storage.S3, log)
		if err != nil {
			return fmt.Errorf("configuring s3 mirror: %w", err)
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("preparing s3 bucket: %w", err)
		}
		mirror = s3
	}
	pipeline := media.NewPipeline(files, index, media.Options{
		Workers:      cfg.Media.Workers,
		FetchTimeout: cfg.Media.FetchTimeout,
		Mirror:       mirror,
	}, log)
	defer pipeline.Close()
	transcoder, err := media.NewTranscoder(media.FFmpeg{Path: cfg.Media.FFmpegPath}, filepath.Join(p.Data, "transcode"), cfg.Media.VoiceBitrate, log)
	if err != nil {
		return err
	}
	defer transcoder.Close()

	// Chat snapshots survive rate limits; redis lets them survive restarts.
	var snapshots cache.SnapshotStore = cache.NewMemorySnapshots()
	if cfg.Cache.Snapshots == "redis" {
		rs, err := cache.NewRedisSnapshots(ctx, cfg.Cache.RedisURL, cfg.Cache.SnapshotTTL)
		if err != nil {
			return fmt.Errorf("connecting snapshot store: %w", err)
		}
		snapshots = rs
	}
	defer snapshots.Close()

	listeners := listener.NewRegistry(0, log)
	defer listeners.StopAll()

	accounts, err := session.NewFileStore(p.Sessions, log)
	if err != nil {
		return fmt.Errorf("opening account store: %w", err)
	}

	deps := func(rate float64, burst int) provider.Deps {
		return provider.Deps{
			Accounts:   accounts,
			Store:      db,
			Media:      pipeline,
			Transcoder: transcoder,
			Snapshots:  snapshots,
			Listeners:  listeners,
			Ready:      retry.NotReady.Within(cfg.Sessions.HistoryWait),
			RateLimit:  rate,
			Burst:      burst,
			NameTTL:    cfg.Cache.NameTTL,
		}
	}

	clientLog := log.Level(cfg.Logging.ClientLevel)
	providers := provider.NewRegistry(log)
	linkers := make(map[domain.Platform]domain.Linker)

	if cfg.WhatsApp.Enabled {
		whatsapp.SetDeviceName(cfg.WhatsApp.OSName)
		devices, err := whatsapp.OpenDevices(ctx, filepath.Join(p.PlatformSessions("whatsapp"), "devices.db"), clientLog)
		if err != nil {
			return err
		}
		defer devices.Close()
		wa := whatsapp.New(devices, deps(cfg.WhatsApp.RateLimit, cfg.WhatsApp.Burst), log)
		providers.Register(wa)
		linkers[domain.PlatformWhatsApp] = wa
	}
	if cfg.Telegram.Enabled {
		dialer, err := telegram.NewDialer(cfg.Telegram.APIID, cfg.Telegram.APIHash, p.PlatformSessions("telegram"), clientLog)
		if err != nil {
			return err
		}
		tg := telegram.New(dialer, deps(cfg.Telegram.RateLimit, cfg.Telegram.Burst), cfg.Telegram.DialogLimit, log)
		providers.Register(tg)
		linkers[domain.PlatformTelegram] = tg
	}
	if len(linkers) == 0 {
		log.Warn().Msg("no platform enabled, only the gateway will run")
	}

	pipeline.SetNotify(func(ev domain.MediaDownloaded) {
		hub.Publish(ctx, domain.EventMediaDownloaded, ev)
	})

	manager := session.NewManager(accounts, providers, session.Options{
		PollInterval:      cfg.Sessions.PollInterval,
		GraceWindow:       cfg.Sessions.GraceWindow,
		ReconcileInterval: cfg.Sessions.ReconcileInterval,
		OnStatus: func(ev domain.AccountStatusChanged) {
			hub.Publish(ctx, domain.EventAccountStatusChanged, ev)
		},
		OnRemoved: func(ctx context.Context, a domain.Account) {
			purgeAccount(ctx, a, db, files, index, snapshots)
		},
	}, log)

	inbox := aggregate.New(manager, providers, cfg.Cache.ChatTTL, log)
	defer inbox.Close()
	hub.On(domain.EventNewMessage, "aggregate", func(_ context.Context, ev fanout.Event) error {
		inbox.Invalidate(ev.AccountID)
		return nil
	})
	hub.On(domain.EventAccountStatusChanged, "aggregate", func(_ context.Context, ev fanout.Event) error {
		inbox.Invalidate(ev.AccountID)
		return nil
	})

	links := link.NewManager(linkers, manager, linkTimeout, log)
	defer links.Close()

	srv := gateway.New(cfg, log,
		gateway.WithInbox(inbox),
		gateway.WithAccounts(manager),
		gateway.WithLinks(links),
		gateway.WithProviders(providers),
		gateway.WithMediaRoot(p.Media),
	)
	srv.Subscribe(hub)

	if err := providers.StartAll(ctx, func(ev domain.ProviderEvent) {
		hub.Publish(ctx, domain.EventNewMessage, ev)
		hub.Publish(ctx, domain.EventChatUpdated, domain.ChatUpdated{ChatInfo: ev.ChatInfo})
	}); err != nil {
		return fmt.Errorf("starting providers: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		providers.StopAll(stopCtx)
	}()

	go manager.Run(ctx)

	log.Info().
		Int("accounts", len(manager.List(""))).
		Int("platforms", len(linkers)).
		Msg("unibox ready")

	return srv.Start(ctx)
}

// purgeAccount drops everything cached for a removed account. Failures are
// logged; the account itself is already gone.
func purgeAccount(ctx context.Context, a domain.Account, db *store.DB, files *media.Store, index *media.Index, snapshots cache.SnapshotStore) {
	l := log.With("account", a.ID)
	if err := db.DeleteAccount(ctx, a.ID); err != nil {
		l.Warn().Err(err).Msg("purging cached chats failed")
	}
	if err := files.RemoveAccount(a.Platform.Code(), a.ID); err != nil {
		l.Warn().Err(err).Msg("purging media failed")
	}
	index.DropAccount(a.ID)
	if err := snapshots.Delete(ctx, a.ID); err != nil {
		l.Warn().Err(err).Msg("purging chat snapshot failed")
	}
}
