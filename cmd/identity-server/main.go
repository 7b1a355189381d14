package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/activitymap"
	"github.com/goliatone/go-identity/config"
	"github.com/goliatone/go-identity/middleware/sessionware"
	"github.com/goliatone/go-identity/nonce"
	"github.com/goliatone/go-identity/provider"
	"github.com/goliatone/go-identity/repository"
	"github.com/goliatone/go-identity/repository/gormrepo"
	"github.com/goliatone/go-identity/session"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type App struct {
	config       *config.Config
	logger       *glog.BaseLogger
	directory    identity.UserDirectory
	orchestrator *identity.SocialLoginOrchestrator
	nonces       identity.NonceStore
	srv          router.Server[*fiber.App]
	closers      []func() error
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.GetLogger("app").Warn("close failed", "error", err)
		}
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("IDENTITY_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println("============")
	fmt.Println(print.MaybeHighlightJSON(cfg.Redacted()))
	fmt.Println("============")

	level := glog.Info
	switch strings.ToLower(cfg.App.LogLevel) {
	case "trace":
		level = glog.Trace
	case "debug":
		level = glog.Debug
	}

	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(level),
		glog.WithName(cfg.App.Name),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)

	app := &App{
		config: cfg,
		logger: lgr,
	}
	defer app.Close()

	ctx := context.Background()

	if err := WithPersistence(ctx, app); err != nil {
		panic(err)
	}

	if err := WithNonceStore(ctx, app); err != nil {
		panic(err)
	}

	if err := WithOrchestrator(ctx, app); err != nil {
		panic(err)
	}

	if err := WithHTTPServer(ctx, app); err != nil {
		panic(err)
	}

	app.GetLogger("app").Info("identity server listening",
		"address", cfg.HTTP.Address,
		"providers", app.orchestrator.Providers(),
	)

	app.srv.Serve(cfg.HTTP.Address)

	sig := WaitExitSignal()
	app.GetLogger("app").Info("shutting down", "signal", sig.String())
}

// WithPersistence opens the configured engine and prepares the schema.
func WithPersistence(ctx context.Context, app *App) error {
	dbCfg := app.config.Database

	switch dbCfg.Engine {
	case "gorm":
		if dbCfg.Driver != "sqlite" {
			return errors.New("gorm engine supports only the sqlite driver", errors.CategoryValidation)
		}
		level := gormlogger.Silent
		if dbCfg.Debug {
			level = gormlogger.Info
		}
		db, err := gorm.Open(sqlite.Open(dbCfg.DSN), &gorm.Config{
			Logger:         gormlogger.Default.LogMode(level),
			TranslateError: true,
		})
		if err != nil {
			return errors.Wrap(err, errors.CategoryInternal, "open gorm database")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		app.onClose(sqlDB.Close)

		dir := gormrepo.New(db)
		if err := dir.Migrate(ctx); err != nil {
			return errors.Wrap(err, errors.CategoryInternal, "migrate gorm schema")
		}
		app.directory = dir

	default:
		db, err := openBun(dbCfg)
		if err != nil {
			return err
		}
		app.onClose(db.Close)

		if err := repository.CreateSchema(ctx, db); err != nil {
			return errors.Wrap(err, errors.CategoryInternal, "create schema")
		}
		app.directory = repository.NewAccountDirectory(db)
	}

	return nil
}

func openBun(dbCfg config.Database) (*bun.DB, error) {
	switch dbCfg.Driver {
	case "postgres":
		sqldb, err := sql.Open("postgres", dbCfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryInternal, "open postgres")
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		sqldb, err := sql.Open(sqliteshim.ShimName, dbCfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryInternal, "open sqlite")
		}
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	}
}

// WithNonceStore uses redis when configured so handshake states are shared
// between instances.
func WithNonceStore(ctx context.Context, app *App) error {
	rcfg := app.config.Redis
	if rcfg.Address == "" {
		app.nonces = nonce.NewMemoryStore()
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rcfg.Address,
		Password: rcfg.Password,
		DB:       rcfg.DB,
	})
	app.onClose(client.Close)

	if err := nonce.Ping(ctx, client); err != nil {
		return err
	}

	app.nonces = nonce.NewRedisStore(client, rcfg.Prefix)
	return nil
}

// WithOrchestrator builds the enabled providers, the session issuer and the
// orchestrator.
func WithOrchestrator(ctx context.Context, app *App) error {
	cfg := app.config

	clients := map[identity.ProviderID]identity.IdentityProviderClient{}
	for id, pcfg := range cfg.EnabledProviders() {
		client, err := provider.Build(ctx, pcfg.Kind, provider.Config{
			ID:           identity.ProviderID(id),
			ClientID:     pcfg.ClientID,
			ClientSecret: pcfg.ClientSecret,
			RedirectURL:  pcfg.RedirectURL,
			Scopes:       pcfg.Scopes,
			AuthURL:      pcfg.AuthURL,
			TokenURL:     pcfg.TokenURL,
			UserInfoURL:  pcfg.UserInfoURL,
			Issuer:       pcfg.Issuer,
		}, provider.WithLogger(app.GetLogger("provider:"+id)))
		if err != nil {
			return err
		}
		clients[identity.ProviderID(id)] = client
	}

	registry, err := identity.NewProviderRegistry(clients)
	if err != nil {
		return err
	}

	issuer, err := session.NewJWTIssuer(app.directory, session.Config{
		SigningKey:         []byte(cfg.Session.SigningKey),
		InstallationSecret: []byte(cfg.App.InstallationSecret),
		AppCode:            cfg.App.AppCode,
		Issuer:             cfg.Session.Issuer,
		Audience:           cfg.Session.Audience,
		TTL:                cfg.Session.TTL,
	}, session.WithLogger(app.GetLogger("session")))
	if err != nil {
		return err
	}

	logger := app.GetLogger("identity")
	app.orchestrator, err = identity.NewSocialLoginOrchestrator(registry, app.directory, issuer,
		identity.OrchestratorConfig{
			AppCode:            cfg.App.AppCode,
			InstallationSecret: []byte(cfg.App.InstallationSecret),
		},
		identity.WithLogger(logger),
		identity.WithSessionVerifier(issuer),
		identity.WithActivitySink(activitymap.Sink(func(record activitymap.Normalized) error {
			logger.Info("activity",
				"verb", record.Verb,
				"actor_id", record.ActorID,
				"metadata", record.Metadata,
			)
			return nil
		}, activitymap.WithDefaultChannel(cfg.App.Name))),
		identity.WithMaterializerOptions(identity.WithMaterializerLogger(app.GetLogger("identity:materializer"))),
	)
	return err
}

// WithHTTPServer mounts the social routes on a fiber backed go-router server.
func WithHTTPServer(_ context.Context, app *App) error {
	cfg := app.config

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			EnablePrintRoutes: cfg.Database.Debug,
			StrictRouting:     false,
		}))
	})

	srv.Router().WithLogger(app.GetLogger("router"))

	controller := identity.NewHTTPController(
		app.orchestrator,
		identity.NewHandshakeCodec([]byte(cfg.App.InstallationSecret), cfg.HTTP.HandshakeTTL),
		app.nonces,
		identity.HTTPConfig{
			PathPrefix:      cfg.HTTP.PathPrefix,
			SessionHeader:   cfg.HTTP.SessionHeader,
			HandshakeCookie: cfg.HTTP.CookieName,
			CookieSecure:    cfg.HTTP.CookieSecure,
			CookieHTTPOnly:  true,
			CookieSameSite:  cfg.HTTP.CookieSameSite,
		},
		app.GetLogger("identity:http"),
	)

	authenticated := sessionware.New(sessionware.Config{
		Authenticator:   app.orchestrator,
		ContextKey:      controller.Config().AccountContextKey,
		TokenLookup:     "header:" + cfg.HTTP.SessionHeader + ",auth:Authorization",
		ContextEnricher: sessionware.WithAccount,
	})

	controller.RegisterRoutes(srv.Router().Group(cfg.HTTP.PathPrefix), authenticated)

	app.srv = srv
	return nil
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
