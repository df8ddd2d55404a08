package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"palaver/internal/api"
	"palaver/internal/auth"
	"palaver/internal/backend"
	"palaver/internal/backend/irc"
	"palaver/internal/backend/jabber"
	"palaver/internal/backend/msn"
	"palaver/internal/commands"
	"palaver/internal/config"
	"palaver/internal/daemon"
	"palaver/internal/filestore"
	"palaver/internal/http"
	"palaver/internal/notify"
	"palaver/internal/storage"
	"palaver/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("palaver", flag.ContinueOnError)
	addUIUser := fs.String("add-ui-user", "", "Web front-end user to create (prints the password when -password is empty)")
	password := fs.String("password", "", "Password for -add-ui-user")
	addContact := fs.String("add-contact", "", "Contact to add, as proto:account[:alias]")
	genVAPID := fs.Bool("gen-vapid", false, "Print a new VAPID key pair for push notifications")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *genVAPID {
		return commands.GenerateVAPID(os.Stdout)
	}

	cliMode := *addUIUser != "" || *addContact != ""
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	switch {
	case *addUIUser != "":
		return commands.AddUIUser(os.Stdout, *addUIUser, *password, cfg)
	case *addContact != "":
		return commands.AddContact(os.Stdout, *addContact, cfg)
	}

	setupLogging(cfg)
	return serve(ctx, cfg)
}

func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func serve(ctx context.Context, cfg *config.Config) error {
	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	var historyStore storage.HistoryStore = bbStorage
	if cfg.HistoryStore == config.HistorySQLite {
		sq, err := storage.NewSQLiteHistory(cfg.HistoryDBFile)
		if err != nil {
			return err
		}
		defer func() { _ = sq.Close() }()
		historyStore = sq
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}
	authService.SetStore(bbStorage)
	creds, err := bbStorage.ListCredentials()
	if err != nil {
		return err
	}
	tokens, err := bbStorage.ListTokens()
	if err != nil {
		return err
	}
	authService.Load(creds, tokens)

	sealer, err := auth.NewSealer([]byte(cfg.AuthSecret))
	if err != nil {
		return err
	}

	d := daemon.New(ctx, daemon.Config{
		Store:   bbStorage,
		History: historyStore,
		Backends: []backend.Backend{
			irc.New(irc.DefaultTimeouts),
			jabber.New(jabber.DefaultTimeouts),
			msn.New(msn.DefaultTimeouts),
		},
		Sealer:   sealer,
		Tick:     cfg.Tick,
		Workers:  cfg.Workers,
		RingSize: cfg.RingSize,
	})
	if err := d.Load(); err != nil {
		return err
	}
	owners, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return err
	}
	for _, o := range owners {
		if err := d.AddOwner(o); err != nil {
			return fmt.Errorf("failed to add %s account: %w", o.ID.Protocol, err)
		}
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath, cfg.MaxUpload)
	if err != nil {
		return err
	}

	hub := ws.NewHub(d)
	wsServer := ws.NewServer(authService, hub)

	apiHandler := api.New(api.Config{
		Auth:           authService,
		Daemon:         d,
		Files:          files,
		Store:          bbStorage,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
	})
	adminServer := http.NewAdminServer(api.NewAdminHandler(authService, d), cfg.AdminAddr)
	apiServer := http.NewAPIServer(apiHandler, wsServer, cfg.APIAddr)

	var notifier *notify.Notifier
	if cfg.PushEnabled() {
		notifier, err = notify.New(notify.Config{
			Subject:         cfg.VAPIDSubject,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		}, bbStorage, d)
		if err != nil {
			return err
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(gCtx)
	})
	g.Go(func() error {
		return hub.Run(gCtx)
	})
	if notifier != nil {
		g.Go(func() error {
			return notifier.Run(gCtx)
		})
	}

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	d.AutoLogon()

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	err = g.Wait()
	d.Flush()
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
