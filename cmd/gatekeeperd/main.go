// Command gatekeeperd serves the gatekeeper login, certificate enrollment
// and administration endpoints behind the access guard.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrEthical07/gatekeeper/logging"
	"github.com/MrEthical07/gatekeeper/store/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(argv []string) error {
	if len(argv) < 2 {
		usage()
		return errors.New("missing subcommand")
	}

	switch argv[1] {
	case "serve":
		return serve(argv[2:])
	case "migrate":
		return migrate(argv[2:])
	case "check-config":
		return checkConfig(argv[2:])
	case "-h", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown subcommand: %s", argv[1])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "gatekeeperd <serve|migrate|check-config> -config gatekeeperd.yaml")
}

func loadFromFlags(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "gatekeeperd.yaml", "path to the YAML config")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return Load(*path)
}

func checkConfig(args []string) error {
	if _, err := loadFromFlags("check-config", args); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "config ok")
	return nil
}

func migrate(args []string) error {
	cfg, err := loadFromFlags("migrate", args)
	if err != nil {
		return err
	}
	db, err := sqlite.Open(context.Background(), cfg.DB.Path)
	if err != nil {
		return err
	}
	return db.Close()
}

func serve(args []string) error {
	cfg, err := loadFromFlags("serve", args)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	a, err := newApp(ctx, cfg, logger, rdb)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}
	if cfg.HTTP.TLS.RequestClientCert {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ClientAuth: tls.RequestClientCert}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("tls", cfg.HTTP.TLS.CertPath != ""))
		if cfg.HTTP.TLS.CertPath != "" {
			errCh <- srv.ListenAndServeTLS(cfg.HTTP.TLS.CertPath, cfg.HTTP.TLS.KeyPath)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
