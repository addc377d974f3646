package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/masa23/mailhookd/cmd/smtpd/smtpsession"
	"github.com/masa23/mailhookd/config"
	"github.com/masa23/mailhookd/delivery"
	"github.com/masa23/mailhookd/directory"
	"github.com/masa23/mailhookd/mailstore"
	"github.com/masa23/mailhookd/model"
	"github.com/masa23/mailhookd/objectstorage"
	"github.com/masa23/mailhookd/webhook"
)

var version = "dev"

func main() {
	var confPath string
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}

	conf, err := config.Load(confPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	var logWriter io.Writer = os.Stderr
	if conf.LogFile != "" {
		logFd, err := os.OpenFile(conf.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Error opening log file: %v", err)
		}
		defer logFd.Close()
		logWriter = logFd
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logWriter, nil)))

	db, err := model.Open(conf.Database)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	if err := model.Migrate(db); err != nil {
		log.Fatalf("Error migrating database: %v", err)
	}

	var archive *objectstorage.Archive
	if conf.ObjectStorage.Enabled {
		archive = objectstorage.New(conf.ObjectStorage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := webhook.NewDispatcher(db)
	pipeline := delivery.NewPipeline(ctx, mailstore.New(db), dispatcher, archive, conf.SMTP.Hostname)

	server := smtpsession.New(smtpsession.ServerConfig{
		ListenAddr:      conf.SMTP.Listen,
		Hostname:        conf.SMTP.Hostname,
		MaxMessageBytes: conf.SMTP.MaxMessageBytes,
		Directory:       directory.New(db),
		Pipeline:        pipeline,
	})

	if err := server.ListenAndServe(ctx); err != nil {
		log.Fatalf("SMTP server error: %v", err)
	}

	// Let background webhook deliveries reach a terminal state before exit.
	pipeline.Wait()
}
