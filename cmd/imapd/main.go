package main

import (
	"flag"
	"io"
	"log"
	"log/slog"
	"net"
	"os"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"

	"github.com/masa23/mailhookd/cmd/imapd/imapsession"
	"github.com/masa23/mailhookd/config"
	"github.com/masa23/mailhookd/directory"
	"github.com/masa23/mailhookd/model"
	"github.com/masa23/mailhookd/objectstorage"
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
		log.Fatal(err)
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
		log.Fatal(err)
	}
	if err := model.Migrate(db); err != nil {
		log.Fatal(err)
	}

	var archive *objectstorage.Archive
	if conf.ObjectStorage.Enabled {
		archive = objectstorage.New(conf.ObjectStorage)
	}

	imapsession.Init(db, directory.New(db), archive, conf)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return &imapsession.Session{}, &imapserver.GreetingData{}, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", conf.IMAP.Listen)
	if err != nil {
		log.Fatalf("Listen() = %v", err)
	}
	slog.Info("IMAP server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil {
		log.Fatalf("Serve() = %v", err)
	}
}
