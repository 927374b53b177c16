// docketd is the document ledger server daemon.
//
// It keeps business records (assets, purchase orders, receipts) in a
// relational database, their document attachments in a blob store, and
// serves the REST API tying the two together.
//
// Configuration is a TOML file plus command line flags; flags win. Durations
// in the file are strings like "30s" or "15m".
//
//      docketd -config /etc/docket.toml
//      docketd -storage s3://localhost:9000/docket -mysql "user:pw@tcp(localhost:3306)/docket"
//      docketd                  # in-memory everything, for development
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/certifi/gocertifi"
	raven "github.com/getsentry/raven-go"

	"github.com/ivlib/docket/server"
)

type config struct {
	Port       string
	PProfPort  string
	Storage    string // blob store location, e.g. "s3:/bucket/prefix" or "file:/var/docket"
	DataDir    string
	Mysql      string
	TokenFile  string
	SentryDSN  string
	MaxUploads int

	// durations are strings so they read naturally in the TOML file
	UploadTimeout  string
	MaxLinkTTL     string
	SweepInterval  string
	OrphanGrace    string
	PendingTimeout string

	DisableSweeper bool
}

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file")
		port       = flag.String("port", "", "port number to run on")
		storage    = flag.String("storage", "", "location of the blob storage")
		mysql      = flag.String("mysql", "", "MySQL dial string, empty uses the internal database")
		datadir    = flag.String("data-dir", "", "directory for the internal database")
		tokenfile  = flag.String("tokenfile", "", "file listing user tokens")
	)
	flag.Parse()

	var conf config
	if *configFile != "" {
		if _, err := toml.DecodeFile(*configFile, &conf); err != nil {
			log.Fatalf("Error reading %s: %s", *configFile, err.Error())
		}
	}
	// flags override the file
	if *port != "" {
		conf.Port = *port
	}
	if *storage != "" {
		conf.Storage = *storage
	}
	if *mysql != "" {
		conf.Mysql = *mysql
	}
	if *datadir != "" {
		conf.DataDir = *datadir
	}
	if *tokenfile != "" {
		conf.TokenFile = *tokenfile
	}

	if conf.SentryDSN != "" {
		raven.SetDSN(conf.SentryDSN)
		// raven's default transport has no CA certificates on minimal
		// containers; give it a bundle
		certs, err := gocertifi.CACerts()
		if err != nil {
			log.Fatalf("Error loading CA certificates: %s", err.Error())
		}
		raven.DefaultClient.Transport = &raven.HTTPTransport{
			Client: &http.Client{
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{RootCAs: certs},
				},
			},
		}
	}

	var validator server.TokenDecoder
	if conf.TokenFile != "" {
		var err error
		validator, err = server.NewListDecoderFile(conf.TokenFile)
		if err != nil {
			log.Fatalf("Error parsing %s: %s", conf.TokenFile, err.Error())
		}
	}

	blobs := parselocation(conf.Storage)
	if blobs == nil {
		log.Fatalf("Could not understand storage location %s", conf.Storage)
	}

	s := &server.RESTServer{
		PortNumber:     conf.Port,
		PProfPort:      conf.PProfPort,
		Blobs:          blobs,
		MySQL:          conf.Mysql,
		DataDir:        conf.DataDir,
		Validator:      validator,
		MaxUploads:     conf.MaxUploads,
		UploadTimeout:  mustDuration("UploadTimeout", conf.UploadTimeout),
		MaxLinkTTL:     mustDuration("MaxLinkTTL", conf.MaxLinkTTL),
		SweepInterval:  mustDuration("SweepInterval", conf.SweepInterval),
		OrphanGrace:    mustDuration("OrphanGrace", conf.OrphanGrace),
		PendingTimeout: mustDuration("PendingTimeout", conf.PendingTimeout),
		DisableSweeper: conf.DisableSweeper,
	}

	// set up graceful shutdown on SIGINT/SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("Received signal, shutting down")
		if err := s.Stop(); err != nil {
			log.Println("Shutdown:", err.Error())
		}
	}()

	if err := s.Run(); err != nil {
		log.Println(err)
	}
}

// mustDuration parses s as a time.Duration, with "" meaning 0.
func mustDuration(name, s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Fatalf("Error parsing %s %q: %s", name, s, err.Error())
	}
	return d
}
