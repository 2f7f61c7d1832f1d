// Command speedtest-client measures latency and throughput against the
// closest speedtest.net server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedtest/internal/persistence"
	"github.com/m-lab/speedtest/pkg/client"
	"github.com/m-lab/speedtest/pkg/version"
)

const clientName = "speedtest-client"

var (
	flagConfig     = flag.String("config", "", "Path to a YAML configuration file")
	flagServerID   = flag.Int("server-id", 0, "Force the server with this ID")
	flagSource     = flag.String("source", "", "Source IP address to bind to")
	flagTimeout    = flag.Duration("timeout", 0, "Timeout for configuration, server list and probe requests")
	flagSecure     = flag.Bool("secure", false, "Use https to talk to measurement servers")
	flagNoVerify   = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagDistance   = flag.Float64("distance", 0, "Exclude servers farther than this many km (0 disables)")
	flagProbe      = flag.String("probe", "", "Latency probe protocol (http or ws)")
	flagNoDownload = flag.Bool("no-download", false, "Do not run the download phase")
	flagNoUpload   = flag.Bool("no-upload", false, "Do not run the upload phase")
	flagCount      = flag.Int("count", 1, "Number of sessions to run")
	flagInterval   = flag.Duration("interval", time.Minute, "Delay between sessions")
	flagRefresh    = flag.Bool("refresh", false, "Refetch the configuration and server list for every session")
	flagJSON       = flag.Bool("json", false, "Emit JSON lines instead of human-readable output")
	flagDataDir    = flag.String("datadir", "", "Directory to write archival records to (disabled if empty)")
	flagDebug      = flag.Bool("debug", false, "Print debug output")
)

// applyFlags overrides cfg with the flags set on the command line or in the
// environment.
func applyFlags(cfg *client.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server-id":
			cfg.ServerID = *flagServerID
		case "source":
			cfg.SourceAddress = *flagSource
		case "timeout":
			cfg.Timeout = *flagTimeout
		case "secure":
			cfg.Secure = *flagSecure
		case "no-verify":
			cfg.NoVerify = *flagNoVerify
		case "distance":
			cfg.MaxDistanceKm = *flagDistance
		case "probe":
			cfg.ProbeProtocol = *flagProbe
		case "no-download":
			cfg.NoDownload = *flagNoDownload
		case "no-upload":
			cfg.NoUpload = *flagNoUpload
		}
	})
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment")
	os.Exit(run())
}

// run runs the requested sessions and returns the process exit code.
func run() int {
	level := log.InfoLevel
	if *flagDebug {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	serveMetrics := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "prometheusx.listen-address" {
			serveMetrics = true
		}
	})
	if serveMetrics {
		promSrv := prometheusx.MustServeMetrics()
		defer promSrv.Close()
	}

	cfg := client.DefaultConfig()
	if *flagConfig != "" {
		var err error
		cfg, err = client.LoadConfig(*flagConfig)
		rtx.Must(err, "Failed to load configuration")
	}
	applyFlags(&cfg)
	cfg.Logger = logger
	if *flagJSON {
		cfg.Emitter = &client.JSON{Debug: *flagDebug, Out: os.Stdout}
	} else {
		cfg.Emitter = client.HumanReadable{Debug: *flagDebug}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cl, err := client.New(clientName, version.Version, cfg)
	rtx.Must(err, "Failed to create client")
	defer cl.Close()

	failed := 0
	for i := 0; i < *flagCount && ctx.Err() == nil; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(*flagInterval):
			}
			if ctx.Err() != nil {
				break
			}
			if *flagRefresh {
				cl.Purge()
			}
		}
		s := cl.NewSession()
		_, err := s.Run(ctx)
		if err != nil {
			logger.Error("session failed", "mid", s.ID(), "err", err)
			failed++
		}
		if *flagDataDir != "" {
			df, err := persistence.WriteDataFile(*flagDataDir, "speedtest", "session", s.ID(), s.Archival())
			if err != nil {
				logger.Error("cannot write archival record", "mid", s.ID(), "err", err)
				continue
			}
			logger.Debug("archival record written", "path", df.Path, "size", df.Size)
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}
