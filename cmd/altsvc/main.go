package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/altsvc"
	"github.com/always-cache/altsvc/alpn"
	"github.com/always-cache/altsvc/cache"
	adminapi "github.com/always-cache/altsvc/pkg/admin-api"
	alttransport "github.com/always-cache/altsvc/pkg/alt-transport"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	fileFlag           string
	dbFilenameFlag     string
	readOnlyFlag       bool
	protocolsFlag      string
	capabilitiesFlag   string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 8080, "Port for the admin API")
	flag.StringVar(&fileFlag, "file", "altsvc.txt", "Alt-svc cache file")
	flag.StringVar(&dbFilenameFlag, "db", "", "SQLite snapshot db (use 'memory' for in-memory db)")
	flag.BoolVar(&readOnlyFlag, "readonly", false, "Never write the cache file or the snapshot")
	flag.StringVar(&protocolsFlag, "protocols", "", "Enabled alternative protocols, e.g. h1,h2 (default: capabilities)")
	flag.StringVar(&capabilitiesFlag, "capabilities", "h1,h2", "Protocols the client speaks")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [url ...]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Without urls the admin API is served until interrupted.")
		fmt.Fprintln(flag.CommandLine.Output(), "With urls, each is fetched once and the advertised alternatives are recorded.")
		flag.PrintDefaults()
	}
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config Config
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
	} else {
		config = Config{
			Port:         portFlag,
			File:         fileFlag,
			DB:           dbFilenameFlag,
			ReadOnly:     readOnlyFlag,
			Protocols:    protocolsFlag,
			Capabilities: capabilitiesFlag,
		}
	}
	applyFlags(&config)

	altCache, err := newCache(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up alt-svc cache")
	}
	guarded := alttransport.NewGuarded(altCache)

	// set up the sqlite snapshot
	var persister cache.Persister
	if config.DB != "" {
		dbFilename := config.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		p, err := cache.NewSQLitePersister(dbFilename)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open snapshot db")
		}
		defer p.Close()
		persister = p
		// the text file wins, the snapshot only fills an empty cache
		if altCache.Len() == 0 {
			if err := altCache.Restore(p); err != nil {
				log.Fatal().Err(err).Msg("Could not restore snapshot")
			}
		}
	}

	if urls := flag.Args(); len(urls) > 0 {
		err = fetch(guarded, urls)
	} else {
		err = serve(guarded, persister, config.Port)
	}
	if err != nil {
		log.Error().Err(err).Msg("Stopped with error")
	}

	if err := save(guarded, persister); err != nil {
		log.Fatal().Err(err).Msg("Could not save alt-svc cache")
	}
}

func newCache(config Config) (*altsvc.Cache, error) {
	capabilities, err := parseFlags("capabilities", config.Capabilities)
	if err != nil {
		return nil, err
	}
	c := altsvc.New(altsvc.Config{
		Capabilities: capabilities,
		Filename:     config.File,
	})
	flags := c.Flags()
	if config.Protocols != "" {
		if flags, err = parseFlags("protocols", config.Protocols); err != nil {
			return nil, err
		}
	}
	if config.ReadOnly {
		flags |= alpn.ReadOnlyFile
	}
	c.Control(flags)
	log.Info().Str("file", config.File).Str("flags", flags.String()).Int("entries", c.Len()).Msg("Alt-svc cache ready")
	return c, nil
}

// fetch requests each url once, following and recording alternatives.
func fetch(guarded *alttransport.Guarded, urls []string) error {
	client := alttransport.NewClient(guarded)
	client.Timeout = 30 * time.Second
	for _, u := range urls {
		res, err := client.Get(u)
		if err != nil {
			return fmt.Errorf("could not fetch %s: %w", u, err)
		}
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		log.Info().Str("url", u).Str("proto", res.Proto).Strs("alt-svc", res.Header.Values("Alt-Svc")).Msg("Fetched")
	}
	return nil
}

// serve runs the admin API until SIGINT or SIGTERM.
func serve(guarded *alttransport.Guarded, persister cache.Persister, port int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           adminapi.New(adminapi.Config{Cache: guarded, Persister: persister}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Serving admin API on port %d", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func save(guarded *alttransport.Guarded, persister cache.Persister) error {
	var err error
	guarded.Do(func(c *altsvc.Cache) {
		if err = c.Save(""); err != nil {
			return
		}
		if persister != nil {
			err = c.Persist(persister)
		}
	})
	return err
}
