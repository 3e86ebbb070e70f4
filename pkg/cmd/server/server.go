package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // by design
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pgx-contrib/pgxtrace"
	"github.com/spf13/cobra"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/config"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/db/postgres"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/proxy"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/proxy/local"
	natsproxy "github.com/midnightgrind/tougelog-service-manager-go/pkg/proxy/nats"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/service"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/web"
)

var appConfig config.Config // holds processed config values

//nolint:funlen // by design
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "starts the duel backend server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer()
		},
	}
	cmd.Flags().StringVarP(&config.ListenAddr,
		"listen-addr",
		"a",
		"localhost:8080",
		"HTTP server listen address")

	cmd.Flags().StringVar(&config.SQLLogLevel,
		"sql-log-level",
		"debug",
		"controls the log level for sql methods")
	cmd.Flags().BoolVar(&config.EnableTelemetry,
		"enable-telemetry",
		false,
		"enables telemetry")
	cmd.Flags().StringVar(&config.TelemetryEndpoint,
		"telemetry-endpoint",
		"localhost:4317",
		"Endpoint that receives open telemetry data (stdout: print instead)")
	cmd.Flags().IntVar(&config.ProfilingPort,
		"profiling-port",
		0,
		"port to use for providing profiling data")
	cmd.Flags().BoolVar(&appConfig.PrintMessage,
		"print-message",
		false,
		"if true and log level is debug, inbound telemetry frames are printed")
	cmd.Flags().StringVar(&config.AdminToken,
		"admin-token",
		"",
		"admin token value")
	cmd.Flags().StringVar(&config.ProviderToken,
		"provider-token",
		"",
		"provider token value")
	cmd.Flags().StringVar(&config.StaleDuration,
		"stale-duration",
		"1m",
		"duel is removed if no frames were received for this duration")
	cmd.Flags().StringVar(&config.StaleCheckInterval,
		"stale-check-interval",
		"20s",
		"interval at which the stale check is performed")
	cmd.Flags().IntVar(&config.MaxWsPerIP,
		"max-ws-per-ip",
		0,
		"limit of websocket connections per client IP (0: built-in default)")
	cmd.Flags().StringVar(&config.TLSAcmeFile,
		"tls-acme-file",
		"",
		"traefik acme.json file used to serve TLS (empty: plain HTTP)")
	cmd.Flags().StringVar(&config.TLSDomain,
		"tls-domain",
		"",
		"domain whose certificate is picked from the acme file")
	cmd.Flags().StringVar(&config.TLSCertFile,
		"tls-cert-file",
		"",
		"PEM server certificate (alternative to the acme file)")
	cmd.Flags().StringVar(&config.TLSKeyFile,
		"tls-key-file",
		"",
		"PEM server key")
	cmd.Flags().StringVar(&config.TLSCAFile,
		"tls-ca-file",
		"",
		"CA used to verify client certificates")
	return cmd
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

//nolint:funlen,cyclop // by design
func startServer() error {
	var logger *log.Logger
	var sqlLogger *log.Logger
	var telemetry *config.Telemetry
	logOpts := []log.Option{log.WithCaller(true), log.AddCallerSkip(1)}
	if config.LogFilter != "" {
		logOpts = append(logOpts, log.WithFilters(config.LogFilter))
	}
	switch config.LogFormat {
	case "json":
		logger = log.New(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.InfoLevel),
			logOpts...)
		sqlLogger = log.New(
			os.Stderr,
			parseLogLevel(config.SQLLogLevel, log.InfoLevel),
			logOpts...)

	default:
		logger = log.DevLogger(
			os.Stderr,
			parseLogLevel(config.LogLevel, log.DebugLevel),
			logOpts...)

		sqlLogger = log.DevLogger(
			os.Stderr,
			parseLogLevel(config.SQLLogLevel, log.InfoLevel),
			logOpts...)
	}

	log.ResetDefault(logger)

	log.Debug("Config:",
		log.String("listenAddr", config.ListenAddr),
		log.String("db", config.DB),
		log.String("natsUrl", config.NatsURL),
	)

	if config.ProfilingPort > 0 {
		log.Info("Starting profiling server on port", log.Int("port", config.ProfilingPort))
		go func() {
			//nolint:gosec // by design
			err := http.ListenAndServe(
				fmt.Sprintf("localhost:%d", config.ProfilingPort),
				nil)
			if err != nil {
				log.Error("Profiling server stopped", log.ErrorField(err))
			}
		}()
	}

	waitForRequiredServices()

	pgTracer := pgxtrace.CompositeQueryTracer{
		postgres.NewMyTracer(sqlLogger, log.DebugLevel),
	}
	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		var err error
		if telemetry, err = config.SetupTelemetry(context.Background()); err == nil {
			pgTracer = append(pgTracer, postgres.NewOtlpTracer())
		} else {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	log.Info("Starting server")
	pool := postgres.InitWithUrl(
		config.DB,
		postgres.WithTracer(pgTracer),
	)

	staleDuration, err := time.ParseDuration(config.StaleDuration)
	if err != nil {
		staleDuration = 1 * time.Minute
	}
	staleCheckInterval, err := time.ParseDuration(config.StaleCheckInterval)
	if err != nil {
		staleCheckInterval = 20 * time.Second
	}
	log.Debug("init with stale duration",
		log.Duration("duration", staleDuration),
		log.Duration("checkInterval", staleCheckInterval))

	// the stale callback runs the full unregister so outcome data
	// collected so far is persisted and the cluster registry is informed
	var manager *service.Manager
	lookup := utils.NewSessionLookup(
		utils.WithStaleDuration(staleDuration),
		utils.WithCheckInterval(staleCheckInterval),
		utils.WithOnStale(func(duelKey string) {
			if err := manager.UnregisterDuel(context.Background(), duelKey); err != nil {
				log.Warn("could not unregister stale duel",
					log.String("duelKey", duelKey),
					log.ErrorField(err))
			}
		}),
	)

	var dataProxy proxy.DataProxy
	if config.NatsURL != "" {
		nc, err := nats.Connect(config.NatsURL)
		if err != nil {
			log.Error("could not connect to NATS", log.ErrorField(err))
			return err
		}
		np, err := natsproxy.NewNatsProxy(nc)
		if err != nil {
			log.Error("could not initialize NATS relay", log.ErrorField(err))
			return err
		}
		np.SetOnUnregisterCB(lookup.RemoveSession)
		dataProxy = np
		log.Info("using NATS relay", log.String("url", config.NatsURL))
	} else {
		dataProxy = local.NewLocalProxy(lookup)
		log.Info("running standalone, no cross-instance relay")
	}

	manager = service.NewManager(
		service.WithPersistence(pool),
		service.WithSessionLookup(lookup),
		service.WithDataProxy(dataProxy),
	)

	router := web.NewRouter(web.RouterConfig{
		Manager:               manager,
		DataProxy:             dataProxy,
		Lookup:                lookup,
		Pool:                  pool,
		AdminToken:            config.AdminToken,
		ProviderToken:         config.ProviderToken,
		MaxWSConnectionsPerIP: config.MaxWsPerIP,
		PrintFrames:           appConfig.PrintMessage,
	})

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	//nolint:gosec // by design
	server := &http.Server{
		Addr:    config.ListenAddr,
		Handler: router,
	}
	tlsRequested := (config.TLSAcmeFile != "" && config.TLSDomain != "") ||
		(config.TLSCertFile != "" && config.TLSKeyFile != "")
	server.TLSConfig = newTLSConfigProvider(backgroundCtx)
	if tlsRequested && server.TLSConfig == nil {
		return errors.New("TLS requested but no certificate could be loaded")
	}
	serverErr := make(chan error, 1)
	go func() {
		var err error
		if server.TLSConfig != nil {
			log.Info("Starting HTTPS server", log.String("addr", config.ListenAddr))
			err = server.ListenAndServeTLS("", "")
		} else {
			log.Info("Starting HTTP server", log.String("addr", config.ListenAddr))
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	lookup.StartWatchdog(backgroundCtx)
	setupGoRoutinesDump()
	log.Info("Server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		log.Error("server could not be started", log.ErrorField(err))
		return err
	case v := <-sigChan:
		log.Debug("Got signal ", log.Any("signal", v))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("error on server shutdown", log.ErrorField(err))
	}
	if telemetry != nil {
		telemetry.Shutdown()
	}
	dataProxy.Close()
	pool.Close()

	log.Info("Server terminated")
	return nil
}

func setupGoRoutinesDump() {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		buf := make([]byte, 1<<20)
		for {
			<-sigs
			stacklen := runtime.Stack(buf, true)
			fmt.Printf("=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end\n",
				buf[:stacklen])
		}
	}()
}

func waitForRequiredServices() {
	timeout, err := time.ParseDuration(config.WaitForServices)
	if err != nil {
		log.Warn("Invalid duration value. Setting default 60s", log.ErrorField(err))
		timeout = 60 * time.Second
	}

	wg := sync.WaitGroup{}
	checkTcp := func(addr string) {
		if err := utils.WaitForTCP(addr, timeout); err != nil {
			log.Fatal("required services not ready", log.ErrorField(err))
		}
		wg.Done()
	}

	if postgresAddr := utils.ExtractFromDBURL(config.DB); postgresAddr != "" {
		wg.Add(1)
		go checkTcp(postgresAddr)
	}
	if config.NatsURL != "" {
		if natsAddr := utils.ExtractFromNatsURL(config.NatsURL); natsAddr != "" {
			wg.Add(1)
			go checkTcp(natsAddr)
		}
	}
	log.Debug("Waiting for connection checks to return")
	wg.Wait()
	log.Debug("Required services are available")
}
