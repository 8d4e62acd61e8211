// Package main starts an edgecmd agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/bus/paho"
	"github.com/edgecmd/edgecmd/capability"
	"github.com/edgecmd/edgecmd/engine"
	enginehttp "github.com/edgecmd/edgecmd/engine/http"
	"github.com/edgecmd/edgecmd/entity"
	"github.com/edgecmd/edgecmd/filetransfer/client"
	fthttp "github.com/edgecmd/edgecmd/filetransfer/http"
	"github.com/edgecmd/edgecmd/health"
	httpcmd "github.com/edgecmd/edgecmd/http"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/mapper"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/stdlogfmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "edgecmd"
	apiRealm    = "edgecmd"
)

func main() {
	var (
		flDebug     = flag.Bool("debug", false, "log debug messages")
		flListen    = flag.String("listen", ":8000", "HTTP listen address")
		flVersion   = flag.Bool("version", false, "print version and exit")
		flDumpWH    = flag.Bool("dump-webhook", false, "dump webhook input and state reports")
		flAPIKey    = flag.String("api", "", "API key for API endpoints")
		flBroker    = flag.String("mqtt-broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
		flClientID  = flag.String("mqtt-client-id", "edgecmd", "MQTT client ID")
		flMQTTUser  = flag.String("mqtt-username", "", "MQTT username")
		flMQTTPass  = flag.String("mqtt-password", "", "MQTT password")
		flRoot      = flag.String("root", topic.DefaultRoot, "topic root prefix")
		flStorage   = flag.String("storage", "file", "name of engine storage backend")
		flDSN       = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flFiles     = flag.String("files-storage", "fs", "name of file transfer storage backend")
		flFilesPath = flag.String("files-path", "files", "path of the file transfer storage")
		flFilesURL  = flag.String("files-url", "", "file transfer base URL used by participants")
		flWorkflows = flag.String("workflows", "", "directory of TOML workflow definitions")
		flAutoReg   = flag.Bool("auto-register", true, "register unknown entities publishing on the bus")
		flAutoClear = flag.Bool("auto-clear", false, "clear terminal commands created through the API")
		flWorkSec   = flag.Uint("worker-interval", uint(engine.DefaultDuration/time.Second), "interval for worker in seconds")
		flStTOSec   = flag.Uint("step-timeout", uint(engine.DefaultTimeout/time.Second), "default state timeout in seconds")
		flAttempts  = flag.Int("max-attempts", engine.DefaultMaxAttempts, "default attempts of transient failures")
		flConfPl    = flag.String("config-plugin", "", "TOML file of config types")
		flLogPl     = flag.String("log-plugin", "", "TOML file of log types")
		flSMPlugins = flag.String("sm-plugins", "", "directory of software management plugins")
		flFWCache   = flag.String("firmware-cache", "", "firmware download directory")
		flFWInst    = flag.String("firmware-installer", "", "path of the firmware installer program")
		flCallback  = flag.String("mapper-callback", "", "URL receiving command state reports")
		flMaxGo     = flag.Int("max-goroutines", 10000, "liveness goroutine threshold")
	)
	envflag.Parse("EDGECMD_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, &agentConfig{
		listen:    *flListen,
		dumpWH:    *flDumpWH,
		apiKey:    *flAPIKey,
		broker:    *flBroker,
		clientID:  *flClientID,
		mqttUser:  *flMQTTUser,
		mqttPass:  *flMQTTPass,
		root:      *flRoot,
		storage:   *flStorage,
		dsn:       *flDSN,
		files:     *flFiles,
		filesPath: *flFilesPath,
		workflows: *flWorkflows,
		autoReg:   *flAutoReg,
		autoClear: *flAutoClear,
		worker:    time.Second * time.Duration(*flWorkSec),
		timeout:   time.Second * time.Duration(*flStTOSec),
		attempts:  *flAttempts,
		callback:  *flCallback,
		maxGo:     *flMaxGo,
		participants: participantConfig{
			filesURL:          filesURL(*flFilesURL, *flListen, *flRoot),
			configPlugin:      *flConfPl,
			logPlugin:         *flLogPl,
			smPluginDir:       *flSMPlugins,
			firmwareCache:     *flFWCache,
			firmwareInstaller: *flFWInst,
		},
	}); err != nil {
		logger.Info(logkeys.Error, err)
		os.Exit(1)
	}
}

type agentConfig struct {
	listen    string
	dumpWH    bool
	apiKey    string
	broker    string
	clientID  string
	mqttUser  string
	mqttPass  string
	root      string
	storage   string
	dsn       string
	files     string
	filesPath string
	workflows string
	autoReg   bool
	autoClear bool
	worker    time.Duration
	timeout   time.Duration
	attempts  int
	callback  string
	maxGo     int

	participants participantConfig
}

// filesURL returns the file transfer base URL of our own HTTP server
// unless configured.
func filesURL(configured, listen, root string) string {
	if configured != "" {
		return configured
	}
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host + "/" + root + "/v1/files"
}

func loadDefinitions(dir string) (*workflow.Registry, error) {
	defs := workflow.Builtin()
	if dir != "" {
		user, err := workflow.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("loading workflows: %w", err)
		}
		// user definitions replace built-in ones.
		defs = append(defs, user...)
	}
	return workflow.NewRegistry(defs...)
}

// newEngine configures the workflow engine.
// Terminal commands stay readable through the API unless auto-clear is on.
func newEngine(b bus.Bus, store engine.Storage, defs *workflow.Registry, cfg *agentConfig, logger log.Logger, opts ...engine.Option) *engine.Engine {
	eOpts := []engine.Option{
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithRoot(cfg.root),
		engine.WithMaxAttempts(cfg.attempts),
		engine.WithAutoClear(cfg.autoClear),
	}
	if cfg.timeout > 0 {
		eOpts = append(eOpts, engine.WithDefaultTimeout(cfg.timeout))
	}
	return engine.New(b, store, defs, append(eOpts, opts...)...)
}

func run(ctx context.Context, logger log.Logger, cfg *agentConfig) error {
	storage, err := parseStorage(cfg.storage, cfg.dsn, cfg.files, cfg.filesPath)
	if err != nil {
		return fmt.Errorf("parse storage: %w", err)
	}

	defs, err := loadDefinitions(cfg.workflows)
	if err != nil {
		return err
	}

	// connect to the bus with our health channel as last will
	b, err := paho.New(
		paho.WithBroker(cfg.broker),
		paho.WithClientID(cfg.clientID),
		paho.WithCredentials(cfg.mqttUser, cfg.mqttPass),
		paho.WithLastWill(health.LastWill(cfg.root, engine.ServiceID)),
		paho.WithLogger(logger.With("service", "bus")),
	)
	if err != nil {
		return fmt.Errorf("creating bus client: %w", err)
	}
	if err = b.Connect(ctx); err != nil {
		return err
	}
	defer b.Disconnect()

	registry := entity.New(b,
		entity.WithLogger(logger.With("service", "entity registry")),
		entity.WithRoot(cfg.root),
		entity.WithAutoRegistration(cfg.autoReg),
	)
	if err = registry.Start(ctx); err != nil {
		return fmt.Errorf("starting entity registry: %w", err)
	}
	defer registry.Stop(context.Background())

	caps := capability.New(b,
		capability.WithLogger(logger.With("service", "capabilities")),
		capability.WithRoot(cfg.root),
	)
	if err = caps.Start(ctx); err != nil {
		return fmt.Errorf("starting capability directory: %w", err)
	}
	defer caps.Stop(context.Background())

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(promReg)

	e := newEngine(b, storage.engine, defs, cfg, logger,
		engine.WithRegistry(registry),
		engine.WithCapabilities(caps),
		engine.WithMetrics(metrics),
	)

	// built-in participants register their handlers and declare their
	// capabilities before the engine reconciles the retained commands.
	files := client.New(client.WithLogger(logger.With("service", "file transfer client")))
	participants, err := setupParticipants(&cfg.participants, files, logger)
	if err != nil {
		return err
	}
	for _, p := range participants {
		p.Register(e)
		if err = p.Start(ctx, caps); err != nil {
			return fmt.Errorf("starting participant: %w", err)
		}
		defer func(p participant) {
			if err := p.Stop(context.Background(), caps); err != nil {
				logger.Info(logkeys.Message, "stopping participant", logkeys.Error, err)
			}
		}(p)
	}
	if err = e.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer e.Stop(context.Background())

	// cloud mapper integration
	var reporter mapper.Reporter = mapper.ReporterFunc(func(_ context.Context, r *mapper.Report) error {
		logger.Debug(logkeys.Message, "command state", logkeys.CommandID, r.CommandID, logkeys.Status, r.Status)
		return nil
	})
	if cfg.callback != "" {
		reporter = mapper.NewHTTPReporter(cfg.callback, mapper.WithReporterLogger(logger.With("service", "reporter")))
	}
	if cfg.dumpWH {
		reporter = mapper.NewReportDumper(reporter, os.Stdout)
	}
	proxy := mapper.NewProxy(e, reporter, mapper.WithLogger(logger.With("service", "mapper")))
	defer proxy.Close()

	// configure the workflow engine worker (async runner/job)
	if cfg.worker > 0 {
		wOpts := []engine.WorkerOption{
			engine.WithWorkerLogger(logger.With("service", "engine worker")),
			engine.WithWorkerDuration(cfg.worker),
			engine.WithWorkerRoot(cfg.root),
			engine.WithWorkerMetrics(metrics),
		}
		if cfg.callback != "" {
			wOpts = append(wOpts, engine.WithStuckNotifier(&mapper.StuckReporter{Reporter: reporter}))
		}
		eWorker := engine.NewWorker(storage.engine, b, wOpts...)
		go func() {
			err := eWorker.Run(ctx)
			logs := []interface{}{logkeys.Message, "engine worker stopped"}
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Info(append(logs, logkeys.Error, err)...)
				return
			}
			logger.Debug(logs...)
		}()
	}

	hp := health.NewPublisher(b, engine.ServiceID,
		health.WithRoot(cfg.root),
		health.WithLogger(logger.With("service", "health")),
	)
	if err = hp.Start(ctx); err != nil {
		return err
	}
	defer hp.Stop(context.Background())

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}), "GET")
	healthHandler := health.NewHandler(b, cfg.maxGo)
	mux.Handle("/live", healthHandler, "GET")
	mux.Handle("/ready", healthHandler, "GET")

	// the file transfer service is used by local participants and
	// child devices without credentials.
	fthttp.HandleFiles("/"+cfg.root+"/v1/files", mux, logger, storage.files)

	if cfg.apiKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, cfg.apiKey, apiRealm)
			})

			var h http.Handler = mapper.WebhookHandler(proxy, logger.With("handler", "webhook"))
			if cfg.dumpWH {
				h = httpcmd.DumpHandler(h, os.Stdout)
			}
			mux.Handle("/webhook", h, "POST")

			enginehttp.HandleAPIv1("/v1", mux, logger, e, caps, registry)
		})
	}

	srv := &http.Server{
		Addr:    cfg.listen,
		Handler: trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info(logkeys.Message, "starting server", "listen", cfg.listen)
	err = srv.ListenAndServe()
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Info(append(logs, logkeys.Error, err)...)
		return err
	}
	logger.Info(logs...)
	return nil
}

// newTraceID generates a new HTTP trace ID for context logging.
// Currently this just makes a random string.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
