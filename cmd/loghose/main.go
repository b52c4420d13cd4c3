package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/loghose/loghose/go/hose"
	"github.com/loghose/loghose/go/logplan"
	"github.com/loghose/loghose/go/ops"
	"github.com/loghose/loghose/go/store/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"
)

const iniFilename = "loghose.ini"

// Config is the top-level configuration object of a loghose gateway.
var Config = new(struct {
	Hose hose.Config `group:"Pipeline"`

	Serve struct {
		Port        string `long:"port" env:"LOGHOSE_PORT" default:"8080" description:"Port of the logged HTTP listener"`
		MetricsPort string `long:"metrics-port" env:"LOGHOSE_METRICS_PORT" default:"9090" description:"Port of the prometheus metrics listener"`
		StorePath   string `long:"store" env:"LOGHOSE_STORE" default:"loghose.db" description:"Path of the SQLite log store (:memory: for in-memory)"`
		RedisAddr   string `long:"redis" env:"LOGHOSE_REDIS" description:"Redis address for diagnostics and dead-letter namespaces; empty uses in-process memory"`
		RoutesPath  string `long:"routes" env:"LOGHOSE_ROUTES" description:"Path of a JSON log route configuration array"`
	} `group:"Serve"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("loghose configuration")

	var db, err = sqlite.Open(Config.Serve.StorePath)
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}
	defer db.Close()

	var diagKV, deadKV ops.KV
	if addr := Config.Serve.RedisAddr; addr != "" {
		var kv = ops.NewRedisKV(addr)
		defer kv.Close()
		diagKV, deadKV = kv, kv
	} else {
		diagKV, deadKV = ops.NewMemoryKV(), ops.NewMemoryKV()
	}

	var routes []logplan.RouteConfig
	if path := Config.Serve.RoutesPath; path != "" {
		var doc []byte
		if doc, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("reading routes: %w", err)
		}
		if routes, err = logplan.ParseRoutes(doc); err != nil {
			return fmt.Errorf("parsing routes: %w", err)
		}
	}

	h, err := hose.New(Config.Hose, routes, hose.Deps{
		Store:   db,
		DiagKV:  diagKV,
		DeadKV:  deadKV,
		Metrics: ops.NewPromMetrics(Config.Hose.Colo),
		Env: map[string]interface{}{
			"LOG_HOSE_TABLE": Config.Hose.FirehoseTable,
			"LOG_HOSE_COLO":  Config.Hose.Colo,
			"VERSION":        mbp.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	var tasks = task.NewGroup(context.Background())
	h.QueueTasks(tasks)

	// Every request through the listener is logged by the middleware and
	// answered by a trivial echo handler.
	var echo = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		fmt.Fprintln(w, "ok")
	})
	queueServer(tasks, "listener", &http.Server{
		Addr:    ":" + Config.Serve.Port,
		Handler: h.Middleware(echo),
	})

	var metricsMux = http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	queueServer(tasks, "metrics", &http.Server{
		Addr:    ":" + Config.Serve.MetricsPort,
		Handler: metricsMux,
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})

	log.WithFields(log.Fields{
		"port":        Config.Serve.Port,
		"metricsPort": Config.Serve.MetricsPort,
	}).Info("starting loghose")
	tasks.GoRun()

	err = tasks.Wait()

	// Best-effort drain of buffered records before exit.
	h.Close(context.Background())

	if err != nil {
		return fmt.Errorf("task failed: %w", err)
	}
	log.Info("goodbye")
	return nil
}

// queueServer runs |srv| under |tasks|, shutting it down gracefully when
// the group is cancelled.
func queueServer(tasks *task.Group, name string, srv *http.Server) {
	tasks.Queue(name, func() error {
		var err = srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		tasks.Cancel()
		return err
	})
	tasks.Queue(name+".shutdown", func() error {
		<-tasks.Context().Done()
		return srv.Shutdown(context.Background())
	})
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the loghose gateway", `
Serve a loghose gateway with the provided configuration, until signaled
to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
