package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ias/internal/bus"
	"ias/internal/bus/kafka"
	"ias/internal/bus/memory"
	"ias/internal/configstore"
	"ias/internal/configstore/inmemory"
	"ias/internal/configstore/yamlfile"
	"ias/internal/du"
	"ias/internal/heartbeat"
	"ias/internal/metrics"
	"ias/internal/supervisor"
)

const (
	exitOK = iota
	exitUsage
	exitConfig
	exitBus
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("supervisor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var jcdb string
	fs.StringVar(&jcdb, "j", "", "path to a jcdb YAML configuration file")
	fs.StringVar(&jcdb, "jcdb", "", "path to a jcdb YAML configuration file")

	var logLevel string
	fs.StringVar(&logLevel, "x", "INFO", "log level (TRACE|DEBUG|INFO|WARN|ERROR)")
	fs.StringVar(&logLevel, "logLevel", "INFO", "log level (TRACE|DEBUG|INFO|WARN|ERROR)")

	var help bool
	fs.BoolVar(&help, "h", false, "print usage")
	fs.BoolVar(&help, "help", false, "print usage")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-j|--jcdb path] [-x|--logLevel level] <supervisor-id>\n", fs.Name())
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if help {
		fs.Usage()
		return exitOK
	}

	supervisorID := fs.Arg(0)
	if supervisorID == "" {
		fmt.Fprintln(os.Stderr, "supervisor id is required")
		fs.Usage()
		return exitUsage
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(normalizeLevel(logLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})

	reader, err := loadConfig(jcdb, logger)
	if err != nil {
		logger.WithError(err).Error("failed to load configuration")
		return exitConfig
	}

	hostedDUIDs, err := reader.HostedDUIDs(supervisorID)
	if err != nil {
		logger.WithError(err).WithField("supervisor_id", supervisorID).Error("failed to resolve hosted distributed units")
		return exitConfig
	}

	pubsub, err := buildBus(reader.BusConfig(), logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to bus")
		return exitBus
	}

	fullRunningID := "full-" + supervisorID + "-heartbeat"
	var sup *supervisor.Supervisor
	hb := heartbeat.New(supervisorID, fullRunningID, func() []string {
		if sup == nil {
			return nil
		}
		return sup.HostedDUIDs()
	}, pubsub, logger)

	opts := []supervisor.Option{supervisor.WithLogger(logger)}
	if d, ok := envDuration("AUTO_SEND_PERIOD", time.Second); ok {
		opts = append(opts, supervisor.WithAutoRefreshInterval(d))
	}
	if d, ok := envDuration("TOLERANCE", time.Second); ok {
		opts = append(opts, supervisor.WithTolerance(d))
	}

	metricsServer := metrics.NewServer(":9090", logger)
	opts = append(opts, supervisor.WithMetricsServer(metricsServer))

	var duOpts []du.Option
	if d, ok := envDuration("THROTTLING_MIN_INTERVAL_MS", time.Millisecond); ok {
		duOpts = append(duOpts, du.WithThrottle(d))
	}

	sup, err = supervisor.New(supervisorID, pubsub, pubsub, hb, reader, supervisor.DefaultDUFactory(duOpts...), opts...)
	if err != nil {
		logger.WithError(err).Error("failed to build supervisor")
		return exitConfig
	}
	if err := sup.Setup(hostedDUIDs); err != nil {
		logger.WithError(err).Error("failed to set up hosted distributed units")
		return exitConfig
	}

	if statsPeriodMin, ok := envDuration("STATS_PERIOD_MIN", time.Minute); ok {
		go logSupervisorStats(sup, statsPeriodMin, logger)
	}

	if err := sup.Run(context.Background()); err != nil {
		logger.WithError(err).Error("supervisor exited with error")
		return exitBus
	}
	return exitOK
}

func normalizeLevel(level string) string {
	switch strings.ToUpper(level) {
	case "WARN":
		return "warning"
	default:
		return level
	}
}

func loadConfig(jcdb string, logger *logrus.Logger) (configstore.SupervisorReader, error) {
	if jcdb != "" {
		logger.WithField("path", jcdb).Info("loading jcdb configuration")
		return yamlfile.Load(jcdb)
	}
	logger.Warn("no -j/--jcdb path given, using empty default backend")
	return inmemory.New(nil), nil
}

func buildBus(cfg configstore.BusConfig, logger *logrus.Logger) (bus.PubSub, error) {
	brokers := cfg.Brokers
	if raw := os.Getenv("BROKERS"); raw != "" {
		brokers = strings.Split(raw, ",")
	}
	if len(brokers) == 0 {
		logger.Info("no brokers configured, using in-process memory bus")
		return memory.New(logger), nil
	}

	topic := cfg.ValuesTopic
	if topic == "" {
		topic = "ias-values"
	}
	return kafka.New(kafka.Config{
		Brokers:         brokers,
		Topic:           topic,
		ConsumerGroupID: "ias-supervisors",
	}, logger)
}

// logSupervisorStats periodically logs the supervisor's activity
// counters, grounded on statssink.Logrus.LogPeriodically's ticker loop.
// It runs for the life of the process; main does not join it on
// shutdown since there is nothing left to flush.
func logSupervisorStats(sup *supervisor.Supervisor, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		snap := sup.Stats()
		logger.WithFields(logrus.Fields{
			"total_inputs_received": snap.TotalInputsReceived,
			"per_du_inputs":         snap.PerDUInputsReceived,
		}).Info("supervisor stats")
	}
}

func envDuration(name string, unit time.Duration) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * unit, true
}
