package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqttcore/broker/internal/auth"
	"github.com/mqttcore/broker/internal/broker"
	"github.com/mqttcore/broker/internal/config"
	"github.com/mqttcore/broker/internal/logger"
	"github.com/mqttcore/broker/internal/persistence"
	"github.com/mqttcore/broker/internal/queue"
	"github.com/mqttcore/broker/internal/transport"
)

func gracefulShutdown(tcpServer *transport.TCPServer, cancel context.CancelFunc, done chan struct{}, log *logger.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("graceful shutdown triggered")

	defer cancel()
	if err := tcpServer.Stop(); err != nil {
		log.LogError(err, "error stopping listener")
	}
	time.Sleep(1 * time.Second)

	close(done)
}

// openSQLite opens (and creates, if absent) a sqlite3 database file at
// path, including any leading directory components.
func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return nil, err
	}
	return sql.Open("sqlite3", path)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func main() {
	log := logger.New(logger.DevelopmentConfig())
	logger.InitGlobalLogger(logger.DevelopmentConfig())

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Warn("failed to read config.yml, falling back to defaults", logger.ErrorAttr(err))
		cfg = config.Default()
	}

	done := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())

	brokerDB := broker.Open(broker.Config{
		AllowDuplicateMessages: cfg.Broker.AllowDuplicateMessages,
		QueueQoS0Messages:      cfg.Broker.QueueQoS0Messages,
		Limits: queue.Limits{
			MaxInflight: cfg.Broker.MaxInflight,
			MaxQueued:   cfg.Broker.MaxQueued,
		},
	})

	var authStore *auth.Store
	if cfg.Auth.Enabled {
		authDB, err := openSQLite(cfg.Auth.DBPath)
		if err != nil {
			log.Fatal("failed to open auth database", logger.ErrorAttr(err))
		}
		if err := auth.EnsureSchema(authDB); err != nil {
			log.Fatal("failed to prepare auth schema", logger.ErrorAttr(err))
		}
		authStore = auth.New(authDB)
	}

	var persistStore *persistence.Store
	if cfg.Broker.Persistence {
		persistDB, err := openSQLite(cfg.Broker.PersistenceFilepath)
		if err != nil {
			log.Fatal("failed to open persistence database", logger.ErrorAttr(err))
		}
		if err := persistence.EnsureSchema(persistDB); err != nil {
			log.Fatal("failed to prepare persistence schema", logger.ErrorAttr(err))
		}
		persistStore = persistence.New(persistDB)

		records, err := persistStore.Load()
		if err != nil {
			log.LogError(err, "failed to load retained messages")
		}
		for _, rec := range records {
			brokerDB.RestoreRetained(rec.SourceID, rec.SourceMid, rec.Topic, rec.QoS, rec.Payload, rec.StoreID)
		}
		log.Info("restored retained messages", logger.Int("count", len(records)))
	}

	metrics := broker.NewMetrics()

	srv := transport.New(cfg.Server.Port, brokerDB, authStore, metrics, log)
	srv.Configure(
		time.Duration(cfg.Broker.StoreCleanInterval),
		time.Duration(cfg.Broker.TimeoutCheckInterval),
		time.Duration(cfg.Broker.AckTimeoutSeconds)*time.Second,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogError(err, "metrics server error")
		}
	}()

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatal("server error", logger.ErrorAttr(err))
		}
	}()
	log.Info("server started", logger.String("port", cfg.Server.Port))

	go gracefulShutdown(srv, cancel, done, log)

	<-done

	if persistStore != nil {
		snapshot := brokerDB.RetainedSnapshot()
		records := make([]persistence.RetainedRecord, 0, len(snapshot))
		for _, msg := range snapshot {
			records = append(records, persistence.RetainedRecord{
				StoreID:   msg.DBID,
				SourceID:  msg.SourceID,
				SourceMid: msg.SourceMid,
				Topic:     msg.Topic,
				QoS:       msg.QoS,
				Payload:   msg.Payload,
			})
		}
		if err := persistStore.Save(records); err != nil {
			log.LogError(err, "failed to persist retained messages")
		}
	}

	_ = metricsSrv.Close()
	log.Info("graceful shutdown complete")
}
