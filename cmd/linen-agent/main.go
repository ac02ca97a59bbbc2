package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrej220/linen/internal/agent"
	"github.com/andrej220/linen/internal/runner"
	"github.com/andrej220/linen/internal/serverutil"
	"github.com/andrej220/linen/pkg/config"
	"github.com/andrej220/linen/pkg/config/filestore"
	"github.com/andrej220/linen/pkg/consumer"
	"github.com/andrej220/linen/pkg/executor"
	"github.com/andrej220/linen/pkg/lg"
	"github.com/andrej220/linen/pkg/noderegistry"
	"github.com/andrej220/linen/pkg/persistence"
	"github.com/andrej220/linen/pkg/producer"
	dm "github.com/andrej220/linen/pkg/shared-models"
	"github.com/andrej220/linen/pkg/sshconn"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

func main() {
	logCfg, args := lg.NewConfigFromFlags(config.DefaultServiceName, os.Args[1:])
	fs := flag.NewFlagSet(config.DefaultServiceName, flag.ExitOnError)
	configPath := fs.String("config", "linen-agent.yaml", "path to the agent configuration")
	mongoURI := fs.String("config-mongo-uri", "", "load the agent configuration from MongoDB instead of -config")
	mongoDB := fs.String("config-mongo-db", "linen", "MongoDB database holding the configuration")
	mongoColl := fs.String("config-mongo-coll", "configs", "MongoDB collection holding the configuration")
	fs.Parse(args)

	bootLogger := lg.New(logCfg)
	storeType, storeCfg := config.FileStore, any(&config.FileConfig{Path: *configPath})
	if *mongoURI != "" {
		storeType = config.MongoStore
		storeCfg = &config.MongoConfig{URI: *mongoURI, DBName: *mongoDB, CollName: *mongoColl, ID: config.DefaultServiceName}
	}
	store, err := config.NewStore(storeType, storeCfg)
	if err != nil {
		lg.Exit(bootLogger, "config store", lg.Err(err))
	}
	cfg, err := config.LoadAgentConfig(store)
	if err != nil {
		lg.Exit(bootLogger, "load config", lg.Err(err))
	}
	if logCfg.Debug {
		cfg.Log.Debug = true
	}
	logger := lg.New(&cfg.Log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		lg.Exit(logger, "agent stopped", lg.Err(err))
	}
	logger.Info("agent stopped")
}

func run(ctx context.Context, cfg *config.AgentConfig, logger lg.Logger) error {
	metrics, err := noderegistry.NewMetrics()
	if err != nil {
		return err
	}
	registry := noderegistry.New[executor.Executor](
		noderegistry.WithLogger(logger),
		noderegistry.WithMetrics(metrics),
		noderegistry.WithCreateTimeout(cfg.RunTimeout),
	)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn("closing connections", lg.Err(err))
		}
	}()

	invStore := filestore.New(cfg.Inventory.Path, filestore.WithLogger(logger))
	inv, err := config.LoadInventory(invStore)
	if err != nil {
		return err
	}

	sink, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	dialer := sshconn.NewDialer(cfg.SSH, logger)
	rn := runner.New(registry, inv, runner.Drivers{
		config.DriverSSH: executor.Adapt(dialer.Create),
	}, sink, logger)

	stopWatch, err := invStore.Watch(func() {
		next, err := config.LoadInventory(invStore)
		if err != nil {
			logger.Error("reload inventory", lg.Err(err))
			return
		}
		rn.Reload(next)
	})
	if err != nil {
		return err
	}
	defer stopWatch()

	requests := consumer.NewConsumer[dm.Request](consumer.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.RequestTopic,
		GroupID: cfg.Kafka.GroupID,
	})
	defer requests.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agent.New(requests, rn.Execute, cfg.Workers, cfg.RunTimeout, logger).Consume(ctx)
	})
	g.Go(func() error {
		server := serverutil.DefaultServerConfig()
		server.Port = cfg.Service.AdminPort
		server.WriteTimeout = cfg.RunTimeout + server.WriteTimeout
		return serverutil.RunServer(ctx, serverutil.NewAdminHandler(registry, rn.Execute, cfg.RunTimeout), server, logger)
	})
	return g.Wait()
}

// buildSinks wires every configured result destination into one sink.
func buildSinks(ctx context.Context, cfg *config.AgentConfig, logger lg.Logger) (runner.Sink, func(), error) {
	var sinks persistence.MultiSink
	var closers []func()

	if cfg.Results.Dir != "" {
		sinks = append(sinks, persistence.NewJSONFileSink(cfg.Results.Dir))
	}
	if cfg.Results.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Results.MongoURI))
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		coll := client.Database(cfg.Results.DBName).Collection(cfg.Results.Collection)
		sinks = append(sinks, persistence.NewMongoSink(coll))
		closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
	}
	if cfg.Kafka.ResultTopic != "" {
		prod := producer.NewProducer[dm.Result](producer.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.ResultTopic,
		}, func(r dm.Result) []byte { return []byte(r.Key()) }, logger)
		sinks = append(sinks, persistence.SinkFunc(prod.Publish))
		closers = append(closers, func() { _ = prod.Close() })
	}
	if len(sinks) == 0 {
		logger.Warn("no result sink configured, results are only logged")
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
