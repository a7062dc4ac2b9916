package dockerizer

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Entrypoint and process runtime
////////////////////////////////////////////////////////////////////////////////

// Runtime owns every long-lived client of the process. It is built once at
// startup and closed in reverse order on exit.
type Runtime struct {
	cfg      Config
	logger   *appLogger
	tracker  *errorTracker
	nats     *embeddedNATS
	nc       *nats.Conn
	js       jetstream.JetStream
	store    Store
	docker   *client.Client
	consumer jetstream.Consumer
	worker   *Worker
}

// Main parses flags, runs the worker until SIGINT or SIGTERM and exits non-zero
// on startup failure.
func Main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dockerizer: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("dockerizer", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML config file (default $"+configPathEnv+")")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := newAppLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	mainLog := logger.Source("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		mainLog.Errorf("startup: %v", err)
		return err
	}
	defer rt.Close()

	mainLog.Infof("NATS: %s", rt.nc.ConnectedUrlRedacted())
	mainLog.Infof("Store: %s", cfg.Store.Driver)
	mainLog.Infof("Image builder: %s", cfg.Builder.Mode)
	runWorkerLoop(ctx, rt.consumer, rt.worker, cfg.Queue, logger.Source("queue"))
	mainLog.Infof("shutting down")
	return nil
}

func newRuntime(ctx context.Context, cfg Config, logger *appLogger) (_ *Runtime, err error) {
	rt := &Runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if rt.tracker, err = newErrorTracker(cfg.Sentry); err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	if err = rt.connectNATS(); err != nil {
		return nil, err
	}
	if rt.store, err = openStore(ctx, cfg.Store, rt.js); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	artifacts := NewFSArtifacts(cfg.Builder.ArtifactsRoot)
	if err = os.MkdirAll(cfg.Builder.ArtifactsRoot, dirModePrivateRead); err != nil {
		return nil, fmt.Errorf("mkdir artifacts root: %w", err)
	}
	opts, err := registryOptions(cfg.Builder)
	if err != nil {
		return nil, err
	}
	buildpacks, err := NewRegistry(opts)
	if err != nil {
		return nil, fmt.Errorf("buildpacks: %w", err)
	}

	var publisher imagePusher
	var docker dockerAPI
	if cfg.Builder.Mode == imageBuilderModeArtifact {
		publisher = dryRunPublisher{log: logger.Source("publisher")}
	} else {
		if rt.docker, err = newDockerClient(); err != nil {
			return nil, err
		}
		docker = rt.docker
		publisher = NewPublisher(rt.docker, cfg.Registry, logger)
	}
	backend, err := newImageBuilderBackend(cfg.Builder, docker, artifacts)
	if err != nil {
		return nil, err
	}
	builder := NewImageBuilder(newGitCloner(cfg.Git), buildpacks, backend, artifacts, cfg, logger)

	var results resultStager
	if cfg.Storage.Endpoint != "" {
		storage, storageErr := NewMinIOStorage(cfg.Storage, logger)
		if storageErr != nil {
			return nil, fmt.Errorf("object storage: %w", storageErr)
		}
		results = storage
	}

	dispatcher := NewRunDispatcher(rt.store, newRoomStreams(rt.js), cfg, logger)
	rt.worker = NewWorker(rt.store, builder, publisher, results, dispatcher, rt.tracker, cfg, logger)
	if rt.consumer, err = ensureBuildQueue(ctx, rt.js, cfg.Queue); err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) connectNATS() error {
	url := rt.cfg.NATS.URL
	if rt.cfg.NATS.Embedded {
		ns, err := startEmbeddedNATS(resolveNATSStoreDir(rt.cfg.NATS.StoreDir))
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		rt.nats = ns
		url = ns.url
	}
	nc, err := nats.Connect(url, nats.Name("dockerizer"))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	rt.nc = nc
	if rt.js, err = jetstream.New(nc); err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	return nil
}

// openStore picks the record store. The SQL drivers share the web layer's
// database; kv keeps everything in JetStream.
func openStore(ctx context.Context, cfg StoreConfig, js jetstream.JetStream) (Store, error) {
	switch cfg.Driver {
	case storeDriverKV, "":
		kv, err := newKVStore(ctx, js)
		if err != nil {
			return nil, err
		}
		return kv, nil
	case storeDriverMySQL, storeDriverPostgres:
		db, err := openSQLStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func registryOptions(cfg BuilderConfig) (RegistryOptions, error) {
	policies := make(map[string]EntryPointPolicy, len(cfg.EntryPointPolicies))
	for name, raw := range cfg.EntryPointPolicies {
		policy, err := parseEntryPointPolicy(raw)
		if err != nil {
			return RegistryOptions{}, fmt.Errorf("entry point policy for %s: %w", name, err)
		}
		policies[name] = policy
	}
	return RegistryOptions{
		DefaultBuildpack:      cfg.DefaultBuildpack,
		CustomRunDefaultImage: cfg.CustomRunDefaultImage,
		EntryPointPolicies:    policies,
	}, nil
}

// Close releases everything newRuntime acquired. It is safe on a partially
// built runtime.
func (rt *Runtime) Close() {
	log := rt.logger.Source("main")
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			log.Warnf("store close error: %v", err)
		}
	}
	if rt.docker != nil {
		if err := rt.docker.Close(); err != nil {
			log.Warnf("docker client close error: %v", err)
		}
	}
	if rt.nc != nil {
		if err := rt.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Warnf("nats drain error: %v", err)
		}
	}
	rt.nats.Shutdown()
	rt.tracker.Flush()
}
