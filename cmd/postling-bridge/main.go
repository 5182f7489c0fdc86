// Command postling-bridge runs one endpoint over AMQP and exposes its peer over
// HTTP.
//
//	postling-bridge -config bridge.toml
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"postling/codec"
	"postling/config"
	"postling/endpoint"
	"postling/gateway"
	"postling/idgen"
	"postling/logging"
	"postling/message"
	"postling/middleware"
	"postling/registry"
	"postling/transport"
)

func main() {
	path := flag.String("config", envOr("POSTLING_CONFIG", "postling.toml"), "path to the TOML config")
	flag.Parse()

	fx.New(
		fx.Supply(configPath(*path)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideRegistry,
			provideChannel,
			provideDirectory,
			provideEndpoint,
			provideRouter,
		),
		fx.Invoke(exposeBuiltins, watchPeer, registerServer),
	).Run()
}

type configPath string

func provideConfig(p configPath) (config.Config, error) {
	return config.Load(string(p))
}

func provideLogger(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Dir: cfg.Log.Dir, File: cfg.Log.File})
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("endpoint", cfg.Endpoint.Name))
	lc.Append(fx.StopHook(func() { _ = logger.Sync() }))
	return logger, nil
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func provideChannel(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*transport.AMQPChannel, error) {
	ch, err := transport.DialAMQP(transport.AMQPConfig{
		URL:      cfg.AMQP.URL,
		Exchange: cfg.AMQP.Exchange,
		Inbound:  cfg.AMQP.Inbound,
		Outbound: cfg.AMQP.Outbound,
		Origin:   cfg.AMQP.Origin,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("amqp channel open", zap.String("exchange", cfg.AMQP.Exchange), zap.String("inbound", cfg.AMQP.Inbound))
	lc.Append(fx.StopHook(ch.Close))
	return ch, nil
}

// provideDirectory returns nil when no etcd endpoints are configured.
func provideDirectory(lc fx.Lifecycle, cfg config.Config) (registry.Directory, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return nil, nil
	}
	var opts []registry.EtcdOption
	if cfg.Etcd.Prefix != "" {
		opts = append(opts, registry.WithKeyPrefix(cfg.Etcd.Prefix))
	}
	if cfg.Etcd.TTL > 0 {
		opts = append(opts, registry.WithTTL(cfg.Etcd.TTL))
	}
	dir, err := registry.NewEtcdDirectory(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout.D(), opts...)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(dir.Close))
	return dir, nil
}

type endpointDeps struct {
	fx.In

	Config    config.Config
	Channel   *transport.AMQPChannel
	Directory registry.Directory
	Logger    *zap.Logger
	Registry  *prometheus.Registry
}

func provideEndpoint(lc fx.Lifecycle, d endpointDeps) (*endpoint.Endpoint, error) {
	ct, err := codec.ParseType(d.Config.Endpoint.Codec)
	if err != nil {
		return nil, err
	}
	ids, _ := idgen.ByName(d.Config.Endpoint.IDs)

	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(d.Logger),
		middleware.MetricsMiddleware(middleware.NewMetrics(d.Registry)),
	}
	if rl := d.Config.RateLimit; rl.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(rl.Rate, rl.Burst))
	}
	if t := d.Config.Endpoint.MethodTimeout.D(); t > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(t))
	}

	cfg := endpoint.Config{
		Source:      d.Channel,
		Target:      d.Channel,
		Origin:      d.Config.Endpoint.Origin,
		Codec:       ct,
		IDs:         ids,
		Logger:      d.Logger,
		Middlewares: mws,
		CallTimeout: d.Config.Endpoint.CallTimeout.D(),
		Directory:   d.Directory,
		Name:        d.Config.Endpoint.Name,
	}
	ep, err := endpoint.New(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(ep.Close))
	return ep, nil
}

// exposeBuiltins gives the peer something to probe the bridge with.
func exposeBuiltins(ep *endpoint.Endpoint, logger *zap.Logger) {
	started := time.Now()
	call := ep.ExposeMethods(map[string]registry.Method{
		"ping": func(context.Context, message.Args) (any, error) { return "pong", nil },
		"uptime": func(context.Context, message.Args) (any, error) {
			return time.Since(started).Round(time.Second).String(), nil
		},
	})
	go func() {
		<-call.Done
		if call.Error != nil {
			logger.Warn("method announcement failed", zap.Error(call.Error))
			return
		}
		logger.Info("methods announced", zap.Strings("methods", ep.Methods()))
	}()
}

// watchPeer logs the peer's published method list as it changes.
func watchPeer(lc fx.Lifecycle, cfg config.Config, dir registry.Directory, logger *zap.Logger) {
	if dir == nil || cfg.Endpoint.Peer == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				for names := range dir.Watch(ctx, cfg.Endpoint.Peer) {
					logger.Info("peer methods changed", zap.String("peer", cfg.Endpoint.Peer), zap.Strings("methods", names))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func provideRouter(cfg config.Config, ep *endpoint.Endpoint, reg *prometheus.Registry, logger *zap.Logger) http.Handler {
	return gateway.NewRouter(ep, gateway.Options{
		InvokeTimeout: cfg.Endpoint.CallTimeout.D(),
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:        logger,
	})
}

func registerServer(lc fx.Lifecycle, cfg config.Config, h http.Handler, logger *zap.Logger) {
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("gateway starting", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("gateway failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("gateway stopping")
			return srv.Shutdown(ctx)
		},
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
