package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/weiawesome/wes-io-chat/internal/config"
	chatgrpc "github.com/weiawesome/wes-io-chat/internal/grpc"
	"github.com/weiawesome/wes-io-chat/internal/handler"
	"github.com/weiawesome/wes-io-chat/internal/history"
	"github.com/weiawesome/wes-io-chat/internal/hub"
	"github.com/weiawesome/wes-io-chat/internal/identity"
	"github.com/weiawesome/wes-io-chat/internal/idgen"
	"github.com/weiawesome/wes-io-chat/internal/membership"
	"github.com/weiawesome/wes-io-chat/internal/presence"
	"github.com/weiawesome/wes-io-chat/internal/relay"
	"github.com/weiawesome/wes-io-chat/internal/router"
	"github.com/weiawesome/wes-io-chat/internal/service"
	"github.com/weiawesome/wes-io-chat/internal/store"
	"github.com/weiawesome/wes-io-chat/pkg/database"
	"github.com/weiawesome/wes-io-chat/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/middleware"
	"github.com/weiawesome/wes-io-chat/pkg/pubsub"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize structured logger
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Driver).
		Str("relay", cfg.Relay.Driver).
		Msg("starting chat-server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Users and groups live in the SQL database regardless of the message store.
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	members := membership.NewRepository(db)
	if cfg.Storage.AutoMigrate {
		if err := members.Migrate(); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate membership tables")
		}
	}

	messages, err := openStore(cfg, db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open message store")
	}
	defer messages.Close()

	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token manager")
	}
	verifier := identity.NewVerifier(tokens)

	registry := hub.NewRegistry()

	g, gctx := errgroup.WithContext(ctx)

	// Cross-instance relay
	var bridge *relay.Bridge
	ps, err := pubsub.NewPubSub(cfg.Relay)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect relay")
	}
	if ps != nil {
		bridge = relay.NewBridge(ps, cfg.Instance.ID, registry)
		if err := bridge.Start(gctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start relay")
		}
		defer bridge.Close()
		g.Go(func() error {
			<-bridge.Done()
			if gctx.Err() == nil {
				logger.Warn().Msg("relay consumer stopped, cross-instance delivery disabled")
			}
			return nil
		})
	}

	// Presence
	var sinks []presence.Sink
	if cfg.Presence.PersistFlag {
		sinks = append(sinks, members)
	}
	var directory *presence.RedisDirectory
	if cfg.Redis.Enabled {
		directory, err = presence.NewRedisDirectory(cfg.Redis, cfg.Instance.ID)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect presence directory")
		}
		defer directory.Close()
		sinks = append(sinks, directory)
		g.Go(func() error {
			directory.Run(gctx)
			return nil
		})
	}

	presenceOpts := []presence.Option{
		presence.WithSinks(sinks...),
		presence.WithSinkTimeout(cfg.Presence.SinkTimeout),
	}
	var delivery router.Relay
	if bridge != nil {
		presenceOpts = append(presenceOpts, presence.WithPublisher(bridge))
		delivery = bridge
	}
	broadcaster := presence.NewBroadcaster(registry, presenceOpts...)
	g.Go(func() error {
		broadcaster.Run(gctx)
		return nil
	})

	// Routing and handshake
	rt := router.New(router.Config{
		MaxContentLength: cfg.Router.MaxContentLength,
	}, messages, members, registry, delivery)
	chatSvc := service.NewChatService(gctx, verifier, registry, rt, broadcaster)

	// gRPC health
	var grpcServer *chatgrpc.Server
	if cfg.GRPC.Enabled {
		grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		grpcServer, err = chatgrpc.StartGRPCServer(grpcAddr, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start grpc server")
		}
	}

	// HTTP: websocket on mux, REST on gin
	var dir handler.PresenceDirectory
	if directory != nil {
		dir = directory
	}
	wsHandler := handler.NewWSHandler(gctx, chatSvc, cfg.WebSocket)
	httpHandler := handler.NewHTTPHandler(
		history.NewService(messages, members, cfg.History.DefaultLimit, cfg.History.MaxLimit),
		registry,
		dir,
		middleware.NewAuthMiddleware(verifier),
	)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(pkglog.GinMiddleware(logger, "/health"))
	httpHandler.RegisterRoutes(engine)

	r := mux.NewRouter()
	wsRoutes := r.NewRoute().Subrouter()
	wsRoutes.Use(pkglog.HTTPMiddleware(logger))
	wsHandler.RegisterRoutes(wsRoutes)
	r.PathPrefix("/").Handler(engine)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("chat-server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down chat-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if grpcServer != nil {
			grpcServer.Stop()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("chat-server stopped with error")
		return
	}
	logger.Info().Msg("chat-server stopped")
}

// openStore selects the message store backend.
func openStore(cfg *config.Config, db *gorm.DB) (store.Gateway, error) {
	switch cfg.Storage.Driver {
	case "cassandra":
		ids, err := idgen.NewSnowflake(cfg.Instance.MachineID, idgen.DefaultEpoch)
		if err != nil {
			return nil, err
		}
		s, err := store.NewCassandraStore(cfg.Cassandra, ids)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.AutoMigrate {
			if err := s.Migrate(); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	default:
		s := store.NewGormStore(db)
		if cfg.Storage.AutoMigrate {
			if err := s.Migrate(); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
}
