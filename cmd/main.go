package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"targetdialer/internal/auth"
	"targetdialer/internal/config"
	"targetdialer/internal/handler"
	"targetdialer/internal/logger"
	"targetdialer/internal/repository"
	"targetdialer/internal/service"
	"targetdialer/internal/service/s3"
)

const shutdownTimeout = 30 * time.Second

func connectWithRetry(cfg config.DatabaseConfig, maxAttempts int, delay time.Duration, log *logger.Logger) (*sqlx.DB, error) {
	// Connect to the maintenance database first so a fresh server gets our database created.
	admin := cfg
	admin.Name = "postgres"
	pgDB, err := sqlx.Connect("postgres", admin.GetDSN())
	if err != nil {
		log.Warn("maintenance database unavailable, skipping existence check", "error", err)
	} else {
		var exists bool
		err = pgDB.Get(&exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", cfg.Name)
		if err == nil && !exists {
			log.Info("database does not exist, creating", "database", cfg.Name)
			if _, err := pgDB.Exec(fmt.Sprintf("CREATE DATABASE %q", cfg.Name)); err != nil {
				pgDB.Close()
				return nil, fmt.Errorf("failed to create database: %w", err)
			}
		}
		pgDB.Close()
	}

	var db *sqlx.DB
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", cfg.GetDSN())
		if err == nil {
			return db, nil
		}

		log.Warn("failed to connect to database", "attempt", i+1, "max_attempts", maxAttempts, "error", err)
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, err)
}

func runMigrations(cfg *config.Config, log *logger.Logger) error {
	var m *migrate.Migrate
	var err error

	for i := 0; i < 5; i++ {
		m, err = migrate.New("file://"+cfg.Database.MigrationsPath, cfg.Database.GetURL())
		if err == nil {
			break
		}
		log.Warn("failed to create migrate instance", "attempt", i+1, "error", err)
		time.Sleep(time.Second * 5)
	}

	if err != nil {
		return fmt.Errorf("failed to create migrate instance after retries: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.Warn("found dirty database state, forcing version", "version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// newStateStore keeps OAuth state in Redis when it is configured so that several replicas
// can share the login round trip. Otherwise state lives in process memory.
func newStateStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (auth.StateStore, func(), error) {
	if cfg.Redis.Addr == "" {
		store := auth.NewMemoryStateStore(cfg.Security.StateTTL)
		return store, store.Stop, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
	}
	log.Info("oauth state stored in redis", "addr", cfg.Redis.Addr)
	return auth.NewRedisStateStore(client, handler.ServiceName, cfg.Security.StateTTL), func() { client.Close() }, nil
}

func newArchiveService(ctx context.Context, cfg *config.Config, meetings *repository.MeetingRepository, transcripts *repository.TranscriptRepository, log *logger.Logger) (*service.ArchiveService, error) {
	s3Config, err := s3.NewConfig(cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}
	if s3Config == nil {
		log.Info("object storage not configured, transcript archiving disabled")
		return nil, nil
	}

	s3Client, err := s3.NewClient(ctx, s3Config)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return service.NewArchiveService(meetings, transcripts, s3Client, cfg.S3.Prefix, log), nil
}

func main() {
	// Production injects the environment directly.
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	appConfig, err := config.NewConfig(".app.env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.New(appConfig.Server.Mode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLog.Sync()

	if err := run(appConfig, appLog); err != nil {
		appLog.Fatal("server stopped with error", "error", err)
	}
	appLog.Info("server exited properly")
}

func run(appConfig *config.Config, appLog *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := connectWithRetry(appConfig.Database, 5, time.Second*5, appLog)
	if err != nil {
		return fmt.Errorf("failed to connect to database after retries: %w", err)
	}
	defer db.Close()

	if err := runMigrations(appConfig, appLog); err != nil {
		return err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	cipher, err := auth.NewTokenCipher(appConfig.Security.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to create token cipher: %w", err)
	}
	google, err := auth.NewGoogleProvider(appConfig.Google)
	if err != nil {
		return fmt.Errorf("failed to create google provider: %w", err)
	}
	states, closeStates, err := newStateStore(ctx, appConfig, appLog)
	if err != nil {
		return err
	}
	defer closeStates()

	// Repositories
	identityRepo := repository.NewIdentityRepository(db)
	ledgerRepo := repository.NewAppUserRepository(db)
	calendarRepo := repository.NewCalendarSubscriptionRepository(db)
	meetingRepo := repository.NewMeetingRepository(db)
	transcriptRepo := repository.NewTranscriptRepository(db)

	// Services
	signInService := service.NewSignInService(identityRepo, ledgerRepo, cipher, appConfig.Security.SessionMaxAge, appLog)
	sessionService := service.NewSessionService(identityRepo, ledgerRepo, appConfig.Security.SessionMaxAge, appConfig.Security.SessionUpdateAge, appLog)
	ledgerService := service.NewLedgerService(ledgerRepo, appLog)
	meetingService := service.NewMeetingService(meetingRepo, transcriptRepo, appLog)
	calendarService := service.NewCalendarService(calendarRepo, appLog)
	archiveService, err := newArchiveService(ctx, appConfig, meetingRepo, transcriptRepo, appLog)
	if err != nil {
		return err
	}
	reconciler := service.NewReconciliationService(
		identityRepo,
		transcriptRepo,
		calendarService,
		archiveService,
		appConfig.Sweep.OrphanGracePeriod,
		appConfig.Sweep.ArchiveBatchSize,
		appLog,
	)

	// HTTP
	cookies := auth.Cookies{Secure: appConfig.Server.CookieSecure || appConfig.IsProduction()}
	router := handler.NewRouter(
		handler.RouterConfig{
			AllowedOrigins: appConfig.Server.AllowedOrigins,
			IngestToken:    appConfig.Security.IngestToken,
		},
		handler.Handlers{
			Auth:      handler.NewAuthHandler(signInService, google, states, sessionService, cookies, appLog),
			API:       handler.NewAPIHandler(meetingService, ledgerService, appLog),
			Ingest:    handler.NewIngestHandler(meetingService, calendarService, appLog),
			Health:    handler.NewHealthHandler(db, appLog),
			Dashboard: handler.NewDashboardHandler(meetingService, appLog),
		},
		sessionService,
		cookies,
		appLog,
	)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.IngestTokenInterceptor(appConfig.Security.IngestToken, appLog)))
	handler.RegisterIngestServer(grpcServer, handler.NewIngestGRPCHandler(meetingService, appLog))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.IngestServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", appConfig.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLog.Info("starting gRPC server", "port", appConfig.Server.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("failed to serve gRPC: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		appLog.Info("starting HTTP server", "port", appConfig.Server.Port, "base_url", appConfig.Server.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return reconciler.Run(gctx, appConfig.Sweep.Interval)
	})

	g.Go(func() error {
		<-gctx.Done()
		appLog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLog.Error("HTTP server forced to shutdown", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}
