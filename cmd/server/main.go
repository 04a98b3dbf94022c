package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jrsteele09/go-grant-server/audit"
	"github.com/jrsteele09/go-grant-server/auth"
	"github.com/jrsteele09/go-grant-server/backchannel"
	bcredis "github.com/jrsteele09/go-grant-server/backchannel/redisstore"
	fakeclientrepo "github.com/jrsteele09/go-grant-server/clients/fakerepo"
	"github.com/jrsteele09/go-grant-server/consent"
	consentredis "github.com/jrsteele09/go-grant-server/consent/redisstore"
	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/grant/pgstore"
	grantredis "github.com/jrsteele09/go-grant-server/grant/redisstore"
	"github.com/jrsteele09/go-grant-server/internal/config"
	"github.com/jrsteele09/go-grant-server/metrics"
	"github.com/jrsteele09/go-grant-server/par"
	parredis "github.com/jrsteele09/go-grant-server/par/redisstore"
	"github.com/jrsteele09/go-grant-server/server"
	"github.com/jrsteele09/go-grant-server/server/authflowrepo"
	"github.com/jrsteele09/go-grant-server/sessions"
	sessionredis "github.com/jrsteele09/go-grant-server/sessions/redisstore"
	"github.com/jrsteele09/go-grant-server/token"
	"github.com/jrsteele09/go-grant-server/token/keys"
	fakeuserrepo "github.com/jrsteele09/go-grant-server/users/repofake"
)

const (
	auditQueueSize  = 1024
	shutdownTimeout = 5 * time.Second
	startupTimeout  = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Error running server")
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	configureLogging(c)
	displayAppname(c.GetAppName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, c)
	if err != nil {
		return err
	}
	defer st.close()

	ks, err := keys.LoadOrGenerate(c.GetSigningKeyFile())
	if err != nil {
		return fmt.Errorf("signing keys: %w", err)
	}

	userRepo := fakeuserrepo.NewFakeUserRepo()
	clientRepo := fakeclientrepo.NewFakeClientRepo()
	repos := auth.Repos{
		Users:    userRepo,
		Clients:  clientRepo,
		Sessions: st.sessions,
		Grants:   st.grants,
		Consents: st.consents,
	}

	tokens := token.NewFactory(ks, clientRepo, auth.TokenConfigFromConfig(c), token.WithUserRepo(userRepo))
	publisher := audit.NewPublisher(auditQueueSize)
	worker := audit.NewWorker(audit.NewZerologSink(log.Logger), publisher.Inbox())

	authService, err := auth.NewAuthorizationService(repos, tokens, ks, auth.PolicyFromConfig(c),
		auth.WithBackchannel(backchannel.NewService(st.backchannel, auth.BackchannelConfigFromConfig(c))),
		auth.WithAuditLogger(publisher),
		auth.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		auth.WithPushedRequestStore(st.pushed),
	)
	if err != nil {
		return fmt.Errorf("authorization service: %w", err)
	}

	handler, err := server.New(c, repos, authService, ks, st.flows)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              c.GetPort(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := worker.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return listenAndServe(httpServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(httpServer)
	})
	return g.Wait()
}

func configureLogging(c config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.GetLogLevel()))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// stores holds the persistence chosen by STORAGE_BACKEND.
type stores struct {
	grants      grant.Store
	sessions    sessions.Repo
	consents    consent.Store
	backchannel backchannel.Store
	pushed      par.Store
	flows       authflowrepo.Repo
	closers     []func() error
}

func (s *stores) close() {
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			log.Err(err).Msg("failed to close store")
		}
	}
}

func openStores(ctx context.Context, c config.Config) (*stores, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	st := &stores{
		grants:      grant.NewInMemoryStore(),
		sessions:    sessions.NewInMemoryRepo(),
		consents:    consent.NewInMemoryStore(),
		backchannel: backchannel.NewInMemoryStore(),
		pushed:      par.NewInMemoryStore(),
		flows:       authflowrepo.NewInMemoryRepo(),
	}

	backend := c.GetStorageBackend()
	switch backend {
	case config.StorageMemory:
		log.Warn().Msg("Using in-memory storage, state is lost on restart")
		return st, nil

	case config.StorageRedis:
		client, err := openRedis(ctx, c.GetRedisURL())
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, client.Close)
		st.useRedis(client, c)
		st.grants = grantredis.New(client, c.GetRedisKeyPrefix())

	case config.StoragePostgres:
		db, err := openPostgres(ctx, c.GetDatabaseURL())
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		grants := pgstore.New(db)
		if err := grants.Migrate(ctx); err != nil {
			st.close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		st.grants = grants

		// Interaction state stays in memory unless Redis is configured explicitly.
		if os.Getenv("REDIS_URL") != "" {
			client, err := openRedis(ctx, c.GetRedisURL())
			if err != nil {
				st.close()
				return nil, err
			}
			st.closers = append(st.closers, client.Close)
			st.useRedis(client, c)
		}

	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", backend)
	}

	log.Info().Str("backend", backend).Msg("Storage ready")
	return st, nil
}

func (s *stores) useRedis(client redis.UniversalClient, c config.Config) {
	prefix := c.GetRedisKeyPrefix()
	s.sessions = sessionredis.New(client, prefix)
	s.consents = consentredis.New(client, prefix)
	s.backchannel = bcredis.New(client, prefix)
	s.pushed = parredis.New(client, prefix)
	s.flows = authflowrepo.NewRedisRepo(client, prefix, authflowrepo.DefaultLifetime)
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres backend")
	}
	db, err := pgstore.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return db, nil
}

func listenAndServe(server *http.Server) error {
	log.Info().Msgf("Server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
