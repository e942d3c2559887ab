package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/deskflow/helpdesk/internal/config"
	"github.com/deskflow/helpdesk/internal/coordinator"
	"github.com/deskflow/helpdesk/internal/observability"
	"github.com/deskflow/helpdesk/internal/persistence"
	"github.com/deskflow/helpdesk/internal/session"
	"github.com/deskflow/helpdesk/internal/store"
	"github.com/deskflow/helpdesk/internal/transport"
)

// runtime is the client stack built for one command invocation.
type runtime struct {
	logger      *zap.Logger
	session     *session.SessionContext
	client      *transport.Client
	coordinator *coordinator.Coordinator
	store       *store.Store
	redis       *persistence.Redis
}

func newRuntime(opts *RootOptions) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.BaseURL != "" {
		cfg.Client.BaseURL = opts.BaseURL
	}
	if opts.Token != "" {
		cfg.Client.Token = opts.Token
	}

	logger := zap.NewNop()
	if opts.Verbose {
		logger, err = observability.NewLogger(config.LoggerConfig{Level: "debug"})
		if err != nil {
			return nil, err
		}
	}

	sess := session.New()
	if cfg.Client.Token != "" {
		if err := sess.InitFromToken(cfg.Client.Token); err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
	}

	client, err := transport.New(transport.Config{
		BaseURL:            cfg.Client.BaseURL,
		Timeout:            cfg.Client.RequestTimeout(),
		MaxRetries:         cfg.Client.MaxRetries,
		MaxAttachmentBytes: cfg.Client.MaxAttachmentBytes,
		MaxFiles:           cfg.Storage.MaxFilesPerRequest,
		Logger:             logger,
		Session:            sess,
	})
	if err != nil {
		return nil, err
	}

	rt := &runtime{logger: logger, session: sess, client: client}

	var cache coordinator.Cache
	if cfg.Redis.Enabled {
		rt.redis = persistence.NewRedis(cfg.Redis, logger)
		cache = coordinator.NewRedisCache(rt.redis.Client, "", cfg.Client.CacheTTL(), cfg.Client.CacheMaxEntries)
	} else {
		cache = coordinator.NewMemoryCache(cfg.Client.CacheTTL(), cfg.Client.CacheMaxEntries)
	}
	rt.coordinator = coordinator.New(client, coordinator.Options{Cache: cache, Logger: logger})
	rt.store = store.New(store.Dependencies{
		Requester: rt.coordinator,
		Session:   sess,
		Logger:    logger,
	})
	return rt, nil
}

// Close aborts in-flight calls. A shared Redis cache is left intact for
// the next invocation.
func (r *runtime) Close() {
	r.coordinator.CancelAll()
	r.redis.Close()
	_ = r.logger.Sync()
}

func withRuntime(ctx context.Context, opts *RootOptions, fn func(context.Context, *runtime) error) error {
	rt, err := newRuntime(opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}
