package cmd

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/deskgate/internal/agent"
	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/channels"
	"github.com/nextlevelbuilder/deskgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/deskgate/internal/channels/webhook"
	"github.com/nextlevelbuilder/deskgate/internal/config"
	"github.com/nextlevelbuilder/deskgate/internal/conversation"
	"github.com/nextlevelbuilder/deskgate/internal/ingest"
	"github.com/nextlevelbuilder/deskgate/internal/locks"
	"github.com/nextlevelbuilder/deskgate/internal/precheck"
	"github.com/nextlevelbuilder/deskgate/internal/processor"
	"github.com/nextlevelbuilder/deskgate/internal/providers"
	"github.com/nextlevelbuilder/deskgate/internal/queue"
	"github.com/nextlevelbuilder/deskgate/internal/store"
	"github.com/nextlevelbuilder/deskgate/internal/store/file"
	"github.com/nextlevelbuilder/deskgate/internal/store/memory"
	"github.com/nextlevelbuilder/deskgate/internal/store/pg"
	redisstore "github.com/nextlevelbuilder/deskgate/internal/store/redis"
	"github.com/nextlevelbuilder/deskgate/internal/store/sqlite"
)

// app holds every long-lived component shared by the gateway and workers.
type app struct {
	cfg           *config.Config
	redis         *goredis.Client // nil without DESKGATE_REDIS_URL
	stores        *store.Stores
	queue         queue.Queue
	locker        locks.Locker
	conversations *conversation.Service
	gate          *precheck.Gate
	agents        *agent.Gateway
	channels      *channels.Manager
	loader        *channels.Loader
}

func newApp(cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Queue.RedisURL != "" {
		if a.redis, err = queue.NewRedisClient(cfg.Queue.RedisURL); err != nil {
			return nil, err
		}
	}

	if a.stores, err = buildStores(cfg, a.redis); err != nil {
		return nil, err
	}

	a.queue, err = queue.New(queue.Options{
		Backend:       cfg.Queue.Backend,
		RedisURL:      cfg.Queue.RedisURL,
		RabbitMQURL:   cfg.Queue.RabbitMQURL,
		BlockTimeout:  cfg.Queue.BlockTimeout.Std(),
		SweepBatch:    cfg.Queue.SweepBatch,
		DebounceTTL:   cfg.Queue.DebounceTTL.Std(),
		MaxAttempts:   cfg.Queue.MaxAttempts,
		PoisonToFinal: cfg.Queue.PoisonToFinal,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}

	if cfg.Lock.Backend == "redis" {
		a.locker = locks.NewRedisLocker(a.redis)
	} else {
		a.locker = locks.NewMemoryLocker()
	}

	a.conversations = conversation.NewService(a.stores.Conversations)

	rules := precheck.Rules{
		TransferKeywords:  cfg.Precheck.TransferKeywords,
		VIPDirectTransfer: cfg.Precheck.VIPDirectTransfer,
	}
	if cfg.Precheck.RulesFile != "" {
		if rules, err = precheck.LoadRules(cfg.Precheck.RulesFile); err != nil {
			return nil, err
		}
	}
	a.gate = precheck.NewGate(rules)

	a.agents = agent.NewGateway(cfg.Agent.Timeout.Std())
	a.agents.SetStreamTimeout(cfg.Agent.StreamTimeout.Std())
	for _, entry := range cfg.Agents {
		adapter, err := providers.New(entry.ProviderConfig(cfg.Agent.StreamTimeout))
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", entry.ID, err)
		}
		a.agents.RegisterAgent(entry.ID, adapter)
	}

	a.channels = channels.NewManager(a.stores.Messages)
	a.loader = channels.NewLoader(a.channels, a.agents)
	a.loader.RegisterFactory("webhook", webhook.New)
	a.loader.RegisterFactory("telegram", telegram.New)
	a.loader.LoadAll(cfg.ChannelConfigs())

	return a, nil
}

func buildStores(cfg *config.Config, rc *goredis.Client) (*store.Stores, error) {
	sc := store.StoreConfig{
		PostgresDSN:     cfg.Database.PostgresDSN,
		SQLitePath:      cfg.Database.SQLitePath,
		ConversationDir: cfg.Database.ConversationDir,
		RedisURL:        cfg.Queue.RedisURL,
	}

	var stores *store.Stores
	if cfg.IsManagedMode() {
		s, err := pg.NewPGStores(sc)
		if err != nil {
			return nil, err
		}
		stores = s
	} else {
		convs, err := file.NewConversationStore(sc.ConversationDir)
		if err != nil {
			return nil, err
		}
		stores = &store.Stores{Conversations: convs}
		if sc.SQLitePath != "" {
			log, err := sqlite.Open(sc.SQLitePath)
			if err != nil {
				return nil, err
			}
			stores.Messages = log
			stores.OnClose(log.Close)
		} else {
			stores.Messages = memory.NewMessageStore()
		}
	}

	if rc != nil {
		stores.Pending = redisstore.NewPendingStore(rc, cfg.Database.PendingTTL.Std())
		stores.OnPing("redis", func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	} else {
		stores.Pending = memory.NewPendingStore()
	}

	slog.Info("stores ready", "managed", cfg.IsManagedMode(), "sqlite", sc.SQLitePath != "", "redis_pending", rc != nil)
	return stores, nil
}

func (a *app) pipeline() *ingest.Pipeline {
	return ingest.NewPipeline(a.conversations, a.stores.Pending, a.queue, a.agents,
		ingest.Config{Delay: a.cfg.Queue.IngestDelay.Std()})
}

func (a *app) inputsWorker() *processor.Worker {
	notices := make(map[bus.EventType]string, len(a.cfg.Processor.Notices))
	for ev, text := range a.cfg.Processor.Notices {
		notices[bus.EventType(ev)] = text
	}
	proc := processor.New(processor.Deps{
		Pending:       a.stores.Pending,
		Messages:      a.stores.Messages,
		Conversations: a.conversations,
		Gate:          a.gate,
		Agents:        a.agents,
		Channels:      a.channels,
		Outputs:       a.queue,
	}, processor.Config{
		Notices:       notices,
		TransferText:  a.cfg.Processor.TransferText,
		MinConfidence: a.cfg.Agent.MinConfidence,
	})
	return processor.NewWorker(a.queue, a.locker, proc, a.cfg.Lock.Wait.Std(), a.cfg.Lock.Hold.Std())
}

func (a *app) outputsWorker() *channels.Dispatcher {
	return channels.NewDispatcher(a.queue, a.channels)
}

func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			slog.Warn("queue close failed", "error", err)
		}
	}
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
