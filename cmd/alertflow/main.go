// Copyright The AlertFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command alertflow runs the alert processing engine: the rule evaluation
// scheduler, the grouping worker and the HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/promslog"
	promslogflag "github.com/prometheus/common/promslog/flag"
	"github.com/redis/go-redis/v9"

	"github.com/alertflow-io/alertflow/api"
	"github.com/alertflow-io/alertflow/config"
	"github.com/alertflow-io/alertflow/datasource"
	"github.com/alertflow-io/alertflow/eval"
	"github.com/alertflow-io/alertflow/group"
	"github.com/alertflow-io/alertflow/lock"
	"github.com/alertflow-io/alertflow/manager"
	"github.com/alertflow-io/alertflow/notify"
	"github.com/alertflow-io/alertflow/notify/dingtalk"
	"github.com/alertflow-io/alertflow/notify/email"
	"github.com/alertflow-io/alertflow/notify/feishu"
	"github.com/alertflow-io/alertflow/notify/webhook"
	"github.com/alertflow-io/alertflow/notify/wechat"
	"github.com/alertflow-io/alertflow/store"
	"github.com/alertflow-io/alertflow/store/mem"
	"github.com/alertflow-io/alertflow/store/postgres"
	"github.com/alertflow-io/alertflow/types"
)

// repos bundles the repository interfaces the engine consumes; they are
// backed either by postgres or by the in-memory store.
type repos struct {
	rules       store.RuleRepo
	datasources store.DataSourceRepo
	events      store.EventRepo
	silences    store.SilenceRepo
	channels    store.ChannelRepo
	records     store.RecordRepo
	settings    store.SettingsRepo
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	app := kingpin.New("alertflow", "Multi-tenant alert processing engine.")
	configFile := app.Flag("config.file", "Engine configuration file. Empty runs on defaults.").Default("").String()
	listenOverride := app.Flag("web.listen-address", "Override the configured HTTP listen address.").Default("").String()
	promslogConfig := &promslog.Config{}
	promslogflag.AddFlags(app, promslogConfig)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := promslog.New(promslogConfig)

	cfg := &config.DefaultConfig
	if *configFile != "" {
		var err error
		cfg, err = config.LoadFile(*configFile)
		if err != nil {
			logger.Error("loading configuration failed", "file", *configFile, "err", err)
			return 1
		}
	}
	listen := cfg.ListenAddress
	if *listenOverride != "" {
		listen = *listenOverride
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rp, cleanup, err := buildRepos(ctx, cfg, logger)
	if err != nil {
		logger.Error("initializing storage failed", "err", err)
		return 1
	}
	defer cleanup()

	groupStore, locker := buildKV(cfg, logger)

	grouper := group.NewGrouper(groupStore, logger, registry)
	grouper.Configure(
		cfg.Grouping.GroupWaitDuration(),
		cfg.Grouping.GroupIntervalDuration(),
		cfg.Grouping.RepeatIntervalDuration(),
	)

	queryClient := datasource.NewClient(logger)
	notifiers := map[types.ChannelKind]notify.Notifier{
		types.ChannelFeishu:   feishu.New(logger),
		types.ChannelDingtalk: dingtalk.New(logger),
		types.ChannelWechat:   wechat.New(logger),
		types.ChannelEmail:    email.New(rp.settings, logger),
		types.ChannelWebhook:  webhook.New(logger),
	}
	dispatcher := notify.NewDispatcher(rp.rules, rp.channels, rp.records, notifiers, logger, registry)
	mgr := manager.New(grouper, dispatcher, rp.silences, rp.events, locker, logger)
	evaluator := eval.NewEvaluator(rp.datasources, rp.events, queryClient, mgr, logger, registry)
	scheduler := eval.NewScheduler(rp.rules, evaluator, cfg.Scheduler.TickIntervalDuration(), logger)

	httpAPI := api.New(grouper, rp.datasources, queryClient, registry, logger)
	srv := &http.Server{Addr: listen, Handler: httpAPI.Handler()}

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		return scheduler.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return mgr.RunWorker(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		logger.Info("http server listening", "address", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	})

	if err := g.Run(); err != nil {
		var sigErr run.SignalError
		if errors.As(err, &sigErr) {
			logger.Info("received signal, shutting down", "signal", sigErr.Signal)
			return 0
		}
		logger.Error("engine exited with error", "err", err)
		return 1
	}
	return 0
}

// buildRepos selects the relational backend: postgres when a DSN is
// configured, otherwise the in-memory store.
func buildRepos(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repos, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured, using in-memory repositories")
		s := mem.NewStore()
		return repos{
			rules: s, datasources: s, events: s,
			silences: s, channels: s, records: s, settings: s,
		}, func() {}, nil
	}
	pg, err := postgres.New(ctx, cfg.Database.DSN, logger)
	if err != nil {
		return repos{}, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return repos{}, nil, fmt.Errorf("migrate: %w", err)
	}
	return repos{
		rules: pg, datasources: pg, events: pg,
		silences: pg, channels: pg, records: pg, settings: pg,
	}, pg.Close, nil
}

// buildKV selects the shared KV backend: redis when an address is
// configured, otherwise the single-node in-memory fallbacks.
func buildKV(cfg *config.Config, logger *slog.Logger) (group.Store, lock.Locker) {
	if cfg.Redis.Addr == "" {
		logger.Warn("no redis configured, using in-memory group store and locks")
		return group.NewMemStore(), lock.NewMemLocker()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return group.NewRedisStore(client), lock.NewRedisLocker(client)
}
