package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"scheduled-gpt-oracle/internal/agent"
	"scheduled-gpt-oracle/internal/api"
	"scheduled-gpt-oracle/internal/auth"
	"scheduled-gpt-oracle/internal/config"
	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/llm"
	"scheduled-gpt-oracle/internal/llm/openai"
	"scheduled-gpt-oracle/internal/observability/alerting"
	"scheduled-gpt-oracle/internal/observability/metrics"
	"scheduled-gpt-oracle/internal/oracle"
	"scheduled-gpt-oracle/internal/queue"
	"scheduled-gpt-oracle/internal/storage/mysql"
	"scheduled-gpt-oracle/internal/taskqueue"
	"scheduled-gpt-oracle/pkg/logger"
)

// 通知队列的主题名。
const (
	TopicInteractions = "interactions"
	TopicTasks        = "tasks"
)

// App 持有一个守护进程实例的全部组件。
type App struct {
	Runtime   *ledger.Runtime
	Oracle    *oracle.Service
	Queues    *taskqueue.Service
	Agent     *agent.Program
	Responder *oracle.Responder
	Crank     *taskqueue.Crank
	Server    *api.Server
	Metrics   *metrics.Metrics
	QueueKey  ledger.PublicKey

	closers     []io.Closer
	metricsAddr string
	logger      *slog.Logger
}

// Option 调整 Build 的行为，主要用于测试替换外部依赖。
type Option func(*buildOptions)

type buildOptions struct {
	store ledger.Store
	model llm.Client
}

// WithStore 使用给定的账户存储，忽略 ledger.driver 配置。
func WithStore(store ledger.Store) Option {
	return func(o *buildOptions) { o.store = store }
}

// WithModel 使用给定的大模型客户端，忽略 llm.provider 配置。
func WithModel(model llm.Client) Option {
	return func(o *buildOptions) { o.model = model }
}

// Build 按配置组装组件并完成部署引导：创世账户、预言机初始化、任务队列与队列授权。
// 任一步骤失败时已打开的连接会被释放。
func Build(ctx context.Context, cfg *config.Config, deploy *config.Deployment, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	app := &App{logger: logger.Named("daemon"), metricsAddr: cfg.Server.MetricsAddress}
	if err := app.build(ctx, cfg, deploy, o); err != nil {
		if closeErr := app.Close(); closeErr != nil {
			app.logger.Warn("release partially built daemon", slog.Any("error", closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, deploy *config.Deployment, o buildOptions) error {
	store := o.store
	if store == nil {
		var err error
		if store, err = openStore(ctx, cfg); err != nil {
			return err
		}
	}
	a.closers = append(a.closers, store)
	if err := fundGenesis(ctx, store, deploy.Balances()); err != nil {
		return err
	}
	a.Runtime = ledger.NewRuntime(store)

	pending, err := queue.Open(ctx, cfg.Queue(), TopicInteractions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open interaction queue")
	}
	a.closers = append(a.closers, pending)
	tasks, err := queue.Open(ctx, cfg.Queue(), TopicTasks)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open task queue")
	}
	a.closers = append(a.closers, tasks)

	a.Oracle = oracle.NewService(deploy.Programs.Oracle, a.Runtime, oracle.WithPendingProducer(pending))
	a.Queues = taskqueue.NewService(deploy.Programs.TaskQueue, a.Runtime, taskqueue.WithTaskProducer(tasks))
	a.Agent, err = agent.New(deploy.AgentConfig(),
		oracle.NewClient(deploy.Programs.Oracle),
		taskqueue.NewClient(deploy.Programs.TaskQueue))
	if err != nil {
		return err
	}
	a.Runtime.Register(a.Agent)

	if a.QueueKey, err = bootstrap(ctx, a, deploy); err != nil {
		return err
	}

	model := o.model
	if model == nil {
		if model, err = openModel(cfg); err != nil {
			return err
		}
	}
	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "configure api auth")
	}

	if cfg.Server.MetricsEnabled {
		a.Metrics = metrics.New()
	}
	alerts := newDispatcher(cfg)

	a.Responder = oracle.NewResponder(a.Oracle, model, pending,
		oracle.WithWorkerCount(cfg.Workers.Responder),
		oracle.WithModelTimeout(cfg.ModelTimeout()))
	a.Crank = taskqueue.NewCrank(a.Queues, tasks, deploy.Crank,
		taskqueue.WithCrankWorkers(cfg.Workers.Crank),
		taskqueue.WithObserver(a.Metrics.ObserveCrank),
		taskqueue.WithFailureHandler(func(ctx context.Context, task ledger.PublicKey, err error) {
			if notifyErr := alerts.Notify(ctx, alerting.EventFromError(task.String(), err)); notifyErr != nil {
				a.logger.Warn("alert delivery failed", slog.Any("error", notifyErr))
			}
		}))

	a.Server, err = api.NewServer(cfg.Server.Address, api.Options{
		Runtime:         a.Runtime,
		Oracle:          a.Oracle,
		Queues:          a.Queues,
		Deployment:      a.Agent.Deployment(a.QueueKey),
		Custodial:       deploy.Custodial,
		Auth:            authService,
		OracleIdentity:  deploy.OracleIdentity(),
		Metrics:         a.Metrics,
		ReplayCacheSize: cfg.Server.ReplayCacheSize,
		ShutdownTimeout: cfg.ShutdownTimeout(),
	})
	return err
}

// Run 启动后台 worker、独立的指标端口与 HTTP 服务，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	resumed, err := a.Crank.Resume(ctx, a.QueueKey)
	if err != nil {
		return err
	}
	if resumed > 0 {
		a.logger.Info("resumed queued tasks", slog.Int("count", resumed))
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := map[string]func(context.Context) error{
		"responder": a.Responder.Start,
		"crank":     a.Crank.Start,
	}
	if a.Metrics != nil && a.metricsAddr != "" {
		workers["metrics"] = func(ctx context.Context) error {
			return a.Metrics.StartServer(ctx, a.metricsAddr)
		}
	}

	var wg sync.WaitGroup
	for name, start := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("worker stopped", slog.String("worker", name), slog.Any("error", err))
			}
		}()
	}

	err = a.Server.Start(ctx)
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close 释放队列与存储连接。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch strings.ToLower(cfg.Ledger.Driver) {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewAccountStore(ctx, cfg.MySQLStore())
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("unsupported ledger driver %q", cfg.Ledger.Driver))
	}
}

func openModel(cfg *config.Config) (llm.Client, error) {
	switch strings.ToLower(cfg.LLM.Provider) {
	case "", "echo":
		return llm.Echo{}, nil
	case "openai":
		return openai.NewClient(cfg.OpenAIClient())
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("unsupported llm provider %q", cfg.LLM.Provider))
	}
}

func newDispatcher(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: cfg.AlertTimeout()},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// fundGenesis 只为尚不存在的账户注入创世余额，重启时不会重复发放。
func fundGenesis(ctx context.Context, store ledger.Store, balances map[ledger.PublicKey]uint64) error {
	missing := make(map[ledger.PublicKey]uint64, len(balances))
	for key, lamports := range balances {
		_, err := store.Load(ctx, key)
		switch {
		case err == nil:
		case xerrors.HasCode(err, xerrors.CodeAccountNotFound):
			missing[key] = lamports
		default:
			return err
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return ledger.Fund(ctx, store, missing)
}

// bootstrap 确保预言机已初始化、任务队列存在且智能体拥有排队权限，返回队列地址。
func bootstrap(ctx context.Context, app *App, deploy *config.Deployment) (ledger.PublicKey, error) {
	operator := deploy.Operator

	if _, err := app.Oracle.Counter(ctx); err != nil {
		if !xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return ledger.PublicKey{}, err
		}
		if err := app.Oracle.Initialize(ctx, operator); err != nil {
			return ledger.PublicKey{}, err
		}
		app.logger.Info("oracle initialized", slog.String("program", deploy.Programs.Oracle.String()))
	}

	queueKey := taskqueue.QueueAddress(deploy.Programs.TaskQueue, deploy.TaskQueue.ID)
	if _, err := app.Queues.Queue(ctx, queueKey); err != nil {
		if !xerrors.HasCode(err, xerrors.CodeAccountNotFound) {
			return ledger.PublicKey{}, err
		}
		created, err := app.Queues.CreateQueue(ctx, operator, operator, deploy.QueueConfig())
		if err != nil {
			return ledger.PublicKey{}, err
		}
		queueKey = created
		app.logger.Info("task queue created", slog.String("queue", queueKey.String()))
	}

	authority := app.Agent.QueueAuthority().Address
	registered, err := app.Queues.IsQueueAuthority(ctx, queueKey, authority)
	if err != nil {
		return ledger.PublicKey{}, err
	}
	if !registered {
		if err := app.Queues.AddQueueAuthority(ctx, operator, operator, queueKey, authority); err != nil {
			return ledger.PublicKey{}, err
		}
		app.logger.Info("queue authority registered", slog.String("authority", authority.String()))
	}
	return queueKey, nil
}
