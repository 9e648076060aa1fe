package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ouroboros/internal/browser"
	"ouroboros/internal/budget"
	"ouroboros/internal/chat"
	"ouroboros/internal/config"
	"ouroboros/internal/deploy"
	"ouroboros/internal/llm"
	"ouroboros/internal/logging"
	"ouroboros/internal/memory"
	"ouroboros/internal/orchestrator"
	"ouroboros/internal/repo"
	"ouroboros/internal/review"
	"ouroboros/internal/state"
	"ouroboros/internal/supervisor"
	"ouroboros/internal/tools"
	browsertools "ouroboros/internal/tools/browser"
	"ouroboros/internal/tools/control"
	"ouroboros/internal/tools/core"
	gittools "ouroboros/internal/tools/git"
	"ouroboros/internal/tools/research"
	"ouroboros/internal/tools/shell"
	"ouroboros/internal/usage"
)

// app is the wired control plane.
type app struct {
	cfg      *config.Config
	state    *state.Store
	ledger   *budget.Ledger
	client   llm.Client
	meter    *llm.Meter
	tracker  *usage.Tracker
	repo     *repo.Repo
	memory   *memory.Store
	registry *tools.Registry
	orch     *orchestrator.Orchestrator
	sup      *supervisor.Supervisor
	launcher *deploy.Launcher
	reviewer *review.Engine
	browser  *browser.SessionManager
	boot     deploy.BootReport
}

// appOptions selects the surfaces that differ between commands.
type appOptions struct {
	channel chat.Channel
	// deploy enables boot selection and re-exec restarts; one-shot
	// commands leave it off.
	deploy bool
	// bootBranch forces the boot branch when deploy is set.
	bootBranch string
}

func stateStore(c *config.Config) *state.Store {
	return state.NewStore(filepath.Join(c.DataDir, "state.toml"))
}

func branches(c *config.Config) repo.Branches {
	return repo.Branches{Main: c.Branches.Main, Working: c.Branches.Working, Stable: c.Branches.Stable}
}

// buildCatalog turns the configured profiles into a catalog. Unknown
// profile names resolve to general.
func buildCatalog(c config.LLMConfig) *llm.Catalog {
	profiles := make([]llm.Profile, 0, len(c.Profiles))
	for name, p := range c.Profiles {
		profiles = append(profiles, llm.Profile{
			Name:            name,
			Provider:        c.ProfileProvider(p),
			Model:           p.Model,
			Pricing:         llm.Pricing{InputPerMTok: p.InputPerMTok, OutputPerMTok: p.OutputPerMTok},
			MaxOutputTokens: p.MaxOutputTokens,
		})
	}
	return llm.NewCatalog(llm.ProfileGeneral, profiles...)
}

// buildProviders creates a client for every provider with a key.
func buildProviders(ctx context.Context, c *config.Config) (map[string]llm.Client, error) {
	retry := llm.DefaultRetryPolicy
	retry.MaxAttempts = c.Limits.MaxRetries
	retry.BaseDelay = c.GetRetryBaseDelay()

	providers := make(map[string]llm.Client)
	if key := c.LLM.KeyFor(config.ProviderOpenRouter); key != "" {
		orc := llm.DefaultOpenRouterConfig(key)
		if c.LLM.BaseURL != "" {
			orc.BaseURL = c.LLM.BaseURL
		}
		orc.Retry = retry
		providers[config.ProviderOpenRouter] = llm.NewOpenRouterClient(orc)
	}
	if key := c.LLM.KeyFor(config.ProviderGemini); key != "" {
		g, err := llm.NewGeminiClient(ctx, key, retry)
		if err != nil {
			return nil, err
		}
		providers[config.ProviderGemini] = g
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no model provider key", config.ErrMissingSecret)
	}
	return providers, nil
}

// newApp wires every component. The caller owns Close.
func newApp(ctx context.Context, c *config.Config, opts appOptions) (*app, error) {
	if opts.channel == nil {
		return nil, errors.New("no chat channel")
	}
	if err := os.MkdirAll(c.DriveDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create drive dir: %w", err)
	}

	a := &app{cfg: c, state: stateStore(c)}
	st, err := a.state.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	a.ledger = budget.NewLedger(budget.FromUnits(c.TotalBudget),
		budget.WithCurrency(c.Currency),
		budget.WithSpent(budget.Micros(st.SpentMicros)))

	catalog := buildCatalog(c.LLM)
	providers, err := buildProviders(ctx, c)
	if err != nil {
		return nil, err
	}
	a.client = llm.NewRouter(catalog, providers)
	if a.tracker, err = usage.NewTracker(c.DataDir); err != nil {
		return nil, err
	}
	a.meter = llm.NewMeter(a.ledger, catalog, llm.WithRecorder(a.tracker))

	repoOpts := []repo.Option{}
	if c.GitHub.User != "" {
		repoOpts = append(repoOpts, repo.WithIdentity(repo.Identity{Name: "Ouroboros", Email: c.GitHub.User + "@users.noreply.github.com"}))
	}
	a.repo = repo.New(c.RepoDir, branches(c), repoOpts...)
	if url := c.GitHub.RemoteURL(); url != "" {
		if err := a.repo.SetRemoteURL(ctx, url); err != nil {
			logging.RepoWarn("Could not set remote: %v", err)
		}
	}
	if err := a.repo.EnsureBranches(ctx); err != nil {
		logging.RepoWarn("Could not ensure branches: %v", err)
	}

	if a.memory, err = memory.Open(c.DatabasePath()); err != nil {
		a.Close()
		return nil, err
	}

	if opts.deploy {
		a.launcher = deploy.NewLauncher(a.repo, a.state, deploy.Config{
			BinPath: filepath.Join(c.DataDir, "bin", "ouroboros"),
			Args:    os.Args[1:],
		}, deploy.WithLock(a.repo.Lock()))
		// Boot may re-exec onto another branch and not return.
		if a.boot, err = a.launcher.Boot(ctx, opts.bootBranch); err != nil {
			a.Close()
			return nil, fmt.Errorf("boot: %w", err)
		}
		st.BootBranch = a.boot.Decision.Branch
	}
	a.reviewer = review.NewEngine(a.meter, a.client, c.RepoDir, c.DriveDir(), review.Config{})

	supCfg := supervisor.DefaultConfig()
	supCfg.Pool = supervisor.PoolConfig{Workers: c.Limits.Workers, QueueSize: c.Limits.QueueSize}
	supCfg.PanicTimeout = c.GetPanicTimeout()
	supCfg.DrainTimeout = c.GetDrainTimeout()
	supCfg.AllowStrangers = c.Chat.AllowStrangers
	supCfg.BootBranch = st.BootBranch
	deps := supervisor.Deps{
		Channel:  opts.channel,
		Store:    a.state,
		Ledger:   a.ledger,
		Repo:     a.repo,
		RepoLock: a.repo.Lock(),
		Reviewer: a.reviewer,
		History:  a.memory,
	}
	if a.launcher != nil {
		deps.Deployer = a.launcher
	}
	if a.sup, err = supervisor.New(supCfg, deps); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.buildRegistry(); err != nil {
		a.Close()
		return nil, err
	}

	prompts, err := memory.LoadPrompts(c.RepoDir)
	if err != nil {
		logging.MemoryWarn("Prompts not loaded: %v", err)
	}
	builder := memory.NewContextBuilder(a.memory, prompts, c.Memory.RecentMessages, a.sup.StatusLine)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.MaxIterations = c.Limits.MaxIterations
	a.orch = orchestrator.New(a.client, a.meter, a.registry,
		orchestrator.WithConfig(orchCfg),
		orchestrator.WithContextProvider(builder),
		orchestrator.WithStateFunc(a.sup.TaskState),
	)
	a.sup.SetExecutor(a.orch.Run)
	return a, nil
}

func (a *app) buildRegistry() error {
	c := a.cfg
	a.registry = tools.NewRegistry(
		tools.WithRepoLock(a.repo.Lock()),
		tools.WithDefaultTimeout(c.GetToolTimeout()),
		tools.WithMaxOutput(c.Limits.MaxToolOutput),
	)
	if err := core.RegisterAll(a.registry, core.Files{Repo: a.repo, DriveRoot: c.DriveDir()}); err != nil {
		return err
	}
	if err := gittools.RegisterAll(a.registry, a.repo, a.sup); err != nil {
		return err
	}
	if err := shell.RegisterAll(a.registry, a.repo); err != nil {
		return err
	}
	if err := control.RegisterAll(a.registry, a.sup, a.memory); err != nil {
		return err
	}
	if err := research.RegisterAll(a.registry, research.Config{
		FetchTimeout: c.GetFetchTimeout(),
		OpenAIKey:    c.Research.OpenAIKey,
		SearchModel:  c.Research.SearchModel,
	}); err != nil {
		return err
	}
	if c.Browser.Enabled {
		a.browser = browser.NewSessionManager(browser.Config{
			Bin:               c.Browser.Bin,
			Headless:          c.Browser.Headless,
			NavigationTimeout: c.GetBrowserTimeout(),
		})
		if err := browsertools.RegisterAll(a.registry, a.browser); err != nil {
			return err
		}
	}
	logging.Boot("Registered %d tools", a.registry.Count())
	return nil
}

// Close releases resources. The state file is left to the launcher.
func (a *app) Close() {
	if a.browser != nil {
		if err := a.browser.Shutdown(); err != nil {
			logging.BrowserWarn("Browser shutdown: %v", err)
		}
	}
	if a.tracker != nil {
		_ = a.tracker.Close()
	}
	if a.memory != nil {
		_ = a.memory.Close()
	}
}
