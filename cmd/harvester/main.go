// Package main provides the harvester CLI: it reads a URL list, runs
// the acquisition pipeline over a bounded worker pool, and finalizes
// the site's export artifacts.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/backoff"
	"github.com/Rorqualx/harvester/internal/captcha"
	"github.com/Rorqualx/harvester/internal/config"
	"github.com/Rorqualx/harvester/internal/coordinator"
	"github.com/Rorqualx/harvester/internal/export"
	"github.com/Rorqualx/harvester/internal/flare"
	"github.com/Rorqualx/harvester/internal/metrics"
	"github.com/Rorqualx/harvester/internal/proxy"
	"github.com/Rorqualx/harvester/internal/robots"
	"github.com/Rorqualx/harvester/internal/session"
	"github.com/Rorqualx/harvester/internal/stats"
	"github.com/Rorqualx/harvester/internal/types"
	"github.com/Rorqualx/harvester/internal/useragent"
	"github.com/Rorqualx/harvester/internal/validator"
	"github.com/Rorqualx/harvester/internal/worker"
	"github.com/Rorqualx/harvester/pkg/version"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

type options struct {
	configPath         string
	site               string
	urlsPath           string
	name               string
	patternsPath       string
	concurrency        int
	limit              int
	dryRun             bool
	resume             bool
	noResume           bool
	resumeWindowHours  int
	skipExisting       bool
	useAntibot         bool
	noAntibot          bool
	antibotConcurrency int
	antibotTimeout     int
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to the YAML config file")
	flag.StringVar(&opts.site, "site", "", "site name; defaults to the first URL's domain")
	flag.StringVar(&opts.urlsPath, "urls", "", "file with one URL per line (required)")
	flag.StringVar(&opts.name, "name", "products", "export artifact base name")
	flag.StringVar(&opts.patternsPath, "patterns", "", "guard pattern override file, hot-reloaded on change")
	flag.IntVar(&opts.concurrency, "concurrency", 0, "parallel URLs in flight")
	flag.IntVar(&opts.limit, "limit", 0, "process at most N URLs (0 = all)")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "resolve config and URL list, then exit")
	flag.BoolVar(&opts.resume, "resume", true, "continue from an existing partial")
	flag.BoolVar(&opts.noResume, "no-resume", false, "discard any existing partial")
	flag.IntVar(&opts.resumeWindowHours, "resume-window-hours", 0, "discard partials older than H hours (0 = no limit)")
	flag.BoolVar(&opts.skipExisting, "skip-existing", false, "skip URLs already in the partial")
	flag.BoolVar(&opts.useAntibot, "use-antibot", false, "force challenge-solver escalation on")
	flag.BoolVar(&opts.noAntibot, "no-antibot", false, "force challenge-solver escalation off")
	flag.IntVar(&opts.antibotConcurrency, "antibot-concurrency", 0, "cap worker concurrency while the solver is active")
	flag.IntVar(&opts.antibotTimeout, "antibot-timeout", 0, "solver per-request budget in seconds")
	flag.Parse()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	setupLogging(cfg.Logging.Level)
	cfg.Validate()
	applyFlags(cfg, &opts)
	printBanner()

	if opts.urlsPath == "" {
		log.Error().Msg("--urls is required")
		return exitFailure
	}
	urls, err := readURLs(opts.urlsPath, opts.limit)
	if err != nil {
		log.Error().Err(err).Str("path", opts.urlsPath).Msg("Could not read URL list")
		return exitFailure
	}
	if len(urls) == 0 {
		log.Warn().Msg("URL list is empty, nothing to do")
		return exitOK
	}

	site := opts.site
	if site == "" {
		site = coordinator.ExtractDomain(urls[0])
	}
	if site == "" {
		log.Error().Str("url", urls[0]).Msg("Cannot derive site name from first URL")
		return exitFailure
	}

	if opts.dryRun {
		log.Info().Str("site", site).Int("urls", len(urls)).
			Int("concurrency", cfg.Export.Concurrency).
			Bool("solver", cfg.Solver.Enabled).
			Bool("captcha", cfg.Captcha.Enabled).
			Msg("Dry run, exiting before any request")
		return exitOK
	}

	exportDir := cfg.Export.Dir
	if exportDir == "" {
		exportDir = filepath.Join("data", "sites")
	}
	siteDir := filepath.Join(exportDir, site)

	lock := export.NewLock(siteDir, site)
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, types.ErrLockHeld) {
			log.Error().Str("site", site).Msg("Another export for this site is already running")
		} else {
			log.Error().Err(err).Msg("Could not acquire export lock")
		}
		return exitFailure
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn().Msg("Interrupt received, draining in-flight URLs")
		close(interrupted)
		cancel()
	}()

	code, err := execute(ctx, cfg, &opts, site, siteDir, urls)
	select {
	case <-interrupted:
		return exitInterrupted
	default:
	}
	if err != nil {
		log.Error().Err(err).Msg("Run failed")
	}
	return code
}

// applyFlags layers CLI flags over the resolved config.
func applyFlags(cfg *config.Config, opts *options) {
	if opts.concurrency > 0 {
		cfg.Export.Concurrency = opts.concurrency
	}
	if opts.noResume {
		opts.resume = false
	}
	if cfg.Export.Resume != nil && !flagPassed("resume") && !opts.noResume {
		opts.resume = *cfg.Export.Resume
	}
	if opts.resumeWindowHours == 0 {
		opts.resumeWindowHours = cfg.Export.ResumeWindowHours
	}
	if !opts.skipExisting {
		opts.skipExisting = cfg.Export.SkipExisting
	}
	if opts.useAntibot {
		cfg.Solver.Enabled = true
	}
	if opts.noAntibot {
		cfg.Solver.Enabled = false
	}
	if opts.antibotTimeout > 0 {
		cfg.Solver.MaxTimeoutMS = opts.antibotTimeout * 1000
	}
	if cfg.Solver.Enabled && opts.antibotConcurrency > 0 && opts.antibotConcurrency < cfg.Export.Concurrency {
		log.Info().Int("concurrency", opts.antibotConcurrency).
			Msg("Capping worker concurrency to the solver's capacity")
		cfg.Export.Concurrency = opts.antibotConcurrency
	}
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

// execute wires the pipeline and runs it to completion.
func execute(ctx context.Context, cfg *config.Config, opts *options, site, siteDir string, urls []string) (int, error) {
	startedAt := time.Now().UTC()

	var overrides *validator.Overrides
	if opts.patternsPath != "" {
		var err error
		overrides, err = validator.LoadOverrides(opts.patternsPath)
		if err != nil {
			return exitFailure, fmt.Errorf("load pattern overrides: %w", err)
		}
		defer overrides.Close()
	}
	validate := validator.New(validator.DefaultConfig(), overrides)

	engine := backoff.NewEngine(backoff.DefaultConfig())

	var bodyValidator proxy.BodyValidator
	if cfg.ContentValidationEnabled() {
		bodyValidator = func(body string) bool {
			return !validate.LooksLikeGuardHTML(body)
		}
	}
	var premium *proxy.PremiumManager
	if pc := cfg.PremiumConfig(); pc.Enabled {
		premium = proxy.NewPremiumManager(pc, nil)
	}
	var proxies *proxy.Rotator
	if cfg.ProxyEnabled() {
		var err error
		proxies, err = proxy.NewRotator(cfg.RotatorConfig(), engine, proxy.NewHealthChecker(cfg.HealthConfig()), premium, bodyValidator, cfg.Proxy.StaticProxies)
		if err != nil {
			return exitFailure, fmt.Errorf("build proxy pool: %w", err)
		}
		go proxies.Run(ctx)
		defer proxies.Stop()
	} else {
		var err error
		proxies, err = proxy.NewRotator(cfg.RotatorConfig(), engine, nil, nil, nil, nil)
		if err != nil {
			return exitFailure, fmt.Errorf("build direct pool: %w", err)
		}
		// One empty descriptor: requests go out without a proxy.
		proxies.Add(&proxy.Descriptor{URL: ""})
	}

	checker, err := robots.NewChecker(cfg.RobotsConfig(), nil)
	if err != nil {
		return exitFailure, fmt.Errorf("build robots checker: %w", err)
	}

	sessions, err := session.NewStore(cfg.SessionConfig())
	if err != nil {
		return exitFailure, fmt.Errorf("open session store: %w", err)
	}

	var captchaSolver *captcha.Solver
	if cc := cfg.CaptchaConfig(); cc.Enabled {
		captchaSolver = captcha.NewSolver(cc, nil)
	}
	var solver *flare.Client
	if sc := cfg.SolverConfig(); sc.Enabled {
		solver = flare.NewClient(sc, nil)
		defer solver.Close(context.Background())
	}

	domains := stats.NewTracker()
	coord := coordinator.New(cfg.CoordinatorConfig(), coordinator.Deps{
		Robots:    checker,
		UserAgent: useragent.NewRotator(cfg.UAConfig()),
		Proxies:   proxies,
		Backoff:   engine,
		Validator: validate,
		Captcha:   captchaSolver,
		Solver:    solver,
		Budget:    flare.NewBudget(cfg.BudgetConfig()),
		Sessions:  sessions,
		Domains:   domains,
	})

	if !coord.Preflight(ctx, site) {
		log.Warn().Str("site", site).Msg("Preflight probe failed, continuing anyway")
	}

	writer, err := export.NewWriter(export.WriterConfig{
		SiteDir:      siteDir,
		Name:         opts.name,
		Resume:       opts.resume,
		ResumeWindow: time.Duration(opts.resumeWindowHours) * time.Hour,
	})
	if err != nil {
		return exitFailure, fmt.Errorf("open export writer: %w", err)
	}
	progress := export.NewProgress(site, opts.name, len(urls))

	stopCh := make(chan struct{})
	defer close(stopCh)
	if cfg.Metrics.Enabled {
		startMetricsServer(cfg.Metrics.Listen, stopCh)
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartRuntimeCollector(10*time.Second, stopCh)
	}

	poolCfg := worker.DefaultConfig()
	if cfg.Export.Concurrency > 0 {
		poolCfg.Concurrency = cfg.Export.Concurrency
	}
	poolCfg.SkipExisting = opts.skipExisting

	log.Info().Str("site", site).Int("urls", len(urls)).
		Int("concurrency", poolCfg.Concurrency).
		Int("resumed", writer.ProcessedCount()).
		Msg("Starting acquisition run")

	counts := worker.NewPool(poolCfg, coord, nil, writer, progress).Run(ctx, urls)

	if _, err := writer.Finalize(export.FinalizeOptions{MergeExisting: true}); err != nil {
		return exitFailure, fmt.Errorf("finalize export: %w", err)
	}

	summary := export.Summary{
		Site:       site,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		TotalURLs:  len(urls),
		Success:    int(counts.Success),
		Failed:     int(counts.Failed),
		Skipped:    int(counts.Skipped),
	}
	if captchaSolver != nil {
		summary.CaptchaSpend = captchaSolver.DailySpend()
	}
	reportsDir := cfg.Export.ReportsDir
	if reportsDir == "" {
		reportsDir = filepath.Join(siteDir, "reports")
	}
	if err := export.WriteSummary(reportsDir, summary); err != nil {
		log.Warn().Err(err).Msg("Could not write run summary")
	}

	if counts.Success == 0 && counts.Failed > 0 {
		return exitFailure, nil
	}
	return exitOK, nil
}

// readURLs loads the URL list, skipping blanks and comment lines.
func readURLs(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
		if limit > 0 && len(urls) >= limit {
			break
		}
	}
	return urls, scanner.Err()
}

func startMetricsServer(addr string, stopCh <-chan struct{}) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Prometheus metrics server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-stopCh
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}()
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _   _                           _
| | | | __ _ _ ____   _____  ___| |_ ___ _ __
| |_| |/ _' | '__\ \ / / _ \/ __| __/ _ \ '__|
|  _  | (_| | |   \ V /  __/\__ \ ||  __/ |
|_| |_|\__,_|_|    \_/ \___||___/\__\___|_|
`
	fmt.Fprintln(os.Stderr, banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting harvester")
}
