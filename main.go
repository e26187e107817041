package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"indiworker/config"
	"indiworker/internal/plan"
	"indiworker/internal/sp24"
	"indiworker/logger"
	"indiworker/services/cache"
	"indiworker/services/dispatch"
	"indiworker/services/proxy"
	"indiworker/services/publisher"
	"indiworker/services/worker"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "indiworker",
		Short: "Crawls stundenplan24 plan revisions through a rotating proxy pool",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load environment variables
			godotenv.Load()
			logger.Init()
		},
		SilenceUsage: true,
	}

	root.AddCommand(crawlCmd(), updateCmd(), getCmd(), proxiesCmd())
	return root
}

// services wires the shared infrastructure: one proxy pool and one pacing
// gate, so the outbound pace to the remote host stays bounded across all
// plan endpoints.
type services struct {
	cfg        *config.Config
	pool       *proxy.Pool
	dispatcher *dispatch.Dispatcher
	pub        publisher.Publisher
	crawlers   []*worker.Crawler
}

func initServices() (*services, error) {
	log := logger.Default

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var pool *proxy.Pool
	if !cfg.ProxyPoolOff {
		var sources []proxy.Source
		if cfg.PubProxyAPIKey != "" {
			sources = append(sources, &proxy.PubProxySource{APIKey: cfg.PubProxyAPIKey})
		}
		if cfg.ProxyListURL != "" {
			sources = append(sources, &proxy.FreeListSource{URL: cfg.ProxyListURL})
		}

		pool = proxy.NewPool(cfg.ProxyFile, sources...)
		pool.SetBlockCooldown(cfg.BlockCooldown)
		pool.SetPersistEvery(cfg.PersistEvery)
		if err := pool.Load(); err != nil {
			return nil, err
		}
		log.Info().Int("proxies", pool.Len()).Msg("Proxy pool ready")
	} else {
		log.Info().Msg("Proxy pool disabled, fetching directly")
	}

	dispatcher := dispatch.NewDispatcher(
		pool,
		dispatch.NewGate(cfg.RequestDelay),
		cfg.AttemptTimeout,
		cfg.UserAgent,
	)

	var validators cache.CacheService
	if cfg.MemcacheAddr != "" {
		validators = cache.NewMemcacheService(cfg.MemcacheAddr)
		log.Info().Str("addr", cfg.MemcacheAddr).Msg("Using memcached for validator state")
	} else {
		validators = cache.NewMemoryService()
	}

	var pub publisher.Publisher
	if cfg.RedisAddr != "" {
		pub = publisher.NewRedisPublisher(cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream, cfg.StreamMaxLength)
		log.Info().
			Str("addr", cfg.RedisAddr).
			Str("stream", cfg.RedisStream).
			Msg("Publishing revision events to Redis")
	}

	hosting := sp24.Hosting{BaseURL: cfg.BaseURL, SchoolNumber: cfg.SchoolNumber}
	creds := sp24.Credentials{Username: cfg.Username, Password: cfg.Password}

	svc := &services{cfg: cfg, pool: pool, dispatcher: dispatcher, pub: pub}

	newStore := func(name string) *cache.RevisionStore {
		return cache.NewRevisionStore(filepath.Join(cfg.CacheDir, cfg.SchoolNumber, name))
	}
	configure := func(c *worker.Crawler) {
		c.SetInterval(cfg.CrawlInterval)
		c.SetFetchWorkers(cfg.FetchWorkers)
		c.SetWindow(cfg.LookBack, cfg.LookForward)
		c.SetValidatorCache(validators)
		if pub != nil {
			c.SetPublisher(pub)
		}
		svc.crawlers = append(svc.crawlers, c)
	}

	for _, ep := range []struct {
		name     string
		endpoint sp24.MobilEndpoint
	}{
		{"forms", hosting.FormsMobil()},
		{"teachers", hosting.TeachersMobil()},
		{"rooms", hosting.RoomsMobil()},
	} {
		configure(worker.NewCrawler(ep.name, ep.endpoint, creds, dispatcher, newStore(ep.name)))
	}

	// substitution plans have no vpdir listing; these crawlers walk the
	// configured date window each cycle
	for _, ep := range []struct {
		name     string
		endpoint sp24.SubstitutionEndpoint
	}{
		{"students-substitution", hosting.StudentsSubstitution()},
		{"teachers-substitution", hosting.TeachersSubstitution()},
	} {
		configure(worker.NewSubstitutionCrawler(ep.name, ep.endpoint, creds, dispatcher, newStore(ep.name)))
	}

	return svc, nil
}

func (s *services) cleanup() {
	if s.pool != nil {
		if err := s.pool.Store(); err != nil {
			logger.Default.Warn().Err(err).Msg("Failed to persist proxy pool on shutdown")
		}
	}
	if s.pub != nil {
		s.pub.Close()
	}
}

func crawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Poll the plan endpoints forever",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := initServices()
			if err != nil {
				return err
			}
			defer svc.cleanup()

			log := logger.Default
			log.Info().
				Str("environment", svc.cfg.Environment).
				Dur("crawl_interval", svc.cfg.CrawlInterval).
				Int("endpoints", len(svc.crawlers)).
				Msg("Starting crawl loop")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			for _, c := range svc.crawlers {
				c := c
				g.Go(func() error { return c.Run(gctx) })
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("Shutting down gracefully...")
				return nil
			}
			return err
		},
	}
}

func updateCmd() *cobra.Command {
	var lookBack, lookForward int

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Fetch every date in the sliding window once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := initServices()
			if err != nil {
				return err
			}
			defer svc.cleanup()

			if lookBack < 0 {
				lookBack = svc.cfg.LookBack
			}
			if lookForward < 0 {
				lookForward = svc.cfg.LookForward
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var firstErr error
			for _, c := range svc.crawlers {
				if err := c.UpdateDays(ctx, lookBack, lookForward); err != nil {
					logger.Default.Error().Str("plan", c.Name()).Err(err).Msg("Window update failed")
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			return firstErr
		},
	}

	cmd.Flags().IntVar(&lookBack, "look-back", -1, "days before today (default from config)")
	cmd.Flags().IntVar(&lookForward, "look-forward", -1, "days after today (default from config)")
	return cmd
}

func getCmd() *cobra.Command {
	var planName string
	var parse bool

	cmd := &cobra.Command{
		Use:   "get <date>",
		Short: "Print cached revisions for a date, fetching once if never checked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := time.ParseInLocation("2006-01-02", args[0], time.UTC)
			if err != nil {
				return fmt.Errorf("invalid date %q, want YYYY-MM-DD: %w", args[0], err)
			}

			svc, err := initServices()
			if err != nil {
				return err
			}
			defer svc.cleanup()

			var target *worker.Crawler
			for _, c := range svc.crawlers {
				if c.Name() == planName {
					target = c
				}
			}
			if target == nil {
				return fmt.Errorf("unknown plan %q", planName)
			}

			cursor, err := target.Get(cmd.Context(), date)
			if err != nil {
				return err
			}

			interpreter := &plan.IndiwareMobil{Location: planLocation()}

			count := 0
			for cursor.Next() {
				entry := cursor.Entry()
				fmt.Printf("%s\t%d\t%d bytes\n",
					entry.Date.Format("2006-01-02"),
					entry.Timestamp.Unix(),
					len(entry.Content),
				)
				count++

				if !parse {
					continue
				}
				doc, err := interpreter.Interpret(entry.Content)
				if err != nil {
					logger.Default.Warn().Err(err).Msg("Revision body not interpretable")
					continue
				}
				fmt.Printf("  type=%s stamped=%s forms=%d info_lines=%d\n",
					doc.PlanType,
					doc.Timestamp.Format(time.RFC3339),
					len(doc.FormNames),
					len(doc.AdditionalInfo),
				)
			}
			if err := cursor.Err(); err != nil {
				return err
			}
			if count == 0 {
				fmt.Println("no revisions stored for this date")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planName, "plan", "forms", "plan endpoint: forms, teachers, rooms, students-substitution or teachers-substitution")
	cmd.Flags().BoolVar(&parse, "parse", false, "interpret each revision and print its header")
	return cmd
}

// planLocation resolves the remote's local timezone; stundenplan24 hostings
// stamp plan headers in German local time.
func planLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		return time.UTC
	}
	return loc
}

func proxiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Inspect and edit the proxy pool",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print the pool sorted by score",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := config.LoadConfig()
				pool := proxy.NewPool(cfg.ProxyFile)
				if err := pool.Load(); err != nil {
					return err
				}

				infos := pool.Snapshot()
				sort.Slice(infos, func(i, j int) bool { return infos[i].Score > infos[j].Score })

				for _, info := range infos {
					lastWorked := "never"
					if info.LastWorked != nil {
						lastWorked = info.LastWorked.Format(time.RFC3339)
					}
					fmt.Printf("%-24s score=%.3f tries=%d last_worked=%s\n",
						info.Proxy.Addr(), info.Score, info.Tries, lastWorked)
				}
				fmt.Printf("%d proxies\n", len(infos))
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <host:port>...",
			Short: "Add proxies to the pool",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := config.LoadConfig()
				pool := proxy.NewPool(cfg.ProxyFile)
				if err := pool.Load(); err != nil {
					return err
				}

				added := 0
				for _, arg := range args {
					p, err := proxy.ParseProxy(arg)
					if err != nil {
						return err
					}
					if pool.Add(p) {
						added++
					}
				}

				if err := pool.Store(); err != nil {
					return err
				}
				fmt.Printf("added %d of %d\n", added, len(args))
				return nil
			},
		},
	)

	return cmd
}
