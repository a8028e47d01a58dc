package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"acadcal/internal/api"
	"acadcal/internal/calendar"
	"acadcal/internal/capture"
	"acadcal/internal/config"
	"acadcal/internal/grid"
	"acadcal/internal/ics"
	appLog "acadcal/internal/log"
	"acadcal/internal/model"
	"acadcal/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	month      string
	once       bool
	icsOut     bool
	importSrc  string
	snapshot   string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("acadcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"api_base_url", conf.APIBaseURL,
		"timezone", conf.Timezone,
		"week_start", conf.WeekStart,
		"include_deadlines", conf.Deadlines(),
		"follow_today", conf.FollowToday,
		"token_set", conf.Token != "",
	)
	if exp, ok := api.TokenExpiry(conf.Token); ok && time.Now().After(exp) {
		appLog.Warn("bearer token is expired; backend calls will likely be rejected", "expired_at", exp.Format(time.RFC3339))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("acadcal failed", err)
		os.Exit(1)
	}
	appLog.Info("acadcal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath, "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.month, "month", "", "Month to show, YYYY-MM (default: current month)")
	flag.BoolVar(&cfg.once, "once", false, "Fetch the month once, print it and exit")
	flag.BoolVar(&cfg.icsOut, "ics", false, "With -once, print iCalendar instead of JSON")
	flag.StringVar(&cfg.importSrc, "import", "", "Import events from an .ics file or URL into the month and exit")
	flag.StringVar(&cfg.snapshot, "snapshot", "", "Render the month board to this PNG and exit")

	flag.Parse()

	return cfg
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	loc := conf.Location()
	year, month, err := startMonth(flags.month, loc)
	if err != nil {
		return err
	}

	client, err := api.NewClient(conf.APIBaseURL, conf.Token, api.WithTimeout(conf.RequestTimeout()))
	if err != nil {
		return err
	}

	// -once and -import have nobody to show a notice to; failures are
	// still logged.
	feed := web.NewAlertFeed(50)
	var alerts calendar.Alerter
	if !flags.once && flags.importSrc == "" {
		alerts = feed
	}
	sess := calendar.NewSession(client, calendar.SessionOptions{
		Location:         loc,
		IncludeDeadlines: conf.Deadlines(),
		EventType:        conf.EventType,
		DefaultChannel:   model.Channel(conf.DefaultChannel),
		Alerter:          alerts,
	})
	defer sess.Close()

	switch {
	case flags.once:
		return runOnce(ctx, sess, conf, year, month, flags.icsOut)
	case flags.importSrc != "":
		return runImport(ctx, sess, conf, year, month, flags.importSrc)
	case flags.snapshot != "":
		srv := web.NewServer(conf, sess, feed)
		return runSnapshot(ctx, srv, conf, year, month, flags.snapshot)
	default:
		srv := web.NewServer(conf, sess, feed)
		return serve(ctx, srv, conf, year, month)
	}
}

func startMonth(raw string, loc *time.Location) (int, time.Month, error) {
	if raw != "" {
		return grid.ParseMonth(raw)
	}
	now := time.Now().In(loc)
	return now.Year(), now.Month(), nil
}

func showMonth(ctx context.Context, sess *calendar.Session, conf *config.Config, year int, month time.Month) (grid.Grid, error) {
	g := grid.Month(year, month, grid.WeekStart(conf.WeekStart), conf.Location())
	from, to := g.Range()
	_, err := sess.ShowRange(ctx, from, to)
	return g, err
}

func runOnce(ctx context.Context, sess *calendar.Session, conf *config.Config, year int, month time.Month, asICS bool) error {
	g, err := showMonth(ctx, sess, conf, year, month)
	if err != nil {
		return err
	}
	if asICS {
		return ics.Export(os.Stdout, sess.Items(), "Academic calendar "+g.Title, time.Now())
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"month": grid.FormatMonth(g.Year, g.Month),
		"title": g.Title,
		"items": sess.Items(),
	})
}

// runImport creates one academic event per occurrence of the source that
// falls inside the visible month. Each create is independent; failures are
// counted and the rest carry on.
func runImport(ctx context.Context, sess *calendar.Session, conf *config.Config, year int, month time.Month, src string) error {
	g, err := showMonth(ctx, sess, conf, year, month)
	if err != nil {
		return err
	}

	body, err := ics.NewFetcher(nil).Fetch(ctx, src)
	if err != nil {
		return err
	}
	events, err := ics.Parse(body, conf.Location())
	if err != nil {
		return err
	}
	from, to := g.Range()
	res, err := ics.Expand(events, ics.ExpandConfig{Location: conf.Location(), From: from, To: to})
	if err != nil {
		return err
	}

	created, failed := 0, 0
	for _, occ := range res.Occurrences {
		if ctx.Err() != nil {
			break
		}
		_, err := sess.Mutator().Create(ctx, calendar.Draft{
			Title:  occ.Summary,
			Start:  occ.Start,
			End:    occ.End,
			AllDay: occ.AllDay,
		})
		if err != nil {
			failed++
			continue
		}
		created++
	}
	appLog.Info("ics import finished", "month", grid.FormatMonth(year, month), "created", created, "failed", failed, "truncated", len(res.TruncatedEvents))
	if failed > 0 {
		return fmt.Errorf("import: %d of %d events failed", failed, created+failed)
	}
	return ctx.Err()
}

func runSnapshot(ctx context.Context, srv *web.Server, conf *config.Config, year int, month time.Month, out string) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(srvCtx, ln) }()

	opts := capture.Options{
		URL:        fmt.Sprintf("http://%s/calendar?month=%s", ln.Addr(), url.QueryEscape(grid.FormatMonth(year, month))),
		OutputPath: out,
	}
	if conf.BasicAuth != nil {
		opts.Username, opts.Password = conf.BasicAuth.Username, conf.BasicAuth.Password
	}
	snapErr := capture.Snapshot(ctx, opts)

	cancel()
	if err := <-done; err != nil {
		appLog.Error("snapshot server stopped with error", err)
	}
	return snapErr
}

func serve(ctx context.Context, srv *web.Server, conf *config.Config, year int, month time.Month) error {
	if _, _, err := srv.ShowMonth(ctx, year, month); err != nil && !errors.Is(err, calendar.ErrStale) {
		// The page keeps working with whatever loads later.
		appLog.Warn("initial month load failed", "err", err)
	}

	if conf.FollowToday != "" {
		c := cron.New(cron.WithLocation(conf.Location()))
		if _, err := c.AddFunc(conf.FollowToday, func() {
			if err := srv.FollowToday(ctx); err != nil && !errors.Is(err, calendar.ErrStale) {
				appLog.Error("follow today failed", err)
			}
		}); err != nil {
			return fmt.Errorf("follow_today %q: %w", conf.FollowToday, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		appLog.Info("follow-today schedule active", "cron", conf.FollowToday)
	}

	return srv.ListenAndServe(ctx)
}
