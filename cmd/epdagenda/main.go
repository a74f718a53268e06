package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"epdagenda/internal/battery"
	"epdagenda/internal/canvas"
	"epdagenda/internal/clock"
	"epdagenda/internal/config"
	"epdagenda/internal/epd"
	"epdagenda/internal/feed"
	"epdagenda/internal/ics"
	appLog "epdagenda/internal/log"
	"epdagenda/internal/message"
	"epdagenda/internal/refresh"
	"epdagenda/internal/web"
)

const version = "0.1.0"

// inboxSize is how many undelivered messages are held before input
// readers block.
const inboxSize = 16

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath  string
	listen      string
	once        bool
	renderOnly  bool
	dump        string
	writeConfig bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	level, err := appLog.ParseLevel(conf.LogLevel)
	if err != nil {
		appLog.Warn("invalid log level; using info", "log_level", conf.LogLevel)
	}
	appLog.SetLevel(level)
	appLog.Info("epdagenda starting", "version", version)

	if flags.writeConfig {
		if err := conf.Save(flags.configPath); err != nil {
			appLog.Error("failed to write config", err, "config_path", flags.configPath)
			os.Exit(1)
		}
		appLog.Info("config written", "config_path", flags.configPath)
		return
	}

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("unknown timezone; using local", err, "timezone", conf.Timezone)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"tick", conf.Tick,
		"clear_passes", conf.ClearPasses,
		"serial_port", conf.Input.SerialPort,
		"feed_refresh", conf.Feed.Refresh,
		"deghost", conf.Deghost,
		"ics_count", len(conf.Feed.ICS),
		"once", flags.once,
		"render_only", flags.renderOnly,
		"dump", flags.dump,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, loc, flags); err != nil {
		appLog.Error("epdagenda failed", err)
		os.Exit(1)
	}
	appLog.Info("epdagenda exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epdagenda/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh the calendar feed, draw it once and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render only; do not touch display hardware")
	flag.StringVar(&cfg.dump, "dump", "", "Write every full redraw as PNG to this path")
	flag.BoolVar(&cfg.writeConfig, "write-config", false, "Write the effective config to -config and exit")

	flag.Parse()

	return cfg
}

func run(ctx context.Context, conf *config.Config, loc *time.Location, flags flagConfig) error {
	var (
		transport epd.Transport
		port      io.Closer
		err       error
	)
	panelOpts := epd.EPD2in13
	panelOpts.Width = conf.Panel.Width
	panelOpts.Height = conf.Panel.Height
	panelOpts.Retries = conf.Panel.BusyRetries

	if flags.renderOnly {
		transport, port = &epd.NullTransport{}, nopCloser{}
		panelOpts.SleepSettle = 0
	} else {
		transport, port, err = openPanel(conf.Panel)
		if err != nil {
			return err
		}
	}
	defer func() {
		if err := closeAll(transport, port); err != nil {
			appLog.Error("failed to release panel", err)
		}
	}()

	drv, err := epd.New(transport, &panelOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := drv.Sleep(); err != nil {
			appLog.Error("panel sleep failed", err)
		}
	}()

	clk := clock.New(nil, loc)
	inbox := message.NewInbox(inboxSize)
	lp := refresh.New(drv, canvas.New(panelOpts.Width, panelOpts.Height), clk, inbox, refresh.Opts{
		Tick:        conf.Tick,
		ClearPasses: conf.ClearPasses,
		OnRedraw:    dumpPreview(flags.dump),
	})

	var f *feed.Feed
	if len(conf.Feed.ICS) > 0 {
		f = feed.New(ics.NewFetcher(nil), inbox, feed.Options{
			Sources:      icsSources(conf.Feed.ICS),
			Location:     loc,
			StartingSoon: time.Duration(conf.Feed.StartingSoonMinutes) * time.Minute,
			MaxEntries:   conf.Feed.MaxEntries,
		})
	}

	if flags.once {
		return runOnce(ctx, lp, inbox, f)
	}

	go readInput(ctx, conf.Input, inbox)

	sched := feed.NewScheduler(loc)
	var schedule web.Schedule
	if f != nil {
		schedule = f
		if err := sched.AddRefresh(ctx, conf.Feed.Refresh, f); err != nil {
			return err
		}
		go func() {
			if err := f.Refresh(ctx); err != nil {
				appLog.Error("initial feed refresh failed", err)
			}
		}()
	}
	if conf.Deghost != "" {
		if err := sched.Add("deghost", conf.Deghost, lp.RequestRedraw); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	if conf.Listen != "" {
		deps := web.Deps{Display: lp, Queue: inbox, Schedule: schedule}
		if conf.Battery.Enabled && !flags.renderOnly {
			dev, bus, err := battery.Open(conf.Battery.I2CBus, conf.Battery.Addr)
			if err != nil {
				appLog.Error("battery monitoring unavailable", err)
			} else {
				defer bus.Close()
				deps.Battery = battery.NewCached(dev, 30*time.Second)
			}
		}
		srv := web.NewServer(conf, deps)
		go func() {
			if err := srv.StartServer(ctx); err != nil {
				appLog.Error("HTTP server failed", err)
			}
		}()
	}

	return lp.Run(ctx)
}

// runOnce draws whatever the feed produces and returns.
func runOnce(ctx context.Context, lp *refresh.Loop, inbox *message.Inbox, f *feed.Feed) error {
	if f == nil {
		return errors.New("-once needs at least one ICS source")
	}
	if err := lp.Start(); err != nil {
		return err
	}
	if err := f.Refresh(ctx); err != nil {
		return err
	}
	for inbox.Len() > 0 {
		if _, err := lp.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// readInput feeds the inbox from the serial port, or stdin when none is
// configured, until EOF or ctx is done.
func readInput(ctx context.Context, cfg config.InputConfig, inbox *message.Inbox) {
	var r io.Reader = os.Stdin
	name := "stdin"
	if cfg.SerialPort != "" {
		rc, err := message.OpenSerial(cfg.SerialPort, cfg.Baud)
		if err != nil {
			appLog.Error("failed to open serial input", err, "port", cfg.SerialPort)
			return
		}
		// Closing unblocks a pending Read on shutdown.
		go func() {
			<-ctx.Done()
			rc.Close()
		}()
		r, name = rc, cfg.SerialPort
	}

	if err := inbox.ReadFrom(ctx, r); err != nil && ctx.Err() == nil {
		appLog.Error("input reader stopped", err, "input", name)
		return
	}
	appLog.Info("input closed", "input", name)
}

func icsSources(cfgs []config.ICSConfig) []ics.Source {
	sources := make([]ics.Source, 0, len(cfgs))
	for _, c := range cfgs {
		if c.URL == "" {
			continue
		}
		id := c.ID
		if id == "" {
			if c.Name != "" {
				id = c.Name
			} else {
				id = c.URL
			}
		}
		sources = append(sources, ics.Source{ID: id, URL: c.URL})
	}
	return sources
}

func dumpPreview(path string) func(c *canvas.Canvas) {
	if path == "" {
		return nil
	}
	return func(c *canvas.Canvas) {
		f, err := os.Create(path)
		if err != nil {
			appLog.Error("dump preview failed", err, "path", path)
			return
		}
		defer f.Close()
		if err := c.PNG(f); err != nil {
			appLog.Error("dump preview failed", err, "path", path)
		}
	}
}
