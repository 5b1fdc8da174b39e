package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	tele "gopkg.in/telebot.v4"

	"botkit/internal/appdata"
	"botkit/internal/config"
	"botkit/internal/eventbus"
	"botkit/internal/storage"
	"botkit/internal/task"
	"botkit/internal/transport/telegram"
	logx "botkit/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	logSvc, log := logx.New(toLogxConfig(cfg.Logging))
	defer logSvc.Close()
	cfgMgr.SetLogger(log)

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := eventbus.New()
	data := appdata.NewManager(st, log)
	mgr := task.NewManager(st, bus, data, log)
	defer mgr.Close()

	// Transport is optional: without a token the daemon still schedules,
	// executors just log instead of messaging.
	var ad *telegram.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return err
		}
		ad, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
			OwnerUserID: cfg.Telegram.OwnerUserID,
		}, log)
		if err != nil {
			return err
		}
	}

	if err := registerTasks(cfg, mgr, ad, log); err != nil {
		return err
	}
	if ad != nil {
		registerCommands(ad.Bot(), mgr, data, log)
		ad.Start()
		defer ad.Stop()
	}

	// Forward high-signal log lines to the bot owner.
	if ad != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case line := <-logSvc.Notifications():
					ad.NotifyOwner(line)
				}
			}
		}()
	}

	// Observability taps.
	go logBusEvents(ctx, bus, log)

	// Config hot reload (logging only; storage/tasks need a restart).
	cfgCh := cfgMgr.Subscribe(4)
	go func() { _ = cfgMgr.Watch(ctx) }()
	go func() {
		prev := cfg
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-cfgCh:
				if !ok {
					return
				}
				changed, attrs := config.SummarizeChange(prev, next)
				log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
				logSvc.Apply(toLogxConfig(next.Logging))
				prev = next
			}
		}
	}()

	// Everything is wired: release the import gate so dormant records from
	// the previous run are re-adopted, then tell systemd we're up.
	mgr.SetReady()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("botd ready", logx.Int("records", mgr.Records().Len()))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("botd stopping")
	return nil
}

func toLogxConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
		},
		Notify: logx.NotifyConfig{
			Enabled:    lc.Notify.Enabled,
			MinLevel:   lc.Notify.MinLevel,
			RatePerSec: lc.Notify.RatePerSec,
		},
	}
}

// registerTasks installs the config-declared templates. Executors send the
// text stashed under the record's chat/user data scope.
func registerTasks(cfg *config.Config, mgr *task.Manager, ad *telegram.Adapter, log logx.Logger) error {
	for _, tc := range cfg.Tasks {
		interval, err := config.ParseDurationField("tasks."+tc.Name+".interval", tc.Interval)
		if err != nil {
			return err
		}
		timeout, err := config.ParseDurationField("tasks."+tc.Name+".timeout", tc.Timeout)
		if err != nil {
			return err
		}
		t := &task.Task{
			Name:          tc.Name,
			Interval:      interval,
			CronSpec:      tc.Cron,
			MaxExecutions: tc.MaxExecutions,
			Timeout:       timeout,
			Policy:        task.Policy(tc.Policy),
			Execute: func(rec task.TaskRecord, h *task.Handle, data *appdata.DataMan) {
				text, _ := data.Get("text").(string)
				if text == "" {
					text = "reminder"
				}
				if ad != nil {
					ad.SendText(rec.Info.ChatID, text)
				} else {
					log.Info("task fired",
						logx.String("task", rec.OwnerKey),
						logx.Int64("chat_id", rec.Info.ChatID),
						logx.String("text", text))
				}
			},
			OnTimeout: func(rec task.TaskRecord, h *task.Handle, resume bool) {
				log.Warn("task timed out",
					logx.String("task", rec.OwnerKey),
					logx.String("record", rec.ID),
					logx.Bool("resume", resume))
			},
		}
		if err := mgr.Register(t); err != nil {
			return err
		}
		log.Info("task registered", logx.String("task", tc.Name))
	}
	return nil
}

func registerCommands(b *tele.Bot, mgr *task.Manager, data *appdata.Manager, log logx.Logger) {
	// /remind <task> <text...>: stash the text and start the named task
	// for this chat/user.
	b.Handle("/remind", func(c tele.Context) error {
		args := strings.SplitN(strings.TrimSpace(c.Message().Payload), " ", 2)
		if len(args) == 0 || args[0] == "" {
			return c.Reply("usage: /remind <task> [text]")
		}
		name := args[0]
		chatID, userID := c.Chat().ID, c.Sender().ID
		if len(args) == 2 {
			dm := data.DataMan(name, appdata.Space{ChatID: chatID, UserID: userID})
			if err := dm.Set(args[1], "text"); err != nil {
				log.Warn("stashing reminder text failed", logx.Err(err))
			}
		}
		id, err := mgr.Instantiate(name, chatID, userID, false)
		if err != nil {
			return c.Reply("unknown task: " + name)
		}
		return c.Reply("scheduled " + id)
	})

	// /cancel <task>: kill this chat/user's records of the named task.
	b.Handle("/cancel", func(c tele.Context) error {
		name := strings.TrimSpace(c.Message().Payload)
		if name == "" {
			return c.Reply("usage: /cancel <task>")
		}
		chatID, userID := c.Chat().ID, c.Sender().ID
		recs := mgr.Records().FilterOwned(name, func(i task.RecordInfo) bool {
			return i.ChatID == chatID && i.UserID == userID
		})
		for _, r := range recs {
			mgr.Handle(r.ID).Kill()
		}
		return c.Reply("cancelled " + strconv.Itoa(len(recs)))
	})
}

func logBusEvents(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fe, _ := ev.Data.(task.FireEvent)
			log.Debug("bus event",
				logx.String("type", ev.Type),
				logx.String("task", fe.Task),
				logx.String("record", fe.RecordID),
				logx.Int("executed", fe.Executed),
				logx.Time("at", ev.Time.Truncate(time.Millisecond)))
		}
	}
}
