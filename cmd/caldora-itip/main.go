// Command caldora-itip replays iTIP messages against an in-memory calendar
// store and prints what each one did.
//
//	caldora-itip -recipient mailto:bob@example.com invite.ics reply.ics cancel.ics
//	caldora-itip -freebusy mailto:bob@example.com -from 2024-06-03T00:00:00Z -to 2024-06-10T00:00:00Z *.ics
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cyp0633/caldora-itip/server/alarm"
	"github.com/cyp0633/caldora-itip/server/config"
	"github.com/cyp0633/caldora-itip/server/freebusy"
	"github.com/cyp0633/caldora-itip/server/identity"
	"github.com/cyp0633/caldora-itip/server/itip"
	"github.com/cyp0633/caldora-itip/server/recurrence"
	"github.com/cyp0633/caldora-itip/server/schedule"
	"github.com/cyp0633/caldora-itip/server/scheduling"
	"github.com/cyp0633/caldora-itip/server/series"
	"github.com/google/uuid"
)

type options struct {
	configPath string
	recipient  string
	freeBusy   string
	from       string
	to         string
	dump       bool
	client     string
	files      []string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML configuration file, created with defaults when missing")
	flag.StringVar(&opts.recipient, "recipient", "", "calendar user the messages are delivered to")
	flag.StringVar(&opts.freeBusy, "freebusy", "", "comma separated attendees to report free/busy time for")
	flag.StringVar(&opts.from, "from", "", "free/busy window start (RFC 3339)")
	flag.StringVar(&opts.to, "to", "", "free/busy window end (RFC 3339)")
	flag.BoolVar(&opts.dump, "dump", false, "print every stored series after the replay")
	flag.StringVar(&opts.client, "client", "", "PRODID of the client the dump is rendered for")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file.ics...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	opts.files = flag.Args()

	if err := run(context.Background(), opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, opts options, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Level()})).
		With("run", uuid.NewString())

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	dir, err := cfg.BuildDirectory(identity.WithLogger(logger))
	if err != nil {
		return err
	}

	engine := recurrence.NewEngineWithConfig(cfg.EngineConfig())
	defer engine.Close()
	store := series.NewStore(engine, series.WithLogger(logger))
	interp := itip.NewInterpreter(store,
		itip.WithResolver(dir),
		itip.WithScopePolicy(cfg.Policy()),
		itip.WithLogger(logger))
	machine := scheduling.New(store, interp, scheduling.WithLogger(logger))

	failed := 0
	for _, path := range opts.files {
		n, err := replay(ctx, machine, path, opts.recipient, loc, logger, stdout)
		if err != nil {
			return err
		}
		failed += n
	}

	if opts.dump {
		reconciler := alarm.NewReconciler(machine,
			alarm.WithAckUnsupported(cfg.Alarms.AckUnsupported),
			alarm.WithLogger(logger))
		if err := dump(store, reconciler, opts.client, stdout); err != nil {
			return err
		}
	}
	if opts.freeBusy != "" {
		if err := report(ctx, cfg, store, dir, opts, stdout, logger); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d message(s) rejected", failed)
	}
	return nil
}

// replay applies every message of one file and returns how many were rejected
func replay(ctx context.Context, m *scheduling.Machine, path, recipient string, loc *time.Location, logger *slog.Logger, w io.Writer) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	obj, err := schedule.Parse(raw, schedule.WithDefaultLocation(loc), schedule.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(w, "%s: %v\n", path, err)
		return 1, nil
	}

	failed := 0
	for _, msg := range itip.MessagesFromObject(obj, "", recipient) {
		a, err := m.Interpreter().Analyze(ctx, msg).Get()
		if err == nil {
			var commit scheduling.CommitResult
			commit, err = m.Apply(ctx, a).Get()
			if err == nil {
				fmt.Fprintf(w, "%s: %s -> %s\n", path, msg, describe(commit))
				for _, n := range commit.Notifications {
					fmt.Fprintf(w, "  notify %s %s%s\n", n.Method, n.Recipient, ridSuffix(n.RecurrenceID.OrEmpty()))
				}
				continue
			}
		}
		failed++
		fmt.Fprintf(w, "%s: %s -> %v\n", path, msg, err)
	}
	return failed, nil
}

func describe(res scheduling.CommitResult) string {
	switch {
	case res.Outcome == scheduling.OutcomeNoOp:
		return "no-op (" + res.Reason + ")"
	case res.Deleted():
		return "deleted"
	}
	return fmt.Sprintf("committed v%d", res.Version)
}

func ridSuffix(rid recurrence.ID) string {
	if rid.IsZero() {
		return ""
	}
	return " " + rid.Encode()
}

func dump(store *series.Store, r *alarm.Reconciler, client string, w io.Writer) error {
	for _, sr := range store.All() {
		events, ok := r.View(sr.UID, client)
		if !ok {
			continue
		}
		raw, err := schedule.Serialize(&schedule.Object{Events: events})
		if err != nil {
			return fmt.Errorf("failed to encode series %s: %w", sr.UID, err)
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

func report(ctx context.Context, cfg *config.Config, store *series.Store, dir *identity.Directory, opts options, w io.Writer, logger *slog.Logger) error {
	window, err := parseWindow(opts.from, opts.to)
	if err != nil {
		return err
	}
	agg := freebusy.NewAggregator(store,
		freebusy.WithResolver(dir),
		freebusy.WithMaxParallel(cfg.FreeBusy.MaxParallel),
		freebusy.WithLogger(logger))

	var results []freebusy.Result
	for _, attendee := range strings.Split(opts.freeBusy, ",") {
		attendee = strings.TrimSpace(attendee)
		if attendee == "" {
			continue
		}
		if len(cfg.Directory) > 0 {
			if _, err := dir.Resolve(ctx, attendee); err != nil {
				results = append(results, freebusy.Result{Recipient: attendee, Err: err})
				continue
			}
		}
		slots, err := agg.BusyTime(ctx, attendee, window)
		if err != nil {
			return err
		}
		results = append(results, freebusy.Result{Recipient: attendee, Slots: slots})
	}

	resp, err := freebusy.ScheduleResponse(opts.recipient, window, results, time.Now())
	if err != nil {
		return err
	}
	text, err := resp.WriteString()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, text)
	return err
}

func parseWindow(from, to string) (recurrence.Window, error) {
	var w recurrence.Window
	var err error
	if from != "" {
		if w.Start, err = time.Parse(time.RFC3339, from); err != nil {
			return w, fmt.Errorf("invalid -from: %w", err)
		}
	}
	if to != "" {
		if w.End, err = time.Parse(time.RFC3339, to); err != nil {
			return w, fmt.Errorf("invalid -to: %w", err)
		}
	}
	if !w.Start.IsZero() && !w.End.IsZero() && !w.Start.Before(w.End) {
		return w, fmt.Errorf("empty free/busy window")
	}
	return w, nil
}
