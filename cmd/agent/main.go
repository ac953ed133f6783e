package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kioskfleet/fleet/internal/agent"
	"github.com/kioskfleet/fleet/internal/agent/gateway"
	"github.com/kioskfleet/fleet/internal/agent/kiosk"
	"github.com/kioskfleet/fleet/internal/agent/queue"
	"github.com/kioskfleet/fleet/internal/agent/syncworker"
	"github.com/kioskfleet/fleet/internal/observability"
)

const (
	serviceName    = "kioskfleet-agent"
	serviceVersion = "1.0.0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	agent.AddFlags(flagSet)
	lat := flagSet.Float64("lat", 0, "simulated latitude reported as LOCATION telemetry")
	lng := flagSet.Float64("lng", 0, "simulated longitude reported as LOCATION telemetry")
	usage := flagSet.StringToString("usage", nil, "simulated foreground time reported as APP_USAGE telemetry, e.g. edu.aiims.survey=45m")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(flagSet)
		return errors.New("missing command")
	}

	cfg, err := agent.LoadConfig(flagSet)
	if err != nil {
		return err
	}
	observability.Configure(serviceName, observability.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelConfig := observability.NewConfig(serviceName, serviceVersion, observability.ComponentAgent)
	otelConfig.DeviceID = cfg.DeviceID
	telemetry, err := observability.Initialize(ctx, otelConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer telemetry.Shutdown(context.Background())

	store, err := queue.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	client := gateway.NewClient(cfg.ServerURL, cfg.RequestTimeout)
	controller := kiosk.NewController(kiosk.NewSimulatedPlatform(cfg.DeviceOwner))
	scheduler := syncworker.NewTickerScheduler(ctx)
	defer scheduler.CancelAll()

	var providers []syncworker.Provider
	if flagSet.Changed("lat") || flagSet.Changed("lng") {
		providers = append(providers, syncworker.NewLocationProvider(fixedLocation{Lat: *lat, Lng: *lng}))
	}
	if flagSet.Changed("usage") {
		source, err := syncworker.ParseUsage(*usage)
		if err != nil {
			return fmt.Errorf("invalid --usage: %w", err)
		}
		providers = append(providers, syncworker.NewAppUsageProvider(source))
	}

	a := agent.New(cfg.Options(), client, store, controller, scheduler,
		agent.StaticPackages(cfg.InstalledPackages), providers...)

	return dispatch(ctx, a, client, cfg, args)
}

func dispatch(ctx context.Context, a *agent.Agent, client *gateway.Client, cfg *agent.Config, args []string) error {
	switch cmd := args[0]; cmd {
	case "register":
		if len(args) != 2 {
			return errors.New("usage: register <code>")
		}
		reg, err := a.Register(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(reg)

	case "login":
		if len(args) != 3 {
			return errors.New("usage: login <username> <password>")
		}
		session, err := a.Login(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		// A one-shot invocation delivers what is queued instead of staying resident
		if res := a.Drain(ctx); res.Err != nil {
			observability.Warnf("Telemetry delivery after login failed: %v", res.Err)
		}
		return printJSON(session)

	case "logout":
		return a.Logout(ctx)

	case "sync-policy":
		list, err := a.SyncPolicy(ctx)
		if err != nil {
			return err
		}
		return printJSON(list)

	case "sync":
		res := a.SyncNow(ctx)
		if res.Err != nil {
			return res.Err
		}
		return printJSON(res)

	case "kiosk-enable":
		return a.EnableKiosk(ctx)

	case "kiosk-exit":
		return a.ExitToSettings(ctx)

	case "status":
		st, err := a.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)

	case "run":
		return runAgent(ctx, a, client, cfg)

	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// runAgent keeps the agent alive until interrupted: it re-applies the
// allow-list, resumes the sync cycle for a signed-in user and listens for
// policy pushes.
func runAgent(ctx context.Context, a *agent.Agent, client *gateway.Client, cfg *agent.Config) error {
	state, err := a.Resume(ctx)
	if err != nil {
		observability.Warnf("Resume failed: %v", err)
	}
	observability.Infof("Agent started in state %s", state)

	reg, err := a.Registration(ctx)
	if err != nil {
		return err
	}
	if reg == nil {
		observability.Warn("Device is not registered; run the register command first")
	}

	if reg != nil {
		if _, err := a.SyncPolicy(ctx); err != nil {
			observability.Warnf("Initial policy sync failed: %v", err)
		}
		if session, err := a.Session(ctx); err == nil && session != nil {
			a.StartSync()
		}
		if cfg.Notifications {
			go func() {
				err := a.ListenForNotifications(ctx, client.NotificationURL(reg.DeviceID),
					agent.ListenerOptions{ReconnectDelay: cfg.ReconnectDelay})
				if err != nil {
					observability.Errorf("Notification listener stopped: %v", err)
				}
			}()
		}
	}

	<-ctx.Done()
	observability.Info("Shutting down agent...")
	a.Stop()
	return nil
}

// fixedLocation reports a constant position
type fixedLocation syncworker.LocationFix

func (f fixedLocation) LastLocation(context.Context) (*syncworker.LocationFix, error) {
	fix := syncworker.LocationFix(f)
	return &fix, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `kioskfleet-agent: headless kiosk fleet device agent.

Usage:
  kioskfleet-agent [flags] <command> [args]

Commands:
  register <code>              redeem an enrollment code
  login <username> <password>  sign a user in on this device
  logout                       sign the current user out
  sync-policy                  fetch and apply the assigned policy
  sync                         collect and upload telemetry now
  kiosk-enable                 lock the device to its allow-list
  kiosk-exit                   unlock the device
  status                       print the agent state
  run                          stay resident and follow policy pushes

Every flag can also be set in a YAML file (--config) or as a KIOSK_-prefixed
environment variable, e.g. KIOSK_SERVER_URL.

Flags:
%s`, flagSet.FlagUsages())
}
