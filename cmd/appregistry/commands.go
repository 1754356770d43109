package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/app_registry/internal/app"
	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/events"
	"github.com/R3E-Network/app_registry/internal/app/metrics"
	"github.com/R3E-Network/app_registry/internal/app/services/registry"
	"github.com/R3E-Network/app_registry/internal/config"
	"github.com/R3E-Network/app_registry/internal/platform/migrations"
	"github.com/R3E-Network/app_registry/pkg/logger"
)

const usage = `usage: appregistry [-config path] [-env path] <command> [flags]

commands:
  migrate        apply database migrations (postgres driver)
  add-record     -name -package-info -address [-app-cap]
  set-network    -name -network -package-info -address [-app-cap]
  set-app-info   -name -package-info -address [-upgrade-cap] [-app-cap]
  set-metadata   -name -key -value [-app-cap]
  show           -name
  resolve        -name -network
  list
  metrics        print registry metrics in the Prometheus text format
  serve          run the snapshot scheduler until interrupted
`

var errUsage = errors.New("invalid usage")

type command func(ctx context.Context, env *environment, args []string) error

type environment struct {
	cfg *config.Config
	log *logger.Logger
	out io.Writer
}

var commands = map[string]command{
	"migrate":      cmdMigrate,
	"add-record":   cmdAddRecord,
	"set-network":  cmdSetNetwork,
	"set-app-info": cmdSetAppInfo,
	"set-metadata": cmdSetMetadata,
	"show":         cmdShow,
	"resolve":      cmdResolve,
	"list":         cmdList,
	"metrics":      cmdMetrics,
	"serve":        cmdServe,
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("appregistry", flag.ContinueOnError)
	global.SetOutput(out)
	global.Usage = func() { fmt.Fprint(out, usage) }
	configPath := global.String("config", "config/app_registry.yaml", "Path to YAML config")
	envFile := global.String("env", ".env", "Optional .env file loaded before env overrides")
	if err := global.Parse(args); err != nil {
		return err
	}

	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errUsage
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		global.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, rest[0])
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New("appregistry", logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx = events.WithRequestID(ctx, uuid.NewString())
	return cmd(ctx, &environment{cfg: cfg, log: log, out: out}, rest[1:])
}

// withApp opens the application and runs fn. When mutate is set fn runs
// inside Application.Update, so a memory-backed registry sees the latest
// snapshot and writes its result back under the snapshot lock.
func withApp(ctx context.Context, env *environment, mutate bool, fn func(*app.Application) error) error {
	application, err := app.Open(ctx, env.cfg, env.log)
	if err != nil {
		return err
	}
	defer application.Close()

	if !mutate {
		return fn(application)
	}
	return application.Update(ctx, func(context.Context) error { return fn(application) })
}

func printYAML(out io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

type idFlag struct {
	set bool
	id  apps.ObjectID
}

func (f *idFlag) String() string { return f.id.String() }

func (f *idFlag) Set(raw string) error {
	id, err := apps.ParseObjectID(raw)
	if err != nil {
		return err
	}
	f.id, f.set = id, true
	return nil
}

type addressFlag struct {
	set  bool
	addr apps.Address
}

func (f *addressFlag) String() string { return f.addr.String() }

func (f *addressFlag) Set(raw string) error {
	addr, err := apps.ParseAddress(raw)
	if err != nil {
		return err
	}
	f.addr, f.set = addr, true
	return nil
}

func newFlagSet(env *environment, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.out)
	return fs
}

func required(fs *flag.FlagSet, names ...string) error {
	seen := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { seen[f.Name] = true })
	for _, n := range names {
		if !seen[n] {
			return fmt.Errorf("%w: %s requires -%s", errUsage, fs.Name(), n)
		}
	}
	return nil
}

func cmdMigrate(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "migrate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if env.cfg.Storage.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate requires the postgres driver, configured %q", env.cfg.Storage.Driver)
	}

	db, err := sql.Open("postgres", env.cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	version, dirty, err := migrations.Version(db)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "schema version %d (dirty=%v)\n", version, dirty)
	return nil
}

func cmdAddRecord(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "add-record")
	rawName := fs.String("name", "", "Application name, e.g. app@org or app.example")
	var pkgInfo, appCap idFlag
	var addr addressFlag
	fs.Var(&pkgInfo, "package-info", "Package info object id")
	fs.Var(&addr, "address", "Package address")
	fs.Var(&appCap, "app-cap", "App capability object id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "name", "package-info", "address"); err != nil {
		return err
	}

	return withApp(ctx, env, true, func(a *app.Application) error {
		rec, err := a.Registry.AddRecord(ctx, registry.AddRecordRequest{
			Name:           *rawName,
			PackageInfoID:  pkgInfo.id,
			PackageAddress: addr.addr,
			AppCapID:       appCap.id,
		})
		if err != nil {
			return err
		}
		return printYAML(env.out, rec)
	})
}

func cmdSetNetwork(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "set-network")
	rawName := fs.String("name", "", "Application name")
	network := fs.String("network", "", "Network identifier, e.g. testnet")
	var pkgInfo, appCap idFlag
	var addr addressFlag
	fs.Var(&pkgInfo, "package-info", "Package info object id")
	fs.Var(&addr, "address", "Package address")
	fs.Var(&appCap, "app-cap", "App capability object id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "name", "network", "package-info", "address"); err != nil {
		return err
	}

	return withApp(ctx, env, true, func(a *app.Application) error {
		rec, err := a.Registry.SetNetwork(ctx, registry.SetNetworkRequest{
			Name:           *rawName,
			Network:        *network,
			PackageInfoID:  pkgInfo.id,
			PackageAddress: addr.addr,
			AppCapID:       appCap.id,
		})
		if err != nil {
			return err
		}
		return printYAML(env.out, rec)
	})
}

func cmdSetAppInfo(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "set-app-info")
	rawName := fs.String("name", "", "Application name")
	var pkgInfo, upgradeCap, appCap idFlag
	var addr addressFlag
	fs.Var(&pkgInfo, "package-info", "Package info object id")
	fs.Var(&addr, "address", "Package address")
	fs.Var(&upgradeCap, "upgrade-cap", "Upgrade capability object id")
	fs.Var(&appCap, "app-cap", "App capability object id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "name", "package-info", "address"); err != nil {
		return err
	}

	info := apps.NewAppInfo(pkgInfo.id, addr.addr)
	if upgradeCap.set {
		id := upgradeCap.id
		info.UpgradeCapID = &id
	}
	return withApp(ctx, env, true, func(a *app.Application) error {
		rec, err := a.Registry.SetAppInfo(ctx, registry.SetAppInfoRequest{Name: *rawName, Info: info, AppCapID: appCap.id})
		if err != nil {
			return err
		}
		return printYAML(env.out, rec)
	})
}

func cmdSetMetadata(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "set-metadata")
	rawName := fs.String("name", "", "Application name")
	key := fs.String("key", "", "Metadata key")
	value := fs.String("value", "", "Metadata value")
	var appCap idFlag
	fs.Var(&appCap, "app-cap", "App capability object id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "name", "key"); err != nil {
		return err
	}

	return withApp(ctx, env, true, func(a *app.Application) error {
		rec, err := a.Registry.SetMetadata(ctx, registry.SetMetadataRequest{Name: *rawName, Key: *key, Value: *value, AppCapID: appCap.id})
		if err != nil {
			return err
		}
		return printYAML(env.out, rec)
	})
}

func cmdShow(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "show")
	rawName := fs.String("name", "", "Application name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "name"); err != nil {
		return err
	}

	return withApp(ctx, env, false, func(a *app.Application) error {
		rec, err := a.Registry.Lookup(ctx, *rawName)
		if err != nil {
			return err
		}
		return printYAML(env.out, rec)
	})
}

func cmdResolve(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "resolve")
	rawName := fs.String("name", "", "Application name")
	network := fs.String("network", "", "Network identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "name", "network"); err != nil {
		return err
	}

	return withApp(ctx, env, false, func(a *app.Application) error {
		info, err := a.Registry.ResolveNetwork(ctx, *rawName, *network)
		if err != nil {
			return err
		}
		return printYAML(env.out, info)
	})
}

func cmdList(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withApp(ctx, env, false, func(a *app.Application) error {
		recs, err := a.Registry.List(ctx)
		if err != nil {
			return err
		}
		return printYAML(env.out, struct {
			Registry apps.Registry    `yaml:"registry"`
			Records  []apps.AppRecord `yaml:"records"`
		}{a.Registry.Descriptor(), recs})
	})
}

func cmdMetrics(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "metrics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(ctx, env, false, func(a *app.Application) error {
		if err := a.Registry.Start(ctx); err != nil {
			return err
		}
		return metrics.WriteText(env.out)
	})
}

func cmdServe(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet(env, "serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	application, err := app.Open(ctx, env.cfg, env.log)
	if err != nil {
		return err
	}
	if err := application.Start(ctx); err != nil {
		application.Close()
		return err
	}
	env.log.WithField("services", application.Services()).Info("app registry running; press Ctrl+C to stop")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return application.Stop(stopCtx)
}
