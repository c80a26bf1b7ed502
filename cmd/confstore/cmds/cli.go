// Package cmds holds the confstore command line.
package cmds

import (
	"confstore/internal/backends"
	"confstore/internal/notify"
	"confstore/internal/ports"
	"confstore/internal/service"
	"confstore/internal/types"
	"context"
	"errors"
	"io"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
)

// CLI is the command line interface of confstore.
type CLI struct {
	EnvFile string `help:"Path of a .env file seeding the environment. Defaults to $ENV_FILE, then .env." type:"path"`

	Serve   Serve   `cmd:"" help:"Run the HTTP API."`
	Repo    Repo    `cmd:"" help:"Manage repositories."`
	Get     Get     `cmd:"" help:"Print an entry."`
	Put     Put     `cmd:"" help:"Write an entry."`
	Rm      Rm      `cmd:"" help:"Remove an entry and its history."`
	Ls      Ls      `cmd:"" help:"List the entries of a repository."`
	History History `cmd:"" help:"Print every retained version of an entry."`
	Import  Import  `cmd:"" help:"Import the top-level keys of a YAML file as entries."`
	Token   Token   `cmd:"" help:"Mint a signed access token."`
}

// Parser returns a kong parser for cli.
func Parser(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	return kong.New(cli, append([]kong.Option{
		kong.Name("confstore"),
		kong.Description("Multi-tenant versioned configuration store."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	}, opts...)...)
}

// App carries the process dependencies every command runs against. The store and the
// service are opened on first use so commands like token never touch a backend.
type App struct {
	Ctx      context.Context
	Config   types.Config
	Stdout   io.Writer
	Registry prometheus.Registerer

	store ports.RepositoryStore
	svc   *service.Service
}

func NewApp(ctx context.Context, cfg types.Config, stdout io.Writer) *App {
	return &App{Ctx: ctx, Config: cfg, Stdout: stdout, Registry: prometheus.DefaultRegisterer}
}

func (a *App) Store() (ports.RepositoryStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := backends.StoreFromConfig(a.Ctx, a.Config)
	if err != nil {
		return nil, err
	}
	a.store = backends.Instrument(st, a.Registry)
	return a.store, nil
}

// Service returns a service that trusts the operator: every call runs as namespace Owner.
func (a *App) Service() (*service.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	st, err := a.Store()
	if err != nil {
		return nil, err
	}
	pub, err := notify.FromConfig(a.Ctx, a.Config)
	if err != nil {
		return nil, err
	}
	a.svc = service.New(st, operator{}, service.WithTimeout(a.Config.RequestTimeout), service.WithNotifier(pub))
	return a.svc, nil
}

func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store, a.svc = nil, nil
	return err
}

// operator authorizes local administrative commands. The namespace must be named explicitly.
type operator struct{}

func (operator) Authorize(_ context.Context, _, namespace string, _ types.Operation) (types.Principal, string, error) {
	if namespace == "" {
		return types.Principal{}, "", types.Err(types.ErrInvalidRepositoryName, errors.New("empty namespace"), "Please specify 'namespace'")
	}
	return types.Principal{Subject: "operator", Tenant: namespace, Role: types.RoleOwner}, namespace, nil
}
