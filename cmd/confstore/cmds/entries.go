package cmds

import (
	"confstore/internal/service"
	"confstore/internal/types"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

type Repo struct {
	Create RepoCreate `cmd:"" help:"Create a repository."`
}

type RepoCreate struct {
	Namespace  string `arg:"" help:"Namespace (tenant) owning the repository."`
	Repository string `arg:"" help:"Repository name."`
}

func (c *RepoCreate) Run(app *App) error {
	svc, err := app.Service()
	if err != nil {
		return err
	}
	if err := svc.CreateRepository(app.Ctx, service.RepositoryRequest{Namespace: c.Namespace, Repository: c.Repository}); err != nil {
		return err
	}
	fmt.Fprintf(app.Stdout, "created %s/%s\n", c.Namespace, c.Repository)
	return nil
}

// EntryArgs addresses one entry on the command line.
type EntryArgs struct {
	Namespace  string `arg:"" help:"Namespace."`
	Repository string `arg:"" help:"Repository name."`
	Key        string `arg:"" help:"Entry key."`
}

func (a EntryArgs) request() service.EntryRequest {
	return service.EntryRequest{Namespace: a.Namespace, Repository: a.Repository, Key: a.Key}
}

// The Get command prints the current entry, or an older revision with --version.
type Get struct {
	EntryArgs
	Version int64 `help:"Read this revision instead of the current one." default:"0"`
}

func (c *Get) Run(app *App) error {
	svc, err := app.Service()
	if err != nil {
		return err
	}
	req := c.request()
	if c.Version != 0 {
		req.Version = &c.Version
	}
	e, err := svc.ReadEntry(app.Ctx, req)
	if err != nil {
		return err
	}
	return printJSON(app.Stdout, e)
}

// The Put command writes a JSON document. Without --expect or --create the write is unconditional.
type Put struct {
	EntryArgs
	Value  string `arg:"" help:"JSON document."`
	Expect int64  `help:"Only write when the current version matches." default:"-1"`
	Create bool   `help:"Only write when the key does not exist yet."`
}

func (c *Put) Run(app *App) error {
	svc, err := app.Service()
	if err != nil {
		return err
	}
	req := service.PutRequest{
		Namespace:  c.Namespace,
		Repository: c.Repository,
		Key:        c.Key,
		Value:      types.Value(c.Value),
	}
	if c.Create && c.Expect >= 0 {
		return fmt.Errorf("--create and --expect are mutually exclusive")
	}
	var res service.PutResult
	switch {
	case c.Create:
		res, err = svc.CreateEntry(app.Ctx, req)
	case c.Expect >= 0:
		req.ExpectedVersion = &c.Expect
		res, err = svc.PutEntry(app.Ctx, req)
	default:
		res, err = svc.PutEntry(app.Ctx, req)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Stdout, "%s\t%d\n", res.Key, res.Version)
	return nil
}

type Rm struct {
	EntryArgs
}

func (c *Rm) Run(app *App) error {
	svc, err := app.Service()
	if err != nil {
		return err
	}
	key, err := svc.DeleteEntry(app.Ctx, c.request())
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Stdout, "removed %s\n", key)
	return nil
}

// The Ls command prints one "key<TAB>version" line per entry.
type Ls struct {
	Namespace  string `arg:"" help:"Namespace."`
	Repository string `arg:"" help:"Repository name."`
	Filter     string `help:"JMESPath expression over {key, value, version}; entries where it is true are listed."`
	Negate     bool   `help:"List the entries where the filter is false instead."`
	Values     bool   `help:"Print the values too."`
}

func (c *Ls) Run(app *App) error {
	svc, err := app.Service()
	if err != nil {
		return err
	}
	entries, err := svc.ListEntries(app.Ctx, service.ListRequest{
		Namespace:  c.Namespace,
		Repository: c.Repository,
		Filter:     c.Filter,
		Negate:     c.Negate,
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if c.Values {
			fmt.Fprintf(app.Stdout, "%s\t%d\t%s\n", e.Key, e.Version, e.Value)
			continue
		}
		fmt.Fprintf(app.Stdout, "%s\t%d\n", e.Key, e.Version)
	}
	return nil
}

type History struct {
	EntryArgs
}

func (c *History) Run(app *App) error {
	svc, err := app.Service()
	if err != nil {
		return err
	}
	hist, err := svc.ReadEntryHistory(app.Ctx, c.request())
	if err != nil {
		return err
	}
	for _, e := range hist {
		fmt.Fprintf(app.Stdout, "%d\t%s\n", e.Version, e.Value)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}
