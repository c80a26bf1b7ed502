package cmds

import (
	"confstore/internal/service"
	"confstore/internal/types"
	"fmt"
	"os"
	"slices"

	"github.com/goccy/go-yaml"
)

// The Import command writes every top-level key of a YAML document as an entry whose value is
// the JSON rendering of that key's node.
type Import struct {
	Namespace  string `arg:"" help:"Namespace."`
	Repository string `arg:"" help:"Repository name."`
	File       string `arg:"" help:"YAML file to import." type:"existingfile"`
	Create     bool   `help:"Create the repository first when it does not exist."`
}

func (c *Import) Run(app *App) error {
	raw, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", c.File, err)
	}

	svc, err := app.Service()
	if err != nil {
		return err
	}
	if c.Create {
		err := svc.CreateRepository(app.Ctx, service.RepositoryRequest{Namespace: c.Namespace, Repository: c.Repository})
		if err != nil && types.KindOf(err) != types.RepositoryAlreadyExists {
			return err
		}
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v, err := types.ValueOf(doc[k])
		if err != nil {
			return fmt.Errorf("convert %q: %w", k, err)
		}
		res, err := svc.PutEntry(app.Ctx, service.PutRequest{
			Namespace:  c.Namespace,
			Repository: c.Repository,
			Key:        k,
			Value:      v,
		})
		if err != nil {
			return fmt.Errorf("import %q: %w", k, err)
		}
		fmt.Fprintf(app.Stdout, "%s\t%d\n", res.Key, res.Version)
	}
	return nil
}
