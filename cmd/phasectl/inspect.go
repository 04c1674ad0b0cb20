package main

import (
	"encoding/json"
	"fmt"
)

type CatalogCmd struct {
	JSON bool `help:"Print JSON instead of text."`
}

func (c *CatalogCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return err
	}
	if c.JSON {
		return writeIndented(g, catalog.Definitions())
	}
	_, err = fmt.Fprint(g.out(), renderCatalog(catalog))
	return err
}

type PolicyCmd struct {
	JSON bool `help:"Print JSON instead of text."`
}

func (c *PolicyCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	policy := cfg.Policy()
	if c.JSON {
		return writeIndented(g, policy)
	}
	_, err = fmt.Fprint(g.out(), renderPolicy(policy))
	return err
}

func writeIndented(g *Globals, v any) error {
	enc := json.NewEncoder(g.out())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
