package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/wolfeidau/pacs-cache/registry"
)

// PACSCmd groups the registry commands.
type PACSCmd struct {
	List    PACSListCmd    `cmd:"" help:"List registered nodes."`
	Add     PACSAddCmd     `cmd:"" help:"Register a node."`
	Update  PACSUpdateCmd  `cmd:"" help:"Replace a registered node."`
	Remove  PACSRemoveCmd  `cmd:"" help:"Unregister a node."`
	Default PACSDefaultCmd `cmd:"" help:"Make a node the default."`
	Test    PACSTestCmd    `cmd:"" help:"Send a verification request to a node."`
}

// NodeFlags describe a node on the command line.
type NodeFlags struct {
	AETitle     string `arg:"" name:"ae-title" help:"Application entity title."`
	Address     string `help:"Host name or IP address." required:""`
	Port        int    `help:"DICOM port." default:"104"`
	Institution string `help:"Owning institution." required:""`
	Location    string `help:"Physical location."`
	Description string `help:"Free text description."`
	Default     bool   `help:"Make this the default node."`
}

func (f NodeFlags) node() registry.Node {
	return registry.Node{
		AETitle:     f.AETitle,
		Address:     f.Address,
		Port:        f.Port,
		Institution: f.Institution,
		Location:    f.Location,
		Description: f.Description,
		Default:     f.Default,
	}
}

type PACSListCmd struct {
	JSON bool `help:"Print JSON."`
}

func (c *PACSListCmd) Run(g *Globals) error {
	reg, err := g.loadRegistry(nil)
	if err != nil {
		return err
	}
	nodes := reg.List()
	if c.JSON {
		return printJSON(os.Stdout, nodes)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AE TITLE\tADDRESS\tPORT\tINSTITUTION\tLOCATION\tDEFAULT")
	for _, n := range nodes {
		def := ""
		if n.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", n.AETitle, n.Address, n.Port, n.Institution, n.Location, def)
	}
	return tw.Flush()
}

type PACSAddCmd struct {
	NodeFlags `embed:""`
}

func (c *PACSAddCmd) Run(g *Globals) error {
	reg, err := g.loadRegistry(nil)
	if err != nil {
		return err
	}
	return reg.Add(c.node())
}

type PACSUpdateCmd struct {
	NodeFlags `embed:""`

	Rename string `help:"New AE title for the node."`
}

func (c *PACSUpdateCmd) Run(g *Globals) error {
	reg, err := g.loadRegistry(nil)
	if err != nil {
		return err
	}
	current, err := reg.Get(c.AETitle)
	if err != nil {
		return err
	}
	node := c.node()
	// The default moves only through --default or 'pacs default'.
	node.Default = node.Default || current.Default
	if c.Rename != "" {
		node.AETitle = c.Rename
	}
	return reg.Update(c.AETitle, node)
}

type PACSRemoveCmd struct {
	AETitle string `arg:"" name:"ae-title" help:"Application entity title."`
}

func (c *PACSRemoveCmd) Run(g *Globals) error {
	reg, err := g.loadRegistry(nil)
	if err != nil {
		return err
	}
	return reg.Remove(c.AETitle)
}

type PACSDefaultCmd struct {
	AETitle string `arg:"" name:"ae-title" help:"Application entity title."`
}

func (c *PACSDefaultCmd) Run(g *Globals) error {
	reg, err := g.loadRegistry(nil)
	if err != nil {
		return err
	}
	return reg.SetDefault(c.AETitle)
}

type PACSTestCmd struct {
	AETitle string `arg:"" name:"ae-title" help:"Application entity title."`
}

func (c *PACSTestCmd) Run(ctx context.Context, g *Globals) error {
	reg, err := g.loadRegistry(g.transport())
	if err != nil {
		return err
	}
	result, err := reg.Test(ctx, c.AETitle)
	if err != nil {
		return err
	}
	switch {
	case result.Correct:
		fmt.Printf("%s: ok\n", c.AETitle)
	case result.Reachable:
		fmt.Printf("%s: reachable but misconfigured: %s\n", c.AETitle, result.Message)
	default:
		fmt.Printf("%s: unreachable: %s\n", c.AETitle, result.Message)
	}
	if !result.Correct {
		return fmt.Errorf("verification of %s failed", c.AETitle)
	}
	return nil
}
