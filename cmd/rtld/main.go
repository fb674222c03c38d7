package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
	"github.com/wnxd/rtld/elf"
	"github.com/wnxd/rtld/ld"
	"github.com/wnxd/rtld/memory"
	"github.com/wnxd/rtld/source"
	"go.uber.org/zap"
)

func main() {
	app := cli.NewApp()
	app.Name = "rtld"
	app.Usage = "runtime dynamic linker"
	app.Description = "inspect shared objects and link them into an address space"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "log linker activity",
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "inspect",
			Action: inspect,
			Usage:  "display the dynamic section summary of shared objects",
			Args:   true,
		},
		{
			Name:   "syms",
			Action: syms,
			Usage:  "list exported symbols of shared objects",
			Args:   true,
		},
		{
			Name:   "open",
			Action: open,
			Usage:  "load a module with its dependencies and resolve the given symbols",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "path", Aliases: []string{"L"}, Usage: "library search directory, searched before " + source.EnvLibraryPath},
				&cli.BoolFlag{Name: "global", Aliases: []string{"g"}, Usage: "open into the global scope"},
				&cli.BoolFlag{Name: "lazy", Usage: "defer unresolved function slots"},
				&cli.BoolFlag{Name: "host", Usage: "map into this process and run initializers"},
				&cli.BoolFlag{Name: "all-errors", Usage: "report every relocation failure"},
			},
			Args:      true,
			ArgsUsage: "<module> [symbol...]",
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func logger(ctx *cli.Context) *zap.Logger {
	if !ctx.Bool("verbose") {
		return zap.NewNop()
	}
	return fn.Panic1(zap.NewDevelopment())
}

func inspect(ctx *cli.Context) error {
	for _, path := range ctx.Args().Slice() {
		img, err := elf.ImportPath(path)
		if err != nil {
			return err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s (%s)\n", path, img.Name)
		fmt.Fprintf(&b, "  arch %d, %d-bit, bind now %t\n", img.Arch, img.Word()*8, img.BindNow)
		for _, dep := range img.Needed {
			fmt.Fprintf(&b, "  needed %s\n", dep)
		}
		for _, seg := range img.Segments {
			fmt.Fprintf(&b, "  load %#x+%#x prot %d\n", seg.Vaddr, seg.Memsz, seg.Prot)
		}
		if img.TLS != nil {
			fmt.Fprintf(&b, "  tls %#x+%#x\n", img.TLS.Vaddr, img.TLS.Memsz)
		}
		kinds := make(map[elf.RelKind]int)
		for _, rel := range img.Relocations {
			kinds[rel.Kind]++
		}
		for kind, n := range kinds {
			fmt.Fprintf(&b, "  reloc %s x%d\n", kind, n)
		}
		if ctx.Bool("verbose") {
			b.WriteString(spew.Sdump(img.InitArray, img.FiniArray))
		}
		log.Printf("\n%s", b.String())
	}
	return nil
}

func syms(ctx *cli.Context) error {
	for _, path := range ctx.Args().Slice() {
		img, err := elf.ImportPath(path)
		if err != nil {
			return err
		}
		var b strings.Builder
		for sym := range img.Exports {
			fmt.Fprintf(&b, "%016x %6d %s\n", sym.Value, sym.Size, sym.Name)
		}
		log.Printf("%s:\n%s", path, b.String())
	}
	return nil
}

func open(ctx *cli.Context) (err error) {
	args := ctx.Args().Slice()
	if len(args) == 0 {
		return fmt.Errorf("missing module name")
	}
	src := source.Chain{source.Paths(ctx.StringSlice("path")...), source.Env()}
	mode := ld.Now
	if ctx.Bool("lazy") {
		mode = ld.Lazy
	}
	if ctx.Bool("global") {
		mode |= ld.Global
	} else {
		mode |= ld.Local
	}
	zl := logger(ctx)
	defer fn.IgnoreClose(closerFunc(zl.Sync))
	opts := []ld.Option{ld.WithLogger(zl), ld.WithMultipleErrors(ctx.Bool("all-errors"))}
	var space memory.Space
	if ctx.Bool("host") {
		var h hostBackend
		if h, err = host(); err != nil {
			return
		}
		space = h.space
		opts = append(opts, ld.WithRunner(h.runner))
	} else {
		space = memory.NewArena()
	}
	linker := ld.New(src, space, opts...)
	c := context.Background()
	defer func() {
		if e := linker.Shutdown(c); e != nil && err == nil {
			err = e
		}
	}()
	h, err := linker.Open(c, args[0], mode)
	if err != nil {
		return
	}
	for _, name := range args[1:] {
		addr, e := linker.Lookup(h, name)
		if e != nil {
			zl.Warn("lookup failed", zap.String("symbol", name), zap.Error(e))
			continue
		}
		fmt.Printf("%s = %#x\n", name, addr)
	}
	fmt.Print(spew.Sdump(linker.Modules()))
	return linker.Close(c, h)
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
