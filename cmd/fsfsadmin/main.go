// Command fsfsadmin is the administrative command spec.md §5 notes
// the engine itself deliberately has no opinion about ("transaction
// scratch directory ... must be purged by administrative command, not
// in scope"); it exposes create, hotcopy, and upgrade as subcommands
// over the public pkg/fsfs API. It has no subcommand that purges
// abandoned transaction scratch directories. It uses only the flag standard
// library — no CLI-framework dependency is wired anywhere in the
// example corpus for a one-off admin binary like this one (see
// DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/cs3org/revafs/pkg/fsfs"
	"github.com/cs3org/revafs/pkg/fsfs/hotcopy"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
	"github.com/cs3org/revafs/pkg/fsfs/upgrade"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(ctx, os.Args[2:])
	case "hotcopy":
		err = runHotcopy(ctx, os.Args[2:])
	case "upgrade":
		err = runUpgrade(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fsfsadmin:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  fsfsadmin create -repo PATH [-format N]
  fsfsadmin hotcopy -src PATH -dst PATH
  fsfsadmin upgrade -repo PATH -format N`)
}

func runCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	repo := fs.String("repo", "", "path at which to create the repository")
	format := fs.Int("format", layout.FormatMax, "on-disk format number")
	fs.Parse(args)

	if *repo == "" {
		return fmt.Errorf("-repo is required")
	}
	r, err := fsfs.Create(*repo, *format)
	if err != nil {
		return err
	}
	defer r.Close()
	fmt.Printf("created repository %s at format %d, uuid %s\n", *repo, *format, r.UUID())
	return nil
}

func runHotcopy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("hotcopy", flag.ExitOnError)
	src := fs.String("src", "", "source repository path")
	dst := fs.String("dst", "", "destination repository path")
	fs.Parse(args)

	if *src == "" || *dst == "" {
		return fmt.Errorf("-src and -dst are required")
	}
	if err := hotcopy.Copy(ctx, *src, *dst, hotcopy.Options{}); err != nil {
		return err
	}
	fmt.Printf("hotcopied %s to %s\n", *src, *dst)
	return nil
}

func runUpgrade(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upgrade", flag.ExitOnError)
	repo := fs.String("repo", "", "repository path")
	format := fs.Int("format", layout.FormatMax, "target format number")
	fs.Parse(args)

	if *repo == "" {
		return fmt.Errorf("-repo is required")
	}
	opts := upgrade.Options{
		Notify: func(event, detail string) {
			if detail != "" {
				fmt.Printf("%s: %s\n", event, detail)
			} else {
				fmt.Println(event)
			}
		},
	}
	if err := upgrade.Run(ctx, *repo, *format, opts); err != nil {
		return err
	}
	fmt.Printf("upgraded %s to format %d\n", *repo, *format)
	return nil
}
