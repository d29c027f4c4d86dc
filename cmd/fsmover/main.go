// Command fsmover is a minimal administrative front end over
// pkg/fsfs, an interactive line-editing shell accepting the same five
// verbs original_source/subversion/svnmover/svnmover.c drives against
// a filesystem transaction (mv, mkdir, put, cp, rm). "commit" commits
// the open transaction and starts a fresh one; "quit" aborts any
// uncommitted changes. It contains no engine logic of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"

	"github.com/cs3org/revafs/pkg/fsfs"
)

var verbs = []prompt.Suggest{
	{Text: "mv", Description: "mv SRC DST — move a path within the open transaction"},
	{Text: "cp", Description: "cp SRC DST — copy a path from the transaction's base revision"},
	{Text: "mkdir", Description: "mkdir PATH — create an empty directory"},
	{Text: "put", Description: "put PATH FILE — set PATH's contents from FILE (- for stdin)"},
	{Text: "rm", Description: "rm PATH — delete a path"},
	{Text: "status", Description: "show the transaction id and its base revision"},
	{Text: "commit", Description: "commit the transaction and start a fresh one"},
	{Text: "quit", Description: "abort any uncommitted changes and exit"},
}

func main() {
	repoPath := flag.String("repo", "", "path to an existing repository")
	base := flag.Int64("base", -1, "base revision for the transaction (defaults to youngest)")
	flag.Parse()

	if *repoPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fsmover -repo PATH")
		os.Exit(2)
	}

	repo, err := fsfs.Open(*repoPath)
	if err != nil {
		fatal(err)
	}
	defer repo.Close()

	ctx := context.Background()
	sh := newShell(ctx, repo)
	if err := sh.begin(*base); err != nil {
		fatal(err)
	}

	p := prompt.New(
		sh.execute,
		completer,
		prompt.OptionPrefix("fsmover> "),
		prompt.OptionTitle("fsmover"),
	)
	p.Run()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "fsmover:", err)
	os.Exit(1)
}

func completer(d prompt.Document) []prompt.Suggest {
	return prompt.FilterHasPrefix(verbs, d.GetWordBeforeCursor(), true)
}

// shell drives one open transaction, the way svnmover.c's action loop
// drives one edit-session against the repository, verb by verb.
type shell struct {
	ctx  context.Context
	repo *fsfs.FS
	root *fsfs.Root // the transaction's base revision, for Copy/Move's srcRoot argument
	tx   *fsfs.Transaction
	base fsfs.Revision
}

func newShell(ctx context.Context, repo *fsfs.FS) *shell {
	return &shell{ctx: ctx, repo: repo}
}

func (s *shell) begin(base fsfs.Revision) error {
	if base < 0 {
		youngest, err := s.repo.YoungestRevision(s.ctx)
		if err != nil {
			return err
		}
		base = youngest
	}
	root, err := s.repo.RevisionRoot(s.ctx, base)
	if err != nil {
		return err
	}
	tx, err := s.repo.BeginTransaction(s.ctx, base)
	if err != nil {
		return err
	}
	s.base, s.root, s.tx = base, root, tx
	return nil
}

func (s *shell) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	verb, args := fields[0], fields[1:]

	var err error
	switch verb {
	case "mv":
		err = s.requireArgs(args, 2, func() error { return s.tx.Move(s.ctx, s.root, args[0], args[1]) })
	case "cp":
		err = s.requireArgs(args, 2, func() error { return s.tx.Copy(s.ctx, s.root, args[0], args[1]) })
	case "mkdir":
		err = s.requireArgs(args, 1, func() error { return s.tx.MakeDir(s.ctx, args[0]) })
	case "put":
		err = s.requireArgs(args, 2, func() error { return s.put(args[0], args[1]) })
	case "rm":
		err = s.requireArgs(args, 1, func() error { return s.tx.Remove(s.ctx, args[0]) })
	case "status":
		err = s.status()
	case "commit":
		err = s.commit()
	case "quit", "exit":
		s.quit()
		return
	default:
		err = fmt.Errorf("unknown verb %q (try mv, cp, mkdir, put, rm, status, commit, quit)", verb)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fsmover:", err)
	}
}

func (s *shell) requireArgs(args []string, n int, fn func() error) error {
	if len(args) != n {
		return fmt.Errorf("expected %d argument(s), got %d", n, len(args))
	}
	return fn()
}

func (s *shell) put(path, source string) error {
	var content []byte
	var err error
	if source == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(source)
	}
	if err != nil {
		return err
	}
	return s.tx.Put(s.ctx, path, content)
}

func (s *shell) status() error {
	fmt.Printf("transaction %s, base revision %d\n", s.tx.ID(), s.base)
	return nil
}

func (s *shell) commit() error {
	rev, err := s.repo.Commit(s.ctx, s.tx)
	if err != nil {
		return err
	}
	fmt.Printf("committed revision %d\n", rev)
	return s.begin(-1)
}

func (s *shell) quit() {
	if err := s.repo.AbortTransaction(s.ctx, s.tx); err != nil {
		fmt.Fprintln(os.Stderr, "fsmover: abort:", err)
	}
	os.Exit(0)
}
