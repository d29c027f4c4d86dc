// Package hotcopy implements spec.md §4.10: an incremental, resumable
// copy of one repository onto another, used both to seed a replica and
// to refresh one that already holds an older prefix of the source's
// history. It mirrors the "copy under the destination's write lock,
// stamp format last" discipline pkg/fsfs/layout's WriteFormat doc
// comment already calls out for upgrade, applied here to a whole-tree
// copy instead of a format bump.
package hotcopy

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/cs3org/revafs/pkg/fsfs/fslock"
	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/fsfslog"
	"github.com/cs3org/revafs/pkg/fsfs/ids"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
	"github.com/cs3org/revafs/pkg/fsfs/repcache"
)

// Options controls a hotcopy run.
type Options struct {
	// Cancel, if set, is polled between revisions and between shards.
	// Returning true aborts the copy; per spec.md §5 a cancelled
	// hotcopy leaves DST usable at whatever revision its current
	// pointer last named.
	Cancel func() bool
}

func (o Options) cancelled() bool { return o.Cancel != nil && o.Cancel() }

// Copy hotcopies srcRoot onto dstRoot. dstRoot may not exist yet (a
// fresh hotcopy) or may already hold an older prefix of srcRoot's
// history (an incremental refresh); both are handled by the same code
// path, since a fresh destination behaves exactly like an incremental
// one whose current names revision -1.
func Copy(ctx context.Context, srcRoot, dstRoot string, opts Options) error {
	srcFF, err := layout.ReadFormat(srcRoot)
	if err != nil {
		return err
	}
	srcLt := layout.New(srcRoot, srcFF)

	fresh, err := isFreshDestination(dstRoot)
	if err != nil {
		return err
	}
	if fresh {
		if err := bootstrapFreshDestination(dstRoot, srcLt); err != nil {
			return err
		}
	}

	// dstLt is built from srcFF even before the destination's own
	// format file is stamped: until the final step, below, the
	// destination's on-disk format file either doesn't exist (fresh
	// case, reads back as legacy format 1) or still names its own
	// prior format (incremental case, which the precondition check
	// requires to already equal srcFF.Format). Either way path
	// derivation during the copy itself must follow the source's
	// layout, since that's what's being written.
	dstLt := layout.New(dstRoot, srcFF)
	locks := fslock.NewManager(dstLt)

	return locks.WithGlobalWriteLock(ctx, func() error {
		return copyLocked(ctx, srcLt, dstLt, fresh, opts)
	})
}

func isFreshDestination(dstRoot string) (bool, error) {
	_, err := os.Stat(filepath.Join(dstRoot, "current"))
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fsfserr.Wrap(fsfserr.KindGeneral, err, "stat destination %s", dstRoot)
	}
	return false, nil
}

// bootstrapFreshDestination lays down the minimum skeleton a fresh
// destination needs before the incremental copy logic can treat it
// uniformly with an existing one: directories, and a current file
// naming revision -1 (nothing copied yet). It deliberately does not
// write a format file, a uuid file, or fsfs.conf — those come from
// copying the source, and per spec.md §4.10 the format file is the
// very last thing written, so a crash during bootstrap or the copy
// itself leaves a destination that reads back as an incomplete,
// retryable copy rather than a usable repository.
func bootstrapFreshDestination(dstRoot string, srcLt *layout.Layout) error {
	dstLt := layout.New(dstRoot, &layout.FormatFile{Format: srcLt.Format, Kind: srcLt.Kind, MaxFilesPerShard: srcLt.MaxFilesPerShard})
	for _, dir := range []string{dstRoot, dstLt.RevsDir(), dstLt.RevpropsDir(), dstLt.TransactionsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fsfserr.Wrap(fsfserr.KindGeneral, err, "create destination directory %s", dir)
		}
	}
	if dstLt.SupportsDedicatedProtorevs() {
		if err := os.MkdirAll(dstLt.TxnProtorevsDir(), 0755); err != nil {
			return fsfserr.Wrap(fsfserr.KindGeneral, err, "create destination txn-protorevs directory")
		}
	}
	return dstLt.WriteCurrent(layout.Current{Youngest: -1})
}

func copyLocked(ctx context.Context, srcLt, dstLt *layout.Layout, fresh bool, opts Options) error {
	log := fsfslog.FromContext(ctx)

	if err := copyConfig(srcLt, dstLt); err != nil {
		return err
	}

	dstCur, err := dstLt.ReadCurrent()
	if err != nil {
		return err
	}

	if fresh {
		if err := copyFile(srcLt.UUIDPath(), dstLt.UUIDPath()); err != nil {
			return fsfserr.Wrap(fsfserr.KindGeneral, err, "copy uuid file")
		}
	} else {
		if err := checkIncrementalPreconditions(srcLt, dstLt); err != nil {
			return err
		}
	}

	srcCur, err := srcLt.ReadCurrent()
	if err != nil {
		return err
	}
	if srcCur.Youngest < dstCur.Youngest {
		return fsfserr.New(fsfserr.KindUnsupportedFeature, "source youngest %d is behind destination youngest %d", srcCur.Youngest, dstCur.Youngest)
	}

	next := dstCur.Youngest + 1
	if srcLt.SupportsPackedRevisions() {
		next, err = copyPackedShards(ctx, srcLt, dstLt, next, opts)
		if err != nil {
			return err
		}
	}
	if err := copyUnpackedRevisions(ctx, srcLt, dstLt, next, srcCur.Youngest, opts); err != nil {
		return err
	}

	// The lock tree, node-origins cache, rep-cache database, and
	// transaction counter are independent of each other and of the
	// revision copy loop above (which has already established
	// dst.current); copying them concurrently shortens wall-clock time
	// without affecting resumability, since none of them gate a retry
	// of the revision loop.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return replaceLockTree(srcLt, dstLt) })
	g.Go(func() error { return copyNodeOrigins(srcLt, dstLt) })
	g.Go(func() error { return copyRepCache(gctx, srcLt, dstLt, srcCur.Youngest) })
	g.Go(func() error { return copyTxnCounter(srcLt, dstLt) })
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Int64("youngest", srcCur.Youngest).Msg("hotcopy: stamping destination format")
	return layout.WriteFormat(dstLt.Root, &layout.FormatFile{Format: srcLt.Format, Kind: srcLt.Kind, MaxFilesPerShard: srcLt.MaxFilesPerShard})
}

func copyConfig(srcLt, dstLt *layout.Layout) error {
	if _, err := os.Stat(srcLt.ConfigPath()); os.IsNotExist(err) {
		return fsfserr.New(fsfserr.KindUnsupportedFeature, "source repository has no config file; hotcopy of a hotcopy predating config support is not supported")
	} else if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "stat source config file")
	}
	return copyFile(srcLt.ConfigPath(), dstLt.ConfigPath())
}

func checkIncrementalPreconditions(srcLt, dstLt *layout.Layout) error {
	dstFF := &layout.FormatFile{Format: dstLt.Format, Kind: dstLt.Kind, MaxFilesPerShard: dstLt.MaxFilesPerShard}
	if _, err := os.Stat(dstLt.FormatPath()); err == nil {
		if dstFF, err = layout.ReadFormat(dstLt.Root); err != nil {
			return err
		}
	}
	if srcLt.Format != dstFF.Format {
		return fsfserr.New(fsfserr.KindUnsupportedFeature, "source format %d does not match destination format %d", srcLt.Format, dstFF.Format)
	}
	srcUUID, err := ids.ReadUUID(srcLt)
	if err != nil {
		return err
	}
	dstUUID, err := ids.ReadUUID(dstLt)
	if err != nil {
		return err
	}
	if srcUUID != dstUUID {
		return fsfserr.New(fsfserr.KindUUIDMismatch, "source uuid %s does not match destination uuid %s", srcUUID, dstUUID)
	}
	if srcLt.Kind == layout.LayoutSharded && srcLt.MaxFilesPerShard != dstFF.MaxFilesPerShard {
		return fsfserr.New(fsfserr.KindUnsupportedFeature, "source shard size %d does not match destination shard size %d", srcLt.MaxFilesPerShard, dstFF.MaxFilesPerShard)
	}
	srcMin, err := readMinUnpackedRev(srcLt)
	if err != nil {
		return err
	}
	dstMin, err := readMinUnpackedRev(dstLt)
	if err != nil {
		return err
	}
	if srcMin < dstMin {
		return fsfserr.New(fsfserr.KindUnsupportedFeature, "destination has been packed independently (min-unpacked-rev %d > source's %d)", dstMin, srcMin)
	}
	return nil
}

func readMinUnpackedRev(lt *layout.Layout) (int64, error) {
	if !lt.SupportsPackedRevisions() {
		return 0, nil
	}
	b, err := os.ReadFile(lt.MinUnpackedRevPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "read min-unpacked-rev")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fsfserr.Wrap(fsfserr.KindCorrupt, err, "malformed min-unpacked-rev")
	}
	return n, nil
}

func writeMinUnpackedRev(lt *layout.Layout, rev int64) error {
	return os.WriteFile(lt.MinUnpackedRevPath(), []byte(strconv.FormatInt(rev, 10)+"\n"), 0644)
}

// copyPackedShards copies every packed shard in src not yet reflected
// in dst, advancing dst's current (and min-unpacked-rev) after each
// one. It returns the first revision not yet covered by a packed
// shard, the starting point for copyUnpackedRevisions.
func copyPackedShards(ctx context.Context, srcLt, dstLt *layout.Layout, next int64, opts Options) (int64, error) {
	shardSize := int64(srcLt.MaxFilesPerShard)
	if shardSize <= 0 {
		return next, nil
	}
	for shard := next / shardSize; ; shard++ {
		if opts.cancelled() {
			return next, nil
		}
		shardFirst := shard * shardSize
		shardLast := shardFirst + shardSize - 1
		if shardFirst < next {
			shardFirst = next
		}
		srcPack := filepath.Join(srcLt.RevsDir(), strconv.FormatInt(shard, 10)+".pack")
		if _, err := os.Stat(srcPack); os.IsNotExist(err) {
			return next, nil
		} else if err != nil {
			return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "stat source pack %s", srcPack)
		}

		dstPack := filepath.Join(dstLt.RevsDir(), strconv.FormatInt(shard, 10)+".pack")
		if err := copyDirRecursive(srcPack, dstPack); err != nil {
			return 0, err
		}
		srcRevpropsPack := filepath.Join(srcLt.RevpropsDir(), strconv.FormatInt(shard, 10)+".pack")
		dstRevpropsPack := filepath.Join(dstLt.RevpropsDir(), strconv.FormatInt(shard, 10)+".pack")
		if err := copyDirRecursive(srcRevpropsPack, dstRevpropsPack); err != nil {
			return 0, err
		}

		for rev := shardFirst; rev <= shardLast; rev++ {
			_ = os.Remove(dstLt.RevisionPath(rev))
			_ = os.Remove(dstLt.RevpropsPath(rev))
		}

		if err := dstLt.WriteCurrent(layout.Current{Youngest: shardLast}); err != nil {
			return 0, err
		}
		if err := writeMinUnpackedRev(dstLt, shardLast+1); err != nil {
			return 0, err
		}
		next = shardLast + 1
	}
}

// copyUnpackedRevisions copies individual revision/revprop file pairs
// from src to dst, one revision at a time, bumping dst's current after
// each — the finest-grained resumption point the layout offers. If a
// source revision file has vanished because its shard was packed
// concurrently, the pack is copied instead and the loop resumes past
// it; a revision that is neither present nor packed means the source
// raced ahead of us in a way we cannot safely resume from.
func copyUnpackedRevisions(ctx context.Context, srcLt, dstLt *layout.Layout, next, limit int64, opts Options) error {
	for rev := next; rev <= limit; rev++ {
		if opts.cancelled() {
			return nil
		}
		if err := ensureShardDirs(dstLt, rev); err != nil {
			return err
		}
		if err := copyFile(srcLt.RevisionPath(rev), dstLt.RevisionPath(rev)); err != nil {
			if !os.IsNotExist(err) {
				return fsfserr.Wrap(fsfserr.KindGeneral, err, "copy revision %d", rev)
			}
			packed, packErr := recoverFromPackedShard(srcLt, dstLt, rev)
			if packErr != nil {
				return packErr
			}
			if !packed {
				return fsfserr.New(fsfserr.KindGeneral, "source revision %d disappeared and was not packed; source's youngest was packed concurrently", rev)
			}
			continue
		}
		if err := copyFile(srcLt.RevpropsPath(rev), dstLt.RevpropsPath(rev)); err != nil {
			return fsfserr.Wrap(fsfserr.KindGeneral, err, "copy revprops %d", rev)
		}
		if err := dstLt.WriteCurrent(layout.Current{Youngest: rev}); err != nil {
			return err
		}
	}
	return nil
}

func ensureShardDirs(lt *layout.Layout, rev int64) error {
	if lt.Kind != layout.LayoutSharded {
		return nil
	}
	if err := lt.EnsureShardDir(lt.RevisionDir(rev)); err != nil {
		return err
	}
	return lt.EnsureShardDir(lt.RevpropsDirFor(rev))
}

func recoverFromPackedShard(srcLt, dstLt *layout.Layout, rev int64) (bool, error) {
	if srcLt.MaxFilesPerShard <= 0 {
		return false, nil
	}
	shard := rev / int64(srcLt.MaxFilesPerShard)
	srcPack := filepath.Join(srcLt.RevsDir(), strconv.FormatInt(shard, 10)+".pack")
	if _, err := os.Stat(srcPack); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fsfserr.Wrap(fsfserr.KindGeneral, err, "stat source pack %s", srcPack)
	}
	dstPack := filepath.Join(dstLt.RevsDir(), strconv.FormatInt(shard, 10)+".pack")
	if err := copyDirRecursive(srcPack, dstPack); err != nil {
		return false, err
	}
	srcRevpropsPack := filepath.Join(srcLt.RevpropsDir(), strconv.FormatInt(shard, 10)+".pack")
	dstRevpropsPack := filepath.Join(dstLt.RevpropsDir(), strconv.FormatInt(shard, 10)+".pack")
	if err := copyDirRecursive(srcRevpropsPack, dstRevpropsPack); err != nil {
		return false, err
	}
	shardLast := (shard+1)*int64(srcLt.MaxFilesPerShard) - 1
	if err := dstLt.WriteCurrent(layout.Current{Youngest: shardLast}); err != nil {
		return false, err
	}
	return true, writeMinUnpackedRev(dstLt, shardLast+1)
}

func replaceLockTree(srcLt, dstLt *layout.Layout) error {
	srcLocks := filepath.Join(srcLt.Root, "locks")
	dstLocks := filepath.Join(dstLt.Root, "locks")
	if _, err := os.Stat(srcLocks); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "stat source locks directory")
	}
	if err := os.RemoveAll(dstLocks); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "remove stale destination lock tree")
	}
	return copyDirRecursive(srcLocks, dstLocks)
}

func copyNodeOrigins(srcLt, dstLt *layout.Layout) error {
	if _, err := os.Stat(srcLt.NodeOriginsDir()); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "stat source node-origins cache")
	}
	return copyDirRecursive(srcLt.NodeOriginsDir(), dstLt.NodeOriginsDir())
}

func copyRepCache(ctx context.Context, srcLt, dstLt *layout.Layout, dstYoungest int64) error {
	if _, err := os.Stat(srcLt.RepCachePath()); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "stat source rep-cache database")
	}
	if err := copyFile(srcLt.RepCachePath(), dstLt.RepCachePath()); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "copy rep-cache database")
	}
	db, err := repcache.Open(dstLt)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Prune(ctx, dstYoungest)
}

func copyTxnCounter(srcLt, dstLt *layout.Layout) error {
	if _, err := os.Stat(srcLt.TxnCurrentPath()); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "stat source transaction counter")
	}
	return copyFile(srcLt.TxnCurrentPath(), dstLt.TxnCurrentPath())
}

// --- filesystem helpers ---

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".hotcopy-tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "create %s", tmp)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "copy %s to %s", src, dst)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "close %s", tmp)
	}
	return os.Rename(tmp, dst)
}

func copyDirRecursive(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "create %s", dst)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "read directory %s", src)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDirRecursive(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}
