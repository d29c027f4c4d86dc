// Package upgrade implements spec.md §4.11: moving a repository
// forward from its current on-disk format to a newer one, running
// under the global write lock, creating each format's required
// artifacts idempotently before the format file itself names the new
// number — the same "stamp last" discipline pkg/fsfs/hotcopy applies
// to a whole-tree copy, applied here to a handful of new files and
// directories.
package upgrade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cs3org/revafs/pkg/fsfs/fslock"
	"github.com/cs3org/revafs/pkg/fsfs/fsfsconf"
	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
)

// Milestone events passed to Options.Notify.
const (
	MilestoneFeatureAdded = "feature-added"
	MilestoneFormatBumped = "format-bumped"
	MilestoneCleanupDone  = "cleanup-done"
)

// Options controls an upgrade run.
type Options struct {
	// Notify, if set, is called at each milestone spec.md §4.11 names:
	// a feature artifact created, the format bumped, cleanup done.
	// detail names the artifact for MilestoneFeatureAdded, and is
	// empty for the other two events.
	Notify func(event, detail string)
	// Cancel, if set, is polled between shards during revprop
	// packing. A cancelled upgrade leaves the store at the old
	// format, per spec.md §5.
	Cancel func() bool
}

func (o Options) notify(event, detail string) {
	if o.Notify != nil {
		o.Notify(event, detail)
	}
}

func (o Options) cancelled() bool { return o.Cancel != nil && o.Cancel() }

// Run upgrades the repository at root to targetFormat.
func Run(ctx context.Context, root string, targetFormat int, opts Options) error {
	if err := layout.ValidateFormat(targetFormat); err != nil {
		return err
	}
	ff, err := layout.ReadFormat(root)
	if err != nil {
		return err
	}
	if err := layout.ValidateFormat(ff.Format); err != nil {
		return err
	}
	if ff.Format > targetFormat {
		return fsfserr.New(fsfserr.KindUnsupportedFeature, "cannot downgrade repository from format %d to %d", ff.Format, targetFormat)
	}

	oldLt := layout.New(root, ff)
	locks := fslock.NewManager(oldLt)

	return locks.WithGlobalWriteLock(ctx, func() error {
		return upgradeLocked(ctx, root, ff, targetFormat, opts)
	})
}

func upgradeLocked(ctx context.Context, root string, ff *layout.FormatFile, targetFormat int, opts Options) error {
	if ff.Format == targetFormat {
		return nil
	}

	newFF := &layout.FormatFile{Format: targetFormat, Kind: ff.Kind, MaxFilesPerShard: ff.MaxFilesPerShard}
	oldLt := layout.New(root, ff)
	newLt := layout.New(root, newFF)

	if err := ensureFeatureArtifacts(oldLt, newLt, opts); err != nil {
		return err
	}

	packedShards, err := packRevpropsIfNeeded(ctx, oldLt, newLt, opts)
	if err != nil {
		return err
	}

	if err := layout.WriteFormat(root, newFF); err != nil {
		return err
	}
	opts.notify(MilestoneFormatBumped, "")

	if err := cleanupPackedRevprops(newLt, packedShards); err != nil {
		return err
	}
	opts.notify(MilestoneCleanupDone, "")
	return nil
}

// ensureFeatureArtifacts idempotently creates every artifact newLt's
// format requires that oldLt's did not, per spec.md §4.11: the config
// file unconditionally (harmless to already have one), the
// transaction counter file and its lock whenever missing, and the
// txn-protorevs directory and the min-unpacked-rev file, each gated on
// the feature it serves.
func ensureFeatureArtifacts(oldLt, newLt *layout.Layout, opts Options) error {
	if _, err := os.Stat(newLt.ConfigPath()); os.IsNotExist(err) {
		if err := fsfsconf.Write(newLt.ConfigPath(), fsfsconf.Default()); err != nil {
			return err
		}
		opts.notify(MilestoneFeatureAdded, "config file")
	} else if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "stat config file")
	}

	if _, err := os.Stat(newLt.TxnCurrentPath()); os.IsNotExist(err) {
		if err := os.WriteFile(newLt.TxnCurrentPath(), []byte("0\n"), 0644); err != nil {
			return fsfserr.Wrap(fsfserr.KindGeneral, err, "create transaction counter file")
		}
		if err := touchFile(newLt.TxnCurrentLockPath()); err != nil {
			return err
		}
		opts.notify(MilestoneFeatureAdded, "transaction counter")
	} else if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "stat transaction counter file")
	}

	if newLt.SupportsDedicatedProtorevs() && !oldLt.SupportsDedicatedProtorevs() {
		if err := os.MkdirAll(newLt.TxnProtorevsDir(), 0755); err != nil {
			return fsfserr.Wrap(fsfserr.KindGeneral, err, "create txn-protorevs directory")
		}
		opts.notify(MilestoneFeatureAdded, "txn-protorevs directory")
	}

	if newLt.SupportsPackedRevisions() && !oldLt.SupportsPackedRevisions() {
		if _, err := os.Stat(newLt.MinUnpackedRevPath()); os.IsNotExist(err) {
			cur, err := newLt.ReadCurrent()
			if err != nil {
				return err
			}
			if err := os.WriteFile(newLt.MinUnpackedRevPath(), []byte(strconv.FormatInt(cur.Youngest+1, 10)+"\n"), 0644); err != nil {
				return fsfserr.Wrap(fsfserr.KindGeneral, err, "create min-unpacked-rev file")
			}
			opts.notify(MilestoneFeatureAdded, "min-unpacked-rev file")
		} else if err != nil {
			return fsfserr.Wrap(fsfserr.KindGeneral, err, "stat min-unpacked-rev file")
		}
	}

	return nil
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return nil
	}
	if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "create %s", path)
	}
	return f.Close()
}

// packRevpropsIfNeeded packs revprops for every already revision-packed
// shard that does not yet have a revprops pack counterpart, per
// spec.md §4.11's "if the store is sharded but revprops aren't yet
// packed, pack revprops up to the packed point before bumping the
// format". It returns the shards it packed, so the caller can remove
// the now-redundant unpacked files only after the format bump
// succeeds.
func packRevpropsIfNeeded(ctx context.Context, oldLt, newLt *layout.Layout, opts Options) ([]int64, error) {
	if newLt.Kind != layout.LayoutSharded || newLt.MaxFilesPerShard <= 0 {
		return nil, nil
	}
	if oldLt.SupportsPackedRevprops() {
		return nil, nil
	}

	packedShardCount, err := countPackedRevisionShards(newLt)
	if err != nil {
		return nil, err
	}

	var packed []int64
	for shard := int64(0); shard < packedShardCount; shard++ {
		if opts.cancelled() {
			return packed, fsfserr.New(fsfserr.KindGeneral, "upgrade cancelled before revprop shard %d", shard)
		}
		packDir := filepath.Join(newLt.RevpropsDir(), strconv.FormatInt(shard, 10)+".pack")
		if _, err := os.Stat(packDir); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return packed, fsfserr.Wrap(fsfserr.KindGeneral, err, "stat revprops pack %d", shard)
		}
		if err := packRevpropShard(newLt, shard); err != nil {
			return packed, err
		}
		packed = append(packed, shard)
	}
	return packed, nil
}

// countPackedRevisionShards counts the contiguous run of
// revs/<n>.pack directories starting at shard 0 — the "packed point"
// revprop packing must catch up to.
func countPackedRevisionShards(lt *layout.Layout) (int64, error) {
	var n int64
	for {
		p := filepath.Join(lt.RevsDir(), strconv.FormatInt(n, 10)+".pack")
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return n, nil
		} else if err != nil {
			return 0, fsfserr.Wrap(fsfserr.KindGeneral, err, "stat revs pack %d", n)
		}
		n++
	}
}

// packRevpropShard concatenates the revprop files for one shard into
// revprops/<shard>.pack/pack, alongside a manifest naming each
// revision's offset and size within it.
func packRevpropShard(lt *layout.Layout, shard int64) error {
	shardSize := int64(lt.MaxFilesPerShard)
	first := shard * shardSize
	last := first + shardSize - 1

	packDir := filepath.Join(lt.RevpropsDir(), strconv.FormatInt(shard, 10)+".pack")
	if err := os.MkdirAll(packDir, 0755); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "create revprops pack directory %d", shard)
	}

	tmp := filepath.Join(packDir, "pack.tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "create revprops pack %d", shard)
	}

	var manifest strings.Builder
	var offset int64
	for rev := first; rev <= last; rev++ {
		b, err := os.ReadFile(lt.RevpropsPath(rev))
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fsfserr.Wrap(fsfserr.KindGeneral, err, "read revprops for revision %d", rev)
		}
		if _, err := f.Write(b); err != nil {
			f.Close()
			os.Remove(tmp)
			return fsfserr.Wrap(fsfserr.KindGeneral, err, "write revprops pack %d", shard)
		}
		fmt.Fprintf(&manifest, "%d %d\n", offset, len(b))
		offset += int64(len(b))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "close revprops pack %d", shard)
	}
	if err := os.Rename(tmp, filepath.Join(packDir, "pack")); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "finalize revprops pack %d", shard)
	}
	if err := os.WriteFile(filepath.Join(packDir, "manifest"), []byte(manifest.String()), 0644); err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "write revprops pack manifest %d", shard)
	}
	return nil
}

// cleanupPackedRevprops removes the unpacked revprops files (and now
// empty shard directories) for every shard packed during this
// upgrade, run only after the format bump has committed, per
// spec.md §4.11's ordering.
func cleanupPackedRevprops(lt *layout.Layout, packed []int64) error {
	for _, shard := range packed {
		shardSize := int64(lt.MaxFilesPerShard)
		first := shard * shardSize
		last := first + shardSize - 1
		for rev := first; rev <= last; rev++ {
			if err := os.Remove(lt.RevpropsPath(rev)); err != nil && !os.IsNotExist(err) {
				return fsfserr.Wrap(fsfserr.KindGeneral, err, "remove unpacked revprops for revision %d", rev)
			}
		}
		shardDir := filepath.Join(lt.RevpropsDir(), strconv.FormatInt(shard, 10))
		_ = os.Remove(shardDir) // best-effort; non-empty if concurrent writers raced in
	}
	return nil
}
