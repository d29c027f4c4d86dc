package upgrade_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cs3org/revafs/pkg/fsfs"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
	"github.com/cs3org/revafs/pkg/fsfs/upgrade"
)

func TestUpgradeBumpsFormatAndCreatesArtifacts(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "repo")

	repo, err := fsfs.Create(root, layout.FormatScopedIDs)
	require.NoError(t, err)

	rev, err := repo.YoungestRevision(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, rev)
	require.NoError(t, repo.Close())

	var events []string
	err = upgrade.Run(ctx, root, layout.FormatPackedRevisions, upgrade.Options{
		Notify: func(event, detail string) { events = append(events, event+":"+detail) },
	})
	require.NoError(t, err)
	require.Contains(t, events, upgrade.MilestoneFormatBumped+":")

	_, err = os.Stat(filepath.Join(root, "txn-protorevs"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "min-unpacked-rev"))
	require.NoError(t, err)

	ff, err := layout.ReadFormat(root)
	require.NoError(t, err)
	require.Equal(t, layout.FormatPackedRevisions, ff.Format)

	reopened, err := fsfs.Open(root)
	require.NoError(t, err)
	defer reopened.Close()
	youngest, err := reopened.YoungestRevision(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, youngest)
}

func TestUpgradeIsNoOpWhenAlreadyAtTarget(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "repo")

	repo, err := fsfs.Create(root, layout.FormatMax)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	require.NoError(t, upgrade.Run(ctx, root, layout.FormatMax, upgrade.Options{}))

	ff, err := layout.ReadFormat(root)
	require.NoError(t, err)
	require.Equal(t, layout.FormatMax, ff.Format)
}

func TestUpgradeRejectsDowngrade(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "repo")

	repo, err := fsfs.Create(root, layout.FormatMax)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	err = upgrade.Run(ctx, root, layout.FormatMin, upgrade.Options{})
	require.Error(t, err)
}
