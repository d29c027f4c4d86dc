package fsfs

import (
	"context"
	"strings"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
)

// Root is a read-only handle onto one committed revision's tree,
// returned by FS.RevisionRoot.
type Root struct {
	fs       *FS
	revision Revision
	rootID   NodeRevisionID
}

// Revision is the committed revision this root was taken at.
func (r *Root) Revision() Revision { return r.revision }

// RootID is the node-revision-id of the tree's root directory.
func (r *Root) RootID() NodeRevisionID { return r.rootID }

// Resolve walks a slash-separated path from r's root and returns the
// node-revision-id of the node it names. An empty path (or "/")
// resolves to the root itself.
func (r *Root) Resolve(ctx context.Context, path string) (NodeRevisionID, error) {
	id := r.rootID
	for _, comp := range splitPath(path) {
		entries, err := r.fs.DirectoryEntries(ctx, id)
		if err != nil {
			return NodeRevisionID{}, err
		}
		next, ok := lookupEntry(entries, comp)
		if !ok {
			return NodeRevisionID{}, fsfserr.New(fsfserr.KindUnversionedResource, "no such path %q at revision %d", path, r.revision)
		}
		id = next
	}
	return id, nil
}

func lookupEntry(entries []DirEntry, name string) (NodeRevisionID, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e.ID, true
		}
	}
	return NodeRevisionID{}, false
}

// canonicalPath renders path as "/a/b/c" with no trailing slash
// (the root is "/"), the form CreatedPath/changed-path records use.
func canonicalPath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

// splitPath splits a slash-separated path into its components,
// returning nil for the root.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
