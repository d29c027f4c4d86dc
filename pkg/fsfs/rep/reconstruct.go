package rep

import "github.com/cs3org/revafs/pkg/fsfs/layout"

// Reconstruct returns the full expanded bytes of the representation at
// loc, walking the delta chain back to a PLAIN or self-delta
// representation and applying deltas on the way back up, per
// spec.md §4.5.
func Reconstruct(lt *layout.Layout, loc Loc) ([]byte, error) {
	hdr, payload, err := ReadRaw(lt, loc)
	if err != nil {
		return nil, err
	}
	switch hdr.kind {
	case KindPlain:
		return payload, nil
	case KindDelta:
		var base []byte
		if hdr.base != nil {
			baseLoc := Loc{Revision: hdr.base.Revision, Offset: hdr.base.Offset, Size: hdr.base.Size}
			base, err = Reconstruct(lt, baseLoc)
			if err != nil {
				return nil, err
			}
		}
		return ApplyDelta(base, payload)
	default:
		panic("rep: unknown kind")
	}
}

// ChainLength returns the number of DELTA segments between loc and the
// PLAIN (or self-delta) representation that terminates its chain,
// without reconstructing any payload. pkg/fsfs/commit uses this to
// enforce deltify.Config's shared-chain bound before deciding whether
// to extend a chosen delta base.
func ChainLength(lt *layout.Layout, loc Loc) (int, error) {
	hdr, _, err := ReadRaw(lt, loc)
	if err != nil {
		return 0, err
	}
	if hdr.kind == KindPlain || hdr.base == nil {
		return 0, nil
	}
	n, err := ChainLength(lt, Loc{Revision: hdr.base.Revision, Offset: hdr.base.Offset, Size: hdr.base.Size})
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}
