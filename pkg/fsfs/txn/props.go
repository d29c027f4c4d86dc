package txn

import (
	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/skel"
)

// EncodeProps serializes a property map as a flat skel list of
// (key value) pairs: (key1 value1 key2 value2 ...).
func EncodeProps(props map[string]string) []byte {
	items := make([]skel.Atom, 0, len(props)*2)
	for k, v := range props {
		items = append(items, skel.Str(k), skel.Str(v))
	}
	return skel.Encode(skel.List(items))
}

// DecodeProps parses the format EncodeProps produces.
func DecodeProps(b []byte) (map[string]string, error) {
	atom, rest, err := skel.Decode(b)
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindCorrupt, err, "decode property list")
	}
	if len(rest) != 0 {
		return nil, fsfserr.New(fsfserr.KindCorrupt, "trailing bytes after property list")
	}
	list, ok := skel.AsList(atom)
	if !ok || len(list)%2 != 0 {
		return nil, fsfserr.New(fsfserr.KindCorrupt, "malformed property list")
	}
	out := make(map[string]string, len(list)/2)
	for i := 0; i < len(list); i += 2 {
		k, ok1 := skel.AsBytes(list[i])
		v, ok2 := skel.AsBytes(list[i+1])
		if !ok1 || !ok2 {
			return nil, fsfserr.New(fsfserr.KindCorrupt, "malformed property list entry")
		}
		out[string(k)] = string(v)
	}
	return out, nil
}
