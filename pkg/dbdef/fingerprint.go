package dbdef

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Fingerprint returns a 128-bit murmur3 hash of the version's canonical
// normalized encoding, as 32 hex characters. Two versions have equal
// fingerprints iff their normalized schemas are equal, so a fingerprint
// stored at stamp time can detect later in-version redeclarations.
func (v *Version) Fingerprint() string {
	h1, h2 := murmur3.Sum128([]byte(v.canonical()))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// canonical renders the version in a deterministic normalized text form:
// types sorted by name with fields in declared order, then indexes sorted
// by effective name. Names are lowercased the same way the store-side
// normalization lowercases them.
func (v *Version) canonical() string {
	var b strings.Builder
	for _, name := range v.TypeNames() {
		fmt.Fprintf(&b, "type %s\n", strings.ToLower(name))
		for _, f := range v.Types[name] {
			switch fld := f.(type) {
			case ID:
				fmt.Fprintf(&b, "  id %s auto=%t\n", strings.ToLower(fld.Name), fld.Auto)
			case Property:
				fmt.Fprintf(&b, "  prop %s %s notnull=%t default=%s\n",
					strings.ToLower(fld.Name), fld.Type, fld.NotNull, canonicalValue(fld.Default))
			}
		}
	}
	indexes := make([]Index, len(v.Indexes))
	copy(indexes, v.Indexes)
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i].EffectiveName() < indexes[j].EffectiveName()
	})
	for _, ix := range indexes {
		keys := make([]string, len(ix.Keys))
		for i, k := range ix.Keys {
			keys[i] = strings.ToLower(k)
		}
		fmt.Fprintf(&b, "index %s on %s (%s) unique=%t\n",
			strings.ToLower(ix.EffectiveName()), strings.ToLower(ix.OnType),
			strings.Join(keys, ","), ix.Unique)
	}
	return b.String()
}

// canonicalValue renders a default value so that equal values encode
// equally regardless of the numeric type the loader produced. JSON decodes
// all numbers as float64; YAML produces int for integral literals.
func canonicalValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return canonicalFloat(float64(v))
	case float64:
		return canonicalFloat(v)
	case string:
		return strconv.Quote(v)
	case []byte:
		return strconv.Quote(string(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}

func canonicalFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
