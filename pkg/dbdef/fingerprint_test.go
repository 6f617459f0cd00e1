package dbdef

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestVersion_Fingerprint_Deterministic(t *testing.T) {
	a := goodDef().Versions[1]
	b := goodDef().Versions[1]
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("identical versions produced different fingerprints: %s vs %s",
			a.Fingerprint(), b.Fingerprint())
	}
}

func TestVersion_Fingerprint_IgnoresTransition(t *testing.T) {
	a := goodDef().Versions[1]
	b := goodDef().Versions[1]
	b.Transition = &Transition{SQL: "SELECT 1", Prompt: true, Reason: "different"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("transition script changed the schema fingerprint")
	}
}

func TestVersion_Fingerprint_SensitiveToSchema(t *testing.T) {
	base := goodDef().Versions[1]
	mutations := map[string]func(*Version){
		"added property": func(v *Version) {
			v.Types["track"] = append(v.Types["track"], Property{Name: "extra", Type: Text})
		},
		"changed type": func(v *Version) {
			fl := v.Types["track"]
			fl[2] = Property{Name: "rating", Type: Float, Default: 0}
		},
		"added index": func(v *Version) {
			v.Indexes = append(v.Indexes, Index{OnType: "track", Keys: []string{"rating"}})
		},
		"unique flipped": func(v *Version) {
			v.Indexes[0].Unique = true
		},
	}
	for name, mutate := range mutations {
		v := goodDef().Versions[1]
		mutate(v)
		if v.Fingerprint() == base.Fingerprint() {
			t.Errorf("%s: fingerprint did not change", name)
		}
	}
}

// Numeric defaults may arrive as int from YAML and as float64 from JSON
// round-trips; both forms must fingerprint identically.
func TestVersion_Fingerprint_NumericDefaultForms(t *testing.T) {
	a := goodDef().Versions[1]
	b := goodDef().Versions[1]
	b.Types["track"][2] = Property{Name: "rating", Type: Int, Default: float64(0)}
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("int and float64 zero defaults fingerprint differently")
	}
}

func TestProperty_FingerprintStability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	identifier := gen.RegexMatch(`[a-z][a-z0-9_]{0,15}`)

	properties.Property("fingerprint is a function of the schema alone", prop.ForAll(
		func(typeName, propName string, notNull bool, dflt int64) bool {
			mk := func() *Version {
				return &Version{
					Types: map[string]FieldList{
						typeName: {
							ID{Name: "_id", Auto: true},
							Property{Name: propName, Type: Int, NotNull: notNull, Default: dflt},
						},
					},
				}
			}
			return mk().Fingerprint() == mk().Fingerprint()
		},
		identifier,
		identifier,
		gen.Bool(),
		gen.Int64(),
	))

	properties.Property("index order does not affect the fingerprint", prop.ForAll(
		func(keyA, keyB string) bool {
			if keyA == keyB {
				return true
			}
			fields := FieldList{
				ID{Name: "_id"},
				Property{Name: keyA, Type: Text},
				Property{Name: keyB, Type: Text},
			}
			ixA := Index{OnType: "thing", Keys: []string{keyA}}
			ixB := Index{OnType: "thing", Keys: []string{keyB}}
			v1 := &Version{Types: map[string]FieldList{"thing": fields}, Indexes: []Index{ixA, ixB}}
			v2 := &Version{Types: map[string]FieldList{"thing": fields}, Indexes: []Index{ixB, ixA}}
			return v1.Fingerprint() == v2.Fingerprint()
		},
		identifier,
		identifier,
	))

	properties.TestingRun(t)
}

func TestVersion_SnapshotRoundTrip(t *testing.T) {
	v := goodDef().Versions[1]
	data, err := v.EncodeSnapshot()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Fingerprint() != v.Fingerprint() {
		t.Errorf("round-tripped snapshot fingerprints differently: %s vs %s",
			decoded.Fingerprint(), v.Fingerprint())
	}
	if len(decoded.Types["track"]) != 3 {
		t.Errorf("decoded track has %d fields, want 3", len(decoded.Types["track"]))
	}
	if _, ok := decoded.Types["track"][0].(ID); !ok {
		t.Errorf("decoded first field is %T, want ID", decoded.Types["track"][0])
	}
	if _, ok := decoded.Types["track"][1].(Property); !ok {
		t.Errorf("decoded second field is %T, want Property", decoded.Types["track"][1])
	}
}
