package canonicalize

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: canonicalization is deterministic for any object.
func TestCanonical_Determinism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs yield identical canonical bytes", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := Canonical(obj)
			b2, err2 := Canonical(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Property: deserialize(serialize(x)) == x for supported shapes.
func TestCanonical_RoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form round-trips through the decoder", prop.ForAll(
		func(keys []string, values []string, flags []bool) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] == "" {
					continue
				}
				if i < len(flags) && flags[i] {
					obj[keys[i]] = values[i]
				} else {
					obj[keys[i]] = map[string]interface{}{"v": values[i]}
				}
			}

			b, err := Canonical(obj)
			if err != nil {
				return false
			}
			var decoded map[string]interface{}
			if err := json.Unmarshal(b, &decoded); err != nil {
				return false
			}
			if len(obj) == 0 {
				return len(decoded) == 0
			}
			return reflect.DeepEqual(obj, decoded)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

// Property: for ASCII keys and string/integer values, the canonical form
// agrees with RFC 8785 (gowebpki/jcs acts as the oracle).
func TestCanonical_AgreesWithJCS(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form matches RFC 8785 for ASCII object graphs", prop.ForAll(
		func(keys []string, nums []int64) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(nums); i++ {
				if keys[i] != "" {
					obj[keys[i]] = nums[i]
				}
			}

			ours, err := Canonical(obj)
			if err != nil {
				return false
			}

			plain, err := json.Marshal(obj)
			if err != nil {
				return false
			}
			theirs, err := jcs.Transform(plain)
			if err != nil {
				return false
			}
			return string(ours) == string(theirs)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}
