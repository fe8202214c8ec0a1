package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCanonicalizationProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genValue := gen.MapOf(gen.Identifier(), gen.AlphaString())

	properties.Property("canonical form is idempotent", prop.ForAll(
		func(m map[string]string) bool {
			first, err := JCSString(m)
			if err != nil {
				return false
			}
			second, err := JCSString(json.RawMessage(first))
			return err == nil && first == second
		},
		genValue,
	))

	properties.Property("digest is deterministic", prop.ForAll(
		func(m map[string]string) bool {
			a, errA := Digest(m)
			b, errB := Digest(m)
			return errA == nil && errB == nil && a == b
		},
		genValue,
	))

	properties.Property("text digest carries the wire prefix", prop.ForAll(
		func(s string) bool {
			d := DigestText(s)
			return len(d) == len(DigestPrefix)+64 && d[:len(DigestPrefix)] == DigestPrefix
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
