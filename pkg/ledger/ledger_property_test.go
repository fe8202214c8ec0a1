//go:build property
// +build property

// Package ledger_test contains property-based tests for ledger integrity.
package ledger_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/keelframework/keel/pkg/ledger"
)

// TestLedgerAlwaysValidates verifies any sequence of appends yields a ledger
// whose digests validate and whose IDs are strictly increasing.
func TestLedgerAlwaysValidates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("appended ledgers validate", prop.ForAll(
		func(keys []string, values []string) bool {
			l := ledger.New()
			for i := 0; i < len(keys) && i < len(values); i++ {
				details := map[string]any{"key": keys[i], "value": values[i]}
				if _, err := l.Append(ledger.TypeToolCall, details); err != nil {
					return false
				}
			}
			if err := l.Validate(); err != nil {
				return false
			}
			entries := l.Entries()
			for i := 1; i < len(entries); i++ {
				if entries[i].ID <= entries[i-1].ID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("mutating any entry breaks validation", prop.ForAll(
		func(payload string) bool {
			if payload == "" {
				return true
			}
			l := ledger.New()
			if _, err := l.Append(ledger.TypeError, map[string]any{"message": payload}); err != nil {
				return false
			}
			entries := l.Entries()
			entries[0].Details["message"] = payload + "-tampered"
			return ledger.ValidateEntries(entries) != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
