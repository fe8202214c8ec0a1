package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keelframework/keel/pkg/contracts"
)

// planDocument is the emit-stage JSON shape.
type planDocument struct {
	Rationale string           `json:"rationale"`
	Plans     []contracts.Plan `json:"plans"`
}

// parsePlanDocument decodes the emit-stage reply, tolerating a markdown
// code fence around the JSON.
func parsePlanDocument(reply string) (planDocument, error) {
	text := strings.TrimSpace(reply)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var doc planDocument
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return planDocument{}, fmt.Errorf("emit stage produced unparseable plan document: %w", err)
	}
	if len(doc.Plans) == 0 {
		return planDocument{}, fmt.Errorf("emit stage produced no plans")
	}
	return doc, nil
}

// promptBuilder is a thin strings.Builder wrapper for line-oriented prompts.
type promptBuilder struct {
	sb strings.Builder
}

func (b *promptBuilder) line(s string) {
	b.sb.WriteString(s)
	b.sb.WriteByte('\n')
}

func (b *promptBuilder) linef(format string, args ...any) {
	fmt.Fprintf(&b.sb, format, args...)
	b.sb.WriteByte('\n')
}

func (b *promptBuilder) String() string { return b.sb.String() }
