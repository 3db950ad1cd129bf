package analysis

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// maxRawBytes caps how much scraped data is placed in a single prompt.
const maxRawBytes = 200 << 10

// SystemPrompt instructs the backend to answer with the report JSON only.
const SystemPrompt = `You are an SEO and brand-presence analyst. You receive raw answers collected
from an AI search engine about one entity. Produce a single JSON object and nothing else,
with this shape:
{
  "meta": {"entity_name": string, "entity_type": "person"|"business"|"product"|"course"|"website"|"unknown",
           "analysis_date": string, "data_sources_count": integer, "confidence_score": number between 0 and 1},
  "summary": string,
  "sources": [{"title": string, "url": string, "description": string}],
  "recommendations": [string]
}`

// BuildUserPrompt renders the request and the collected records into the
// message sent to the backend. Records past maxRawBytes are dropped.
func BuildUserPrompt(input scrape.AnalysisInput) string {
	var b strings.Builder
	b.WriteString("Research request:\n")
	b.WriteString(strings.TrimSpace(input.Prompt))
	b.WriteString("\n\nCollected records (JSON, one per line):\n")
	used := 0
	for _, rec := range input.RawResults {
		var compact bytes.Buffer
		if err := json.Compact(&compact, rec); err != nil {
			continue
		}
		if used+compact.Len() > maxRawBytes {
			b.WriteString("[remaining records omitted]\n")
			break
		}
		used += compact.Len()
		b.Write(compact.Bytes())
		b.WriteByte('\n')
	}
	return b.String()
}
