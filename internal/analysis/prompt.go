package analysis

import (
	"fmt"
	"strings"
)

// Categories is the closed set a document is classified into.
var Categories = []string{
	"Business & Finance",
	"Technology & Software",
	"Legal & Compliance",
	"Healthcare & Medical",
	"Education & Research",
	"Marketing & Sales",
	"Human Resources",
	"Operations & Logistics",
	"Science & Engineering",
	"Creative & Design",
	"Government & Policy",
	"Other",
}

var summaryLength = map[string]string{
	"short":  "a concise 2-3 sentence summary",
	"medium": "a comprehensive single-paragraph summary",
	"long":   "a detailed multi-paragraph summary covering all key points",
}

const analysisPrompt = `You are an expert document analyst. Analyze the document below and return a JSON object with these fields:

- "summary": %s, written in a %s tone
- "topics": 5-10 main topics or themes (list of short strings)
- "categories": 1-3 categories, chosen ONLY from: %s
- "sentiment": one of "positive", "negative", "neutral", "mixed"
- "sentiment_score": number from -1 (very negative) to 1 (very positive)
- "key_points": main arguments or findings (list of strings)
- "entities": named people, organizations and locations, as [{"name": "...", "type": "person|org|location|other"}]
- "important_data": important dates or numbers, as [{"value": "...", "context": "..."}]
- "action_items": recommendations or action items, if any (list of strings)

Rules:
- Be accurate and factual. Do not add information that is not in the document.
- Keep each list item under 300 characters.
- Return empty lists when nothing applies.

Respond with ONLY the JSON object, no other text.`

// BuildPrompt returns the system prompt and the user message for one document.
func BuildPrompt(title, text string, opts Options) (system, user string) {
	length, ok := summaryLength[opts.Length]
	if !ok {
		length = summaryLength["medium"]
	}
	tone := opts.Tone
	if tone == "" {
		tone = "professional"
	}
	system = fmt.Sprintf(analysisPrompt, length, tone, strings.Join(quoted(Categories), ", "))
	if len(opts.FocusAreas) > 0 {
		system += "\n\nPay special attention to these topics: " + strings.Join(opts.FocusAreas, ", ")
	}

	var sb strings.Builder
	if title != "" {
		fmt.Fprintf(&sb, "Document: %q\n---\n", title)
	}
	sb.WriteString(text)
	return system, sb.String()
}

func quoted(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
