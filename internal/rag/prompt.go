package rag

import (
	"fmt"
	"strings"
)

var toneInstructions = map[Tone]string{
	ToneProfessional: "Use a professional, helpful tone.",
	ToneCasual:       "Use a friendly, conversational tone.",
	ToneTechnical:    "Use precise technical language and keep domain terminology intact.",
}

var lengthInstructions = map[Length]string{
	LengthShort:  "Answer in one to three sentences.",
	LengthMedium: "Answer in a single focused paragraph.",
	LengthLong:   "Answer in detail, using several paragraphs where the context supports it.",
}

const baseInstructions = `You are a document assistant. Answer questions about the user's documents.

Rules:
- Answer ONLY from the provided document context. Do not add outside knowledge.
- If the context does not contain enough information to answer, say so clearly.
- Be precise. Do not make up information.`

func systemPrompt(o Options) string {
	var sb strings.Builder
	sb.WriteString(baseInstructions)
	sb.WriteString("\n- ")
	sb.WriteString(toneInstructions[o.Tone])
	sb.WriteString("\n- ")
	sb.WriteString(lengthInstructions[o.Length])
	if o.Citations {
		sb.WriteString("\n- List the numbers of the sources you used, e.g. Source 1 and Source 3 give [1, 3].")
	}
	if o.Suggestions {
		fmt.Fprintf(&sb, "\n- Suggest up to %d specific follow-up questions the documents can answer.", maxSuggestions)
	}
	sb.WriteString(`

Respond with ONLY a JSON object, no other text:
{"answer": "...", "sources": [1, 2], "follow_up_questions": ["...?"]}`)
	return sb.String()
}

func questionPrompt(context, question string) string {
	return "DOCUMENT CONTEXT:\n" + context + "\n\nQUESTION: " + question
}
