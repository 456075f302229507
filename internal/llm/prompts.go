// Package llm provides the LLM gateway used for character extraction: prompt
// templates, token counting, the primary (host chat completion) and local
// (Ollama) backends behind circuit breakers, and a response parser that repairs
// truncated or wrapped JSON before validating it into typed records.
package llm

import (
	"fmt"
	"strings"
)

// ExtractionInstructions is the fixed system block sent ahead of every batch.
const ExtractionInstructions = `TASK: Identify every character (person or named being) who appears in or is discussed in the chat messages below.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO commentary.

REQUIRED JSON STRUCTURE:
Your response MUST start with { and end with }
Your response MUST have a "characters" key with an array value
Each character MUST have: name, aliases, physical, personality, background, relationships, confidence

Example structure (EXACT FORMAT REQUIRED):
{
  "characters": [
    {
      "name": "Alice Smith",
      "aliases": ["Alice", "Ally"],
      "description": "A travelling herbalist",
      "physical": "Tall, red hair, green cloak",
      "personality": "Curious and blunt",
      "background": "Grew up in the northern villages",
      "relationships": ["Sister of Bob", "Distrusts Captain Vale"],
      "confidence": 85
    }
  ]
}

RULES:
- Use the most complete name as "name"; put nicknames, titles and short forms in "aliases"
- Only describe what the messages state or clearly imply
- Leave a field as "" when nothing is known
- confidence is 0-100: how certain you are this is a distinct character
- If a character matches one in KNOWN CHARACTERS, reuse that exact name
- If no characters appear, return {"characters": []}`

// BuildExtractionPrompt joins the instructions, the known-character context and
// the batch messages into one prompt.
func BuildExtractionPrompt(messages []string, known string) string {
	var b strings.Builder
	b.WriteString(ExtractionInstructions)
	b.WriteString("\n\n")
	if known = strings.TrimSpace(known); known != "" {
		b.WriteString("KNOWN CHARACTERS:\n")
		b.WriteString(known)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "MESSAGES (%d):\n", len(messages))
	b.WriteString(JoinBatch(messages))
	b.WriteString("\n\nJSON:")
	return b.String()
}

// JoinBatch renders batch messages as one text block. The same text feeds the
// prompt and the analysis cache key.
func JoinBatch(messages []string) string {
	return strings.Join(messages, "\n\n")
}
