package stage

import (
	"fmt"

	"lexpipe/internal/corpus"
	"lexpipe/internal/llm"
)

// Response schemas for the LLM stages. Compiled once; the cascade
// validates every model answer against them before a record is accepted.
// Required fields are enforced, unknown extra fields are tolerated: models
// often append commentary keys and those answers are still usable.
var (
	obligationsSchema = llm.MustCompileSchema("obligations", `{
  "type": "object",
  "required": ["obligations"],
  "properties": {
    "obligations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["category", "phrase"],
        "properties": {
          "category": {"type": "string", "enum": ["deadline", "constraint", "allocation", "penalty"]},
          "phrase": {"type": "string"},
          "value": {"type": ["number", "null"]},
          "unit": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`)

	analysisSchema = llm.MustCompileSchema("analysis", `{
  "type": "object",
  "required": ["summary", "indicators"],
  "properties": {
    "summary": {"type": "string"},
    "indicators": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string"},
          "severity": {"type": "string"},
          "complexity": {"type": "string"},
          "matched_phrases": {"type": "array", "items": {"type": "string"}},
          "recommendation": {"type": "string"},
          "explanation": {"type": "string"}
        }
      }
    }
  }
}`)

	classificationSchema = llm.MustCompileSchema("classification", `{
  "type": "object",
  "required": ["relationship"],
  "properties": {
    "relationship": {"type": "string", "enum": ["duplicate", "superseded", "related", "conflicting"]},
    "explanation": {"type": "string"}
  }
}`)
)

func obligationsPrompt(sec *corpus.Section) string {
	return fmt.Sprintf(`Extract every legal obligation from the statute section below.
Categories: deadline (value = number of days), constraint, allocation (value = amount in cents), penalty.
Quote each phrase verbatim from the text, 5 to 200 characters. Return an empty list when the section imposes no obligations.

Citation: %s
Heading: %s

%s`, sec.Citation, sec.Heading, sec.TextPlain)
}

func analysisPrompt(kind string, sec *corpus.Section) string {
	var task string
	switch kind {
	case "reporting":
		task = `Identify reporting obligations: periodic filings, notifications, disclosures, record-keeping duties. For each, give its type, severity (low/medium/high), implementation complexity, the exact matched phrases, and a recommendation.`
	case "anachronism":
		task = `Identify anachronisms: references to obsolete technology, superseded institutions, outdated monetary amounts or procedures. For each, give its type, severity, the exact matched phrases, and a modernization recommendation.`
	default:
		task = `Assess how this section would be implemented by an agency: required systems, forms, staffing or processes. For each aspect give its type, complexity, the exact matched phrases, and a recommendation.`
	}
	return fmt.Sprintf(`%s
Matched phrases must be verbatim substrings of the text. Finish with a one-paragraph summary.

Citation: %s
Heading: %s

%s`, task, sec.Citation, sec.Heading, sec.TextPlain)
}

func classifyPrompt(a, b *corpus.Section) string {
	return fmt.Sprintf(`Two statute sections scored as semantically similar. Classify their relationship as exactly one of: duplicate, superseded, related, conflicting. Explain briefly.

Section A (%s):
%s

Section B (%s):
%s`, a.Citation, a.TextPlain, b.Citation, b.TextPlain)
}
