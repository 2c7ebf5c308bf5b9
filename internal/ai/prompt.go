package ai

import (
	"encoding/json"
	"fmt"
)

// BuildDiarizationPrompt builds the speaker-labelling prompt for a list of segments
func BuildDiarizationPrompt(segments interface{}) (string, error) {
	segmentJSON, err := json.MarshalIndent(segments, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal segments: %w", err)
	}

	return fmt.Sprintf(`You are labelling the speakers in a recorded business call.

Transcript segments with timestamps (seconds):
%s

Decide which segments were spoken by which person. Use:
1. Turn-taking: a question is usually answered by a different speaker
2. Differences in speaking style and vocabulary
3. Topic shifts and the flow of the conversation
4. Interview dynamics: one person tends to ask most of the questions

Return a JSON array. Each item has:
- speaker: "Speaker 1", "Speaker 2", ...
- start: start time in seconds
- end: end time in seconds
- text: the spoken text

Merge consecutive segments from the same speaker into one item.
Return ONLY the JSON array, no other text.`, segmentJSON), nil
}

const extractionSystemPrompt = `You are a content strategist reading sales and customer call transcripts.
Extract insights a B2B marketing team can turn into LinkedIn posts.

Categories:
- quote: a memorable, shareable sentence said in the call, kept close to verbatim
- pain_point: a problem, frustration or challenge the customer describes
- solution: how a product, service or approach solved or could solve a problem
- proof: concrete evidence of results such as numbers, metrics, before/after comparisons or outcomes

Rules:
- Only use what is in the transcript. Never invent facts or numbers.
- Attribute each insight to the speaker label used in the transcript when it is known.
- Give each insight a confidence between 0 and 1.
- Aim for 5 to 15 insights. Return fewer when the call has little usable content, including none.

Report the insights by calling the extract_insights function.`

// extractionToolSchema is the JSON schema of the extract_insights arguments.
var extractionToolSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "insights": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "string", "enum": ["quote", "pain_point", "solution", "proof"]},
          "text": {"type": "string", "description": "The insight text"},
          "speaker": {"type": "string", "description": "Speaker label, e.g. Speaker 1"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        },
        "required": ["type", "text", "confidence"]
      }
    }
  },
  "required": ["insights"]
}`)

// BuildExtractionPrompt returns the system and user prompts for insight extraction
func BuildExtractionPrompt(transcript string) (string, string) {
	userPrompt := fmt.Sprintf(`Transcript:
"""
%s
"""`, transcript)
	return extractionSystemPrompt, userPrompt
}
