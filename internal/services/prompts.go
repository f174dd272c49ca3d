package services

import (
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"manabi-backend/internal/models"
)

// Response schemas for structured mode. Free-text mode asks for the same
// shape in prose and parses whatever JSON it gets back.

var chatReplySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"reply": {Type: genai.TypeString},
	},
	Required: []string{"reply"},
}

var materialSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"terms": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"term_id":    {Type: genai.TypeString},
					"surface":    {Type: genai.TypeString},
					"reading":    {Type: genai.TypeString},
					"definition": {Type: genai.TypeString},
					"category":   {Type: genai.TypeString, Enum: []string{"technical", "proper_noun", "concept"}},
					"confidence": {Type: genai.TypeNumber},
				},
				Required: []string{"term_id", "surface", "definition", "category", "confidence"},
			},
		},
		"mentions": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"term_id":      {Type: genai.TypeString},
					"surface":      {Type: genai.TypeString},
					"start_offset": {Type: genai.TypeInteger},
					"end_offset":   {Type: genai.TypeInteger},
					"confidence":   {Type: genai.TypeNumber},
				},
				Required: []string{"term_id", "surface", "start_offset", "end_offset", "confidence"},
			},
		},
	},
	Required: []string{"summary", "terms", "mentions"},
}

var quizSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"cards": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"tag":         {Type: genai.TypeString, Enum: []string{"What", "Why", "How", "When", "Example"}},
					"question":    {Type: genai.TypeString},
					"choices":     {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
					"answer":      {Type: genai.TypeString},
					"explanation": {Type: genai.TypeString},
				},
				Required: []string{"tag", "question", "choices", "answer", "explanation"},
			},
		},
	},
	Required: []string{"cards"},
}

var sheetSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"title":      {Type: genai.TypeString},
		"key_points": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"terms":      {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"title", "key_points", "terms"},
}

const freeTextSuffix = "\n\nRespond with a single JSON object only. No markdown, no commentary."

func writeTranscript(b *strings.Builder, history []*models.ChatMessage) {
	for _, m := range history {
		role := "User"
		if m.Role == "assistant" {
			role = "Assistant"
		}
		fmt.Fprintf(b, "%s: %s\n", role, m.Content)
	}
}

func buildChatPrompt(history []*models.ChatMessage, content string) string {
	var b strings.Builder
	b.WriteString("You are a patient tutor. Answer the learner's latest message clearly and accurately. ")
	b.WriteString(`Return JSON {"reply": "..."}.` + "\n\n")
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		writeTranscript(&b, history)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Learner: %s\n", content)
	return b.String()
}

func buildMaterialPrompt(source string) string {
	return fmt.Sprintf(`Extract study material from the assistant message below.
Return JSON with:
- "summary": 1-5 short bullet strings
- "terms": glossary entries {term_id, surface, reading, definition, category (technical|proper_noun|concept), confidence 0..1}
- "mentions": occurrences of those terms in the message {term_id, surface, start_offset, end_offset, confidence}
Offsets count Unicode characters from 0, end exclusive, and surface must equal the text at that span.
Skip generic words.

Message:
%s`, source)
}

func buildQuizPrompt(title string, messages []*models.ChatMessage, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %d multiple-choice review questions about the conversation %q.\n", count, title)
	b.WriteString(`Return JSON {"cards": [{tag, question, choices, answer, explanation}]}.
Each card: tag is one of What, Why, How, When, Example; exactly 4 distinct choices; answer must equal one of the choices.

Conversation:
`)
	writeTranscript(&b, messages)
	return b.String()
}

func buildSheetPrompt(title string, messages []*models.ChatMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a one-page review sheet for the conversation %q.\n", title)
	b.WriteString(`Return JSON {"title": string, "key_points": [string], "terms": [string]}.

Conversation:
`)
	writeTranscript(&b, messages)
	return b.String()
}
