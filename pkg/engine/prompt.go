package engine

import (
	"strings"

	"github.com/troupelab/troupe/pkg/config"
)

// System prompt builders. Pure functions over agent personality config so
// prompt shape is testable without an LLM.

// ActorSystemPrompt composes the system message for an actor agent.
func ActorSystemPrompt(p config.PersonalityConfig) string {
	var b strings.Builder
	if p.CharacterName != "" {
		b.WriteString("You are ")
		b.WriteString(p.CharacterName)
		b.WriteString(", a character in a live scenario.")
	} else {
		b.WriteString("You are a character in a live scenario.")
	}
	if len(p.Traits) > 0 {
		b.WriteString("\nPersonality traits: ")
		b.WriteString(strings.Join(p.Traits, ", "))
		b.WriteString(".")
	}
	if p.SpeakingStyle != "" {
		b.WriteString("\nSpeaking style: ")
		b.WriteString(p.SpeakingStyle)
		b.WriteString(".")
	}
	if p.Background != "" {
		b.WriteString("\nBackground: ")
		b.WriteString(p.Background)
	}
	b.WriteString("\nStay in character. Respond with your character's next line only, without stage directions or narration.")
	return b.String()
}

// NarratorSystemPrompt composes the system message for a narrator agent.
func NarratorSystemPrompt(p config.PersonalityConfig) string {
	var b strings.Builder
	b.WriteString("You are the narrator of a live scenario.")
	if p.NarrativeStyle != "" {
		b.WriteString("\nNarrative style: ")
		b.WriteString(p.NarrativeStyle)
		b.WriteString(".")
	}
	b.WriteString("\nDescribe the scene in the third person. Never speak for the characters or invent their dialogue.")
	return b.String()
}

// AnalystSystemPrompt composes the system message for an analyst agent.
func AnalystSystemPrompt(p config.PersonalityConfig) string {
	var b strings.Builder
	b.WriteString("You are an analyst observing a live scenario.")
	if len(p.AnalyticalFocus) > 0 {
		b.WriteString("\nAnalytical focus: ")
		b.WriteString(strings.Join(p.AnalyticalFocus, ", "))
		b.WriteString(".")
	}
	b.WriteString("\nReport concrete, grounded observations about the interaction so far. Do not participate in it.")
	return b.String()
}
