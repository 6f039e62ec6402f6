// Package prompt assembles the conversation handed to the reasoning engine.
package prompt

import (
	_ "embed"
	"strings"
	"text/template"

	"github.com/tatianab/referee/internal/llm"
	"github.com/tatianab/referee/internal/models"
)

//go:embed prompts/referee.txt
var refereePrompt string

var refereeTemplate = template.Must(template.New("referee").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	Parse(refereePrompt))

// System renders the instruction turn: duties, rule fragments and state.
func System(fragments []models.Fragment, state *models.GameState) (string, error) {
	var buf strings.Builder
	data := struct {
		Fragments []models.Fragment
		Summary   string
	}{
		Fragments: fragments,
		Summary:   state.Summary(),
	}
	if err := refereeTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// Build returns the system turn, the prior history and the new question.
// It performs no I/O and does not touch state.
func Build(question string, fragments []models.Fragment, state *models.GameState, history []models.Turn) ([]llm.Message, error) {
	system, err := System(fragments, state)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: llm.Role(turn.Role), Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})
	return messages, nil
}
