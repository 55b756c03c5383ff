// Package blocks provides the built-in block handlers: text input, the
// AI-backed summarize/questions/flashcards blocks and the display blocks.
package blocks

import (
	"context"
	"errors"

	"github.com/7ama2004/synapse/internal/dispatch"
	"github.com/7ama2004/synapse/pkg/api"
)

// Block types registered by RegisterBuiltins.
const (
	TypeInputText    = "input/text"
	TypeAISummarize  = "ai/summarize"
	TypeAIQuestions  = "ai/questions"
	TypeAIFlashcards = "ai/flashcards"
	TypeDisplayText  = "display/text"
	TypeDisplayQuiz  = "display/quiz"
)

const defaultModel = "gpt-4"

// ErrMissingText is returned by AI blocks whose text input is absent or empty.
var ErrMissingText = errors.New("text input is required")

// RegisterBuiltins registers every built-in block type in reg. AI blocks
// send their requests through client.
func RegisterBuiltins(reg *dispatch.Registry, client *AIClient) error {
	if client == nil {
		client = NewAIClient("")
	}
	builtins := []struct {
		typ   string
		h     api.HandlerFunc
		ports api.PortSpec
	}{
		{TypeInputText, inputText, api.PortSpec{Inputs: []string{"text"}, Outputs: []string{"text"}}},
		{TypeAISummarize, summarize(client), api.PortSpec{Inputs: []string{"text"}, Outputs: []string{"summary"}}},
		{TypeAIQuestions, questions(client), api.PortSpec{Inputs: []string{"text"}, Outputs: []string{"questions"}}},
		{TypeAIFlashcards, flashcards(client), api.PortSpec{Inputs: []string{"text"}, Outputs: []string{"flashcards"}}},
		{TypeDisplayText, displayText, api.PortSpec{Inputs: []string{"text"}, Outputs: []string{"displayed", "content"}}},
		{TypeDisplayQuiz, displayQuiz, api.PortSpec{Inputs: []string{"questions"}, Outputs: []string{"displayed", "questions"}}},
	}
	for _, b := range builtins {
		if err := reg.Register(b.typ, b.h, b.ports); err != nil {
			return err
		}
	}
	return nil
}

func inputText(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
	if s, ok := config["text"].(string); ok && s != "" {
		return map[string]any{"text": s}, nil
	}
	if s, ok := inputs["text"].(string); ok {
		return map[string]any{"text": s}, nil
	}
	return map[string]any{"text": ""}, nil
}

func summarize(client *AIClient) api.HandlerFunc {
	return func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		text, err := requireText(inputs)
		if err != nil {
			return nil, err
		}
		req := SummarizeRequest{
			Text:  text,
			Style: stringConfig(config, "brief", "style"),
			Model: stringConfig(config, defaultModel, "model"),
		}
		if n, ok := intConfig(config, "maxLength", "max_length"); ok {
			req.MaxLength = &n
		}
		summary, err := client.Summarize(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]any{"summary": summary}, nil
	}
}

func questions(client *AIClient) api.HandlerFunc {
	return func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		text, err := requireText(inputs)
		if err != nil {
			return nil, err
		}
		count, ok := intConfig(config, "count")
		if !ok || count <= 0 {
			count = 5
		}
		qs, err := client.GenerateQuestions(ctx, QuestionsRequest{
			Text:         text,
			QuestionType: stringConfig(config, "multiple-choice", "questionType", "question_type"),
			Difficulty:   stringConfig(config, "medium", "difficulty"),
			Count:        count,
			Model:        stringConfig(config, defaultModel, "model"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"questions": qs}, nil
	}
}

func flashcards(client *AIClient) api.HandlerFunc {
	return func(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
		text, err := requireText(inputs)
		if err != nil {
			return nil, err
		}
		maxCards, ok := intConfig(config, "maxCards", "max_cards")
		if !ok || maxCards <= 0 {
			maxCards = 20
		}
		include := true
		if b, ok := boolConfig(config, "includeDefinitions", "include_definitions"); ok {
			include = b
		}
		cards, err := client.GenerateFlashcards(ctx, FlashcardsRequest{
			Text:               text,
			MaxCards:           maxCards,
			IncludeDefinitions: include,
			Model:              stringConfig(config, defaultModel, "model"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"flashcards": cards}, nil
	}
}

func displayText(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
	return map[string]any{"displayed": true, "content": inputs["text"]}, nil
}

func displayQuiz(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
	return map[string]any{"displayed": true, "questions": inputs["questions"]}, nil
}

func requireText(inputs map[string]any) (string, error) {
	s, _ := inputs["text"].(string)
	if s == "" {
		return "", ErrMissingText
	}
	return s, nil
}
