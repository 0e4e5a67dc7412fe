// internal/game/questions.go
package game

import "fmt"

// StaticSource is a built-in question bank keyed by topic. Deployments that
// plug in a real catalog service implement QuestionSource themselves; this
// one exists so the service is playable out of the box and deterministic in
// tests.
type StaticSource struct {
	bank map[string][]Question
}

// NewStaticSource builds a source over the built-in bank.
func NewStaticSource() *StaticSource {
	return &StaticSource{bank: builtinBank}
}

// Question picks the round's question for a topic, cycling through the
// topic's entries. Unknown topics get a generic placeholder rather than an
// error: the round must always be able to enter the question phase.
func (s *StaticSource) Question(topic string, round int) Question {
	qs, ok := s.bank[topic]
	if !ok || len(qs) == 0 {
		return Question{
			Prompt:  fmt.Sprintf("No questions available for %q. Closest answer wins: what round is this?", topic),
			Choices: []string{"1", "2", "3", "4"},
			Correct: (round - 1) % 4,
		}
	}
	return qs[(round-1)%len(qs)]
}

var builtinBank = map[string][]Question{
	"History": {
		{Prompt: "In which year did the Berlin Wall fall?",
			Choices: []string{"1987", "1989", "1991", "1993"}, Correct: 1},
		{Prompt: "Who was the first emperor of Rome?",
			Choices: []string{"Julius Caesar", "Augustus", "Nero", "Trajan"}, Correct: 1},
	},
	"Science": {
		{Prompt: "What is the chemical symbol for gold?",
			Choices: []string{"Go", "Gd", "Au", "Ag"}, Correct: 2},
		{Prompt: "How many bones are in the adult human body?",
			Choices: []string{"186", "206", "226", "246"}, Correct: 1},
	},
	"Geography": {
		{Prompt: "Which is the longest river in the world?",
			Choices: []string{"Amazon", "Nile", "Yangtze", "Mississippi"}, Correct: 1},
		{Prompt: "What is the capital of Australia?",
			Choices: []string{"Sydney", "Melbourne", "Canberra", "Perth"}, Correct: 2},
	},
	"Movies": {
		{Prompt: "Who directed the film Jaws?",
			Choices: []string{"George Lucas", "Steven Spielberg", "Martin Scorsese", "Stanley Kubrick"}, Correct: 1},
		{Prompt: "Which film won Best Picture in 2020?",
			Choices: []string{"1917", "Joker", "Parasite", "Once Upon a Time in Hollywood"}, Correct: 2},
	},
	"Music": {
		{Prompt: "How many strings does a standard violin have?",
			Choices: []string{"4", "5", "6", "7"}, Correct: 0},
		{Prompt: "Which band recorded Abbey Road?",
			Choices: []string{"The Rolling Stones", "The Beatles", "The Who", "Pink Floyd"}, Correct: 1},
	},
	"Sports": {
		{Prompt: "How many players are on a soccer team on the field?",
			Choices: []string{"9", "10", "11", "12"}, Correct: 2},
		{Prompt: "In which sport would you perform a slam dunk?",
			Choices: []string{"Volleyball", "Basketball", "Tennis", "Handball"}, Correct: 1},
	},
	"Food": {
		{Prompt: "Which country is the origin of sushi?",
			Choices: []string{"China", "Korea", "Japan", "Thailand"}, Correct: 2},
		{Prompt: "What is the main ingredient of guacamole?",
			Choices: []string{"Tomato", "Avocado", "Cucumber", "Pepper"}, Correct: 1},
	},
	"Technology": {
		{Prompt: "What does CPU stand for?",
			Choices: []string{"Central Process Utility", "Central Processing Unit", "Computer Processing Unit", "Core Processing Unit"}, Correct: 1},
		{Prompt: "In what decade was the World Wide Web invented?",
			Choices: []string{"1970s", "1980s", "1990s", "2000s"}, Correct: 1},
	},
}
