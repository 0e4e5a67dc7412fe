// internal/game/topics.go
package game

import (
	"math/rand"
)

// DefaultTopics is a small built-in wheel for local play; deployments
// supply their own catalog through Config.Topics.
var DefaultTopics = []string{
	"History",
	"Science",
	"Geography",
	"Movies",
	"Music",
	"Sports",
	"Food",
	"Technology",
}

// pickTopic chooses a random topic not yet used this game and returns it
// along with the updated used list. When every topic has been used the
// wheel resets, so usedTopics never exceeds the catalog size and never
// holds duplicates.
func pickTopic(catalog, used []string) (string, []string) {
	if len(catalog) == 0 {
		return "", used
	}

	usedSet := make(map[string]bool, len(used))
	for _, t := range used {
		usedSet[t] = true
	}

	var unused []string
	for _, t := range catalog {
		if !usedSet[t] {
			unused = append(unused, t)
		}
	}
	if len(unused) == 0 {
		unused = catalog
		used = nil
	}

	topic := unused[rand.Intn(len(unused))]
	return topic, append(used, topic)
}
