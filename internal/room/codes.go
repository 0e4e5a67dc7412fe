// internal/room/codes.go
package room

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/quizwheel/quizwheel/internal/store"
)

// CodeAlphabet excludes visually ambiguous characters (I, O, 0, 1).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ErrGenerationExhausted is returned when every attempt collided. With a
// 32^6 code space and realistic room counts this is effectively theoretical,
// but it is handled rather than ignored.
var ErrGenerationExhausted = errors.New("room code generation exhausted attempts")

// CodeGenerator produces short, human-shareable, collision-checked room
// codes backed by crypto/rand.
type CodeGenerator struct {
	store       store.Store
	length      int
	maxAttempts int
}

// NewCodeGenerator builds a generator that collision-checks against the
// roomCodes index in the given store.
func NewCodeGenerator(s store.Store, length, maxAttempts int) *CodeGenerator {
	return &CodeGenerator{store: s, length: length, maxAttempts: maxAttempts}
}

// Generate draws random codes until one does not collide with an existing
// room, up to the bounded attempt count.
func (g *CodeGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code, err := g.randomCode()
		if err != nil {
			return "", fmt.Errorf("draw random code: %w", err)
		}
		existing, err := g.store.Get(ctx, CodePath(code))
		if err != nil {
			return "", fmt.Errorf("collision check for %s: %w", code, err)
		}
		if existing == nil {
			return code, nil
		}
	}
	return "", ErrGenerationExhausted
}

func (g *CodeGenerator) randomCode() (string, error) {
	var b strings.Builder
	b.Grow(g.length)
	max := big.NewInt(int64(len(CodeAlphabet)))
	for i := 0; i < g.length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ValidateCode performs pure format and alphabet checking with no store
// access. Callers must validate before querying the store so malformed
// input never reaches the network.
func (g *CodeGenerator) ValidateCode(code string) bool {
	if len(code) != g.length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(CodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
