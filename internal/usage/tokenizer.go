package usage

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// perMessageOverhead approximates the framing tokens a chat message costs
// beyond its content.
const perMessageOverhead = 4

// Tokenizer counts tokens with tiktoken encodings, falling back to
// cl100k_base for model families without a native encoding. Encodings are
// loaded once and reused.
type Tokenizer struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewTokenizer creates a Tokenizer with an empty encoding cache.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// encodingFor picks the tiktoken encoding name for a model identifier.
func encodingFor(modelID string) string {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "gpt-4o"), strings.Contains(id, "o1"), strings.Contains(id, "o3"):
		return "o200k_base"
	case strings.Contains(id, "gpt-4"), strings.Contains(id, "gpt-3.5"):
		return "cl100k_base"
	default:
		// Claude, Llama, Mistral, Gemini and unknown families use their
		// own tokenizers; cl100k_base is a workable estimate.
		return "cl100k_base"
	}
}

func (t *Tokenizer) encoding(name string) (*tiktoken.Tiktoken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	t.encodings[name] = enc
	return enc, nil
}

// CountText returns the token count of a single text under the model's
// encoding. Encoding failures fall back to a bytes/4 estimate.
func (t *Tokenizer) CountText(modelID, text string) int {
	enc, err := t.encoding(encodingFor(modelID))
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages estimates the prompt token count of a chat transcript,
// including per-message framing overhead.
func (t *Tokenizer) CountMessages(modelID string, msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += t.CountText(modelID, m.Content)
		total += t.CountText(modelID, m.Role)
	}
	return total
}
