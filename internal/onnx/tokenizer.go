package onnx

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/ricesearch/zeroshot-eval/internal/tensor"
)

// ContextLength is the fixed token length of the text trunk.
const ContextLength = 77

const (
	startToken = "<|startoftext|>"
	endToken   = "<|endoftext|>"
	wordEnd    = "</w>"
)

// Tokenizer is a CLIP byte-pair encoder producing fixed-length id rows.
type Tokenizer struct {
	vocab     map[string]int64
	ranks     map[[2]string]int
	bos, eos  int64
	maxLength int
}

// LoadTokenizer reads vocab.json and merges.txt from dir.
func LoadTokenizer(dir string) (*Tokenizer, error) {
	vf, err := os.Open(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	defer vf.Close()

	mf, err := os.Open(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}
	defer mf.Close()

	return NewTokenizer(vf, mf)
}

// NewTokenizer builds a tokenizer from a JSON vocabulary and a merges list.
func NewTokenizer(vocabJSON, merges io.Reader) (*Tokenizer, error) {
	vocab := make(map[string]int64)
	if err := json.NewDecoder(vocabJSON).Decode(&vocab); err != nil {
		return nil, fmt.Errorf("parse vocab: %w", err)
	}

	ranks := make(map[[2]string]int)
	sc := bufio.NewScanner(merges)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		pair := [2]string{parts[0], parts[1]}
		if _, ok := ranks[pair]; !ok {
			ranks[pair] = len(ranks)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}

	bos, ok := vocab[startToken]
	if !ok {
		return nil, fmt.Errorf("vocab has no %s token", startToken)
	}
	eos, ok := vocab[endToken]
	if !ok {
		return nil, fmt.Errorf("vocab has no %s token", endToken)
	}

	return &Tokenizer{vocab: vocab, ranks: ranks, bos: bos, eos: eos, maxLength: ContextLength}, nil
}

// Encode tokenizes one text into at most ContextLength ids, start and end
// tokens included. Unknown pieces are dropped.
func (t *Tokenizer) Encode(text string) []int64 {
	ids := []int64{t.bos}
	for _, word := range splitWords(strings.ToLower(strings.TrimSpace(text))) {
		for _, piece := range t.bpe(word) {
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, id)
			}
		}
	}
	ids = append(ids, t.eos)

	if len(ids) > t.maxLength {
		ids = ids[:t.maxLength]
		ids[t.maxLength-1] = t.eos
	}
	return ids
}

// EncodeBatch returns an N x ContextLength int64 tensor, zero padded.
func (t *Tokenizer) EncodeBatch(texts []string) *tensor.Tensor {
	out := make([]int64, len(texts)*t.maxLength)
	for i, text := range texts {
		copy(out[i*t.maxLength:], t.Encode(text))
	}
	return tensor.NewInt64(out, []int64{int64(len(texts)), int64(t.maxLength)})
}

// bpe splits word into vocabulary pieces by repeatedly merging the
// lowest-ranked adjacent pair.
func (t *Tokenizer) bpe(word string) []string {
	runes := []rune(word)
	if len(runes) == 0 {
		return nil
	}
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}
	parts[len(parts)-1] += wordEnd

	for len(parts) > 1 {
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i+1 < len(parts); i++ {
			if r, ok := t.ranks[[2]string{parts[i], parts[i+1]}]; ok && r < bestRank {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}

		a, b := parts[best], parts[best+1]
		merged := make([]string, 0, len(parts)-1)
		for i := 0; i < len(parts); i++ {
			if i+1 < len(parts) && parts[i] == a && parts[i+1] == b {
				merged = append(merged, a+b)
				i++
				continue
			}
			merged = append(merged, parts[i])
		}
		parts = merged
	}
	return parts
}

func splitWords(text string) []string {
	var words []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			words = append(words, string(current))
			current = current[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			current = append(current, r)
		}
	}
	flush()
	return words
}
