// Package main generates synthetic line-oriented JSON input files for
// exercising the dispatcher end to end.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"

	json "github.com/goccy/go-json"
)

// row is one synthetic input record: a prompt-shaped payload the
// dispatcher treats as opaque.
type row struct {
	ID     int    `json:"id"`
	Prompt string `json:"prompt"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rowgen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("rowgen", flag.ExitOnError)

	outfile := fs.String("outfile", "", "Destination file for generated rows (required)")
	numRows := fs.Int("rows", 1000, "Number of rows to generate")
	seed := fs.Int64("seed", 1, "Random seed, for reproducible fixtures")
	minWords := fs.Int("min-words", 3, "Minimum words per generated prompt")
	maxWords := fs.Int("max-words", 20, "Maximum words per generated prompt")
	emptyEvery := fs.Int("empty-every", 0, "Emit an empty line every N rows, 0 disables")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *outfile == "" {
		return fmt.Errorf("-outfile is required")
	}
	if *minWords < 0 || *maxWords < *minWords {
		return fmt.Errorf("invalid word-count range [%d, %d]", *minWords, *maxWords)
	}

	f, err := os.Create(*outfile)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	defer bw.Flush()

	r := rand.New(rand.NewSource(*seed))
	for i := 0; i < *numRows; i++ {
		if *emptyEvery > 0 && i > 0 && i%*emptyEvery == 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return fmt.Errorf("failed to write row %d: %w", i, err)
			}
			continue
		}

		data, err := json.Marshal(row{ID: i, Prompt: randomPrompt(r, *minWords, *maxWords)})
		if err != nil {
			return fmt.Errorf("failed to encode row %d: %w", i, err)
		}
		if _, err := bw.Write(data); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}
	return nil
}

var vocabulary = []string{
	"summarize", "translate", "the", "quarterly", "report", "customer",
	"feedback", "analyze", "sentiment", "of", "this", "paragraph",
	"classify", "document", "into", "categories", "generate", "a",
	"response", "for", "support", "ticket", "extract", "entities",
	"from", "text", "rewrite", "in", "formal", "tone",
}

// randomPrompt builds a random prompt string with a word count between
// minWords and maxWords, inclusive.
func randomPrompt(r *rand.Rand, minWords, maxWords int) string {
	n := minWords
	if maxWords > minWords {
		n += r.Intn(maxWords - minWords + 1)
	}
	if n == 0 {
		return ""
	}
	words := make([]string, n)
	for i := range words {
		words[i] = vocabulary[r.Intn(len(vocabulary))]
	}
	s := words[0]
	for _, w := range words[1:] {
		s += " " + w
	}
	return s
}
