//go:build ignore

// Package main generates a synthetic document corpus for ingest
// benchmarking.
// Usage: go run scripts/generate-test-corpus.go -docs 500 -output testdata/corpus.json
//
// The output is a JSON body for POST /api/v2/projects/{id}/ingest:
// {"documents": [{"name", "content_type", "content", "metadata"}, ...]}
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

var (
	numDocs    = flag.Int("docs", 500, "Number of documents to generate")
	paragraphs = flag.Int("paragraphs", 8, "Paragraphs per document")
	output     = flag.String("output", "testdata/corpus.json", "Output file")
	seed       = flag.Int64("seed", 42, "Random seed for reproducibility")
)

var topics = []string{
	"incident response", "capacity planning", "database migrations",
	"service discovery", "cache invalidation", "api versioning",
	"access control", "observability", "schema design", "rate limiting",
	"deployment pipelines", "disaster recovery", "data retention",
	"query optimization", "connection pooling", "load shedding",
}

var sentences = []string{
	"The %s runbook covers detection, mitigation, and postmortem steps.",
	"Teams adopting %s should start with the reference configuration.",
	"A common failure mode in %s is stale state after partial rollouts.",
	"Monitoring for %s relies on latency histograms and error budgets.",
	"The %s policy applies to every production service by default.",
	"Changes to %s require review from the owning team.",
	"When %s degrades, fall back to the read-only replica path.",
	"Document %s decisions in the shared architecture log.",
	"Capacity for %s is re-evaluated at the start of each quarter.",
	"The %s checklist was last revised after the March incident.",
}

type document struct {
	Name        string            `json:"name"`
	ContentType string            `json:"content_type"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type batch struct {
	Documents []document `json:"documents"`
}

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	docs := make([]document, 0, *numDocs)
	for i := 0; i < *numDocs; i++ {
		topic := topics[rng.Intn(len(topics))]
		body := fmt.Sprintf("# Notes on %s\n\n", topic)
		for p := 0; p < *paragraphs; p++ {
			for s := 0; s < 4; s++ {
				body += fmt.Sprintf(sentences[rng.Intn(len(sentences))], topic) + " "
			}
			body += "\n\n"
		}
		docs = append(docs, document{
			Name:        fmt.Sprintf("doc-%04d.md", i),
			ContentType: "text/markdown",
			Content:     body,
			Metadata:    map[string]string{"topic": topic},
		})
	}

	if err := os.MkdirAll(filepath.Dir(*output), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create output dir: %v\n", err)
		os.Exit(1)
	}
	f, err := os.Create(*output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(batch{Documents: docs}); err != nil {
		fmt.Fprintf(os.Stderr, "encode corpus: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d documents to %s\n", len(docs), *output)
}
