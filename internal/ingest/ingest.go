// Package ingest loads knowledge corpus YAML files into the knowledge store.
//
// A corpus file declares top-level metadata plus a list of chunks. Each chunk
// is embedded (in batches) and upserted; chunks whose stored copy is at least
// as fresh are skipped by the store's last-write-wins rule, so re-ingesting
// the same corpus on every boot is cheap and idempotent.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/provider/embeddings"
)

// embedBatchSize caps how many chunk texts are embedded per provider call.
const embedBatchSize = 64

// CorpusFile is the top-level structure of a Moneta knowledge corpus YAML file.
//
// Example:
//
//	corpus:
//	  name: "LBO fundamentals"
//	  domain: lbo
//	chunks:
//	  - id: lbo-irr-definition
//	    text: "IRR is the discount rate at which the NPV of all cash flows is zero."
//	    concept_type: definition
//	    complexity: beginner
//	    keywords: [irr, returns]
//	    confidence: 0.95
type CorpusFile struct {
	Corpus CorpusMeta        `yaml:"corpus"`
	Chunks []ChunkDefinition `yaml:"chunks"`
}

// CorpusMeta holds top-level metadata for a corpus file.
type CorpusMeta struct {
	// Name is the corpus's display name, used only for logging.
	Name string `yaml:"name"`

	// Domain is the default domain applied to chunks that do not set their
	// own. Empty means [memory.DomainGeneral].
	Domain memory.Domain `yaml:"domain"`
}

// ChunkDefinition is the YAML shape of a single knowledge chunk before
// embedding.
type ChunkDefinition struct {
	// ID is the stable chunk identifier. Required; re-ingesting the same id
	// with newer content overwrites the stored chunk.
	ID string `yaml:"id"`

	// Text is the chunk content that gets embedded and retrieved. Required.
	Text string `yaml:"text"`

	// Domain overrides the corpus default for this chunk.
	Domain memory.Domain `yaml:"domain"`

	// ConceptType classifies the knowledge (formula, process, ...).
	ConceptType memory.ConceptType `yaml:"concept_type"`

	// Complexity grades the chunk (beginner, intermediate, advanced).
	Complexity memory.Complexity `yaml:"complexity"`

	// Keywords feed the sparse retrieval leg.
	Keywords []string `yaml:"keywords"`

	// Confidence in [0, 1]. Zero defaults to 1.
	Confidence float64 `yaml:"confidence"`
}

// validate checks a single chunk definition, using the corpus domain as the
// fallback. Returns all problems joined.
func (c ChunkDefinition) validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if c.Text == "" {
		errs = append(errs, errors.New("text must not be empty"))
	}
	if c.Domain != "" && !c.Domain.IsValid() {
		errs = append(errs, fmt.Errorf("unknown domain %q", c.Domain))
	}
	if c.ConceptType != "" && !c.ConceptType.IsValid() {
		errs = append(errs, fmt.Errorf("unknown concept_type %q", c.ConceptType))
	}
	if c.Complexity != "" && !c.Complexity.IsValid() {
		errs = append(errs, fmt.Errorf("unknown complexity %q", c.Complexity))
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence %v outside [0, 1]", c.Confidence))
	}
	return errors.Join(errs...)
}

// LoadCorpusFile reads and parses a corpus YAML file from disk.
// Returns a descriptive error if the file cannot be opened or parsed.
func LoadCorpusFile(path string) (*CorpusFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open corpus file %q: %w", path, err)
	}
	defer f.Close()

	cf, err := LoadCorpusFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("ingest: parse corpus file %q: %w", path, err)
	}
	return cf, nil
}

// LoadCorpusFromReader parses corpus YAML from an [io.Reader].
// The reader is consumed entirely; the caller is responsible for closing it.
func LoadCorpusFromReader(r io.Reader) (*CorpusFile, error) {
	var cf CorpusFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("ingest: decode corpus yaml: %w", err)
	}
	if cf.Corpus.Domain != "" && !cf.Corpus.Domain.IsValid() {
		return nil, fmt.Errorf("ingest: unknown corpus domain %q", cf.Corpus.Domain)
	}
	var errs []error
	for i, c := range cf.Chunks {
		if err := c.validate(); err != nil {
			errs = append(errs, fmt.Errorf("chunk %d (%q): %w", i, c.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("ingest: invalid corpus: %w", err)
	}
	return &cf, nil
}

// Result summarises one ingestion run.
type Result struct {
	// Inserted is the number of chunks written (new or refreshed).
	Inserted int

	// Skipped is the number of chunks rejected as stale duplicates.
	Skipped int
}

// Ingester embeds corpus chunks and writes them into a knowledge store.
type Ingester struct {
	store    memory.KnowledgeStore
	embedder embeddings.Provider
}

// New creates an Ingester. Both dependencies are required.
func New(store memory.KnowledgeStore, embedder embeddings.Provider) (*Ingester, error) {
	if store == nil {
		return nil, errors.New("ingest: store must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("ingest: embedder must not be nil")
	}
	return &Ingester{store: store, embedder: embedder}, nil
}

// IngestFile loads, embeds, and stores one corpus file. The file's
// modification time is used as the chunks' UpdatedAt, so an unchanged file
// re-ingested on the next boot is skipped entirely by the store's
// last-write-wins rule.
func (in *Ingester) IngestFile(ctx context.Context, path string) (Result, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: stat corpus file %q: %w", path, err)
	}
	cf, err := LoadCorpusFile(path)
	if err != nil {
		return Result{}, err
	}
	res, err := in.ingestCorpusAt(ctx, cf, fi.ModTime().UTC())
	if err != nil {
		return res, fmt.Errorf("ingest: corpus file %q: %w", path, err)
	}
	slog.Info("corpus ingested",
		"path", path,
		"corpus", cf.Corpus.Name,
		"inserted", res.Inserted,
		"skipped", res.Skipped)
	return res, nil
}

// IngestPaths ingests every file in paths, aborting on the first failure.
func (in *Ingester) IngestPaths(ctx context.Context, paths []string) (Result, error) {
	var total Result
	for _, p := range paths {
		res, err := in.IngestFile(ctx, p)
		total.Inserted += res.Inserted
		total.Skipped += res.Skipped
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// IngestCorpus embeds all chunks of a parsed [CorpusFile] and upserts them
// with the current time as their UpdatedAt. Chunks rejected by the store's
// last-write-wins rule are counted as skipped, not treated as errors. An
// embedding or store failure aborts the run.
func (in *Ingester) IngestCorpus(ctx context.Context, cf *CorpusFile) (Result, error) {
	return in.ingestCorpusAt(ctx, cf, time.Now().UTC())
}

func (in *Ingester) ingestCorpusAt(ctx context.Context, cf *CorpusFile, asOf time.Time) (Result, error) {
	if cf == nil {
		return Result{}, errors.New("ingest: corpus must not be nil")
	}

	var res Result

	for start := 0; start < len(cf.Chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(cf.Chunks))
		batch := cf.Chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := in.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return res, fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
		}

		for i, c := range batch {
			chunk := in.buildChunk(cf.Corpus, c, vecs[i], asOf)
			err := in.store.Insert(ctx, chunk)
			switch {
			case errors.Is(err, memory.ErrStaleWrite):
				res.Skipped++
			case err != nil:
				return res, fmt.Errorf("insert chunk %q: %w", c.ID, err)
			default:
				res.Inserted++
			}
		}
	}
	return res, nil
}

// buildChunk converts a validated definition into a storable chunk, applying
// corpus-level and zero-value defaults.
func (in *Ingester) buildChunk(meta CorpusMeta, c ChunkDefinition, vec []float32, asOf time.Time) memory.KnowledgeChunk {
	domain := c.Domain
	if domain == "" {
		domain = meta.Domain
	}
	confidence := c.Confidence
	if confidence == 0 {
		confidence = 1
	}
	return memory.KnowledgeChunk{
		ID:          c.ID,
		Text:        c.Text,
		Embedding:   vec,
		Domain:      domain,
		ConceptType: c.ConceptType,
		Complexity:  c.Complexity,
		Keywords:    c.Keywords,
		Confidence:  confidence,
		CreatedAt:   asOf,
		UpdatedAt:   asOf,
	}
}
