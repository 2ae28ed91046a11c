// Package dataset provides DatasetReader implementations: an in-memory
// slice reader for tests and demos, and a JSON-Lines file reader for real
// datasets.
package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/evalcore/topk/engine"
)

// SliceReader serves datapoints from an in-memory slice in order, exactly
// once each, safe for concurrent Next calls (the sampling loop draws
// batches from a single goroutine, but tests sometimes draw concurrently).
type SliceReader struct {
	mu     sync.Mutex
	items  []interface{}
	cursor int
}

// NewSliceReader wraps items as a DatasetReader; Datapoint.Expected is left
// nil since the seed scenarios don't need ground-truth labels.
func NewSliceReader(items []interface{}) *SliceReader {
	return &SliceReader{items: items}
}

// Next implements engine.DatasetReader.
func (r *SliceReader) Next(ctx context.Context) (engine.Datapoint, bool, error) {
	select {
	case <-ctx.Done():
		return engine.Datapoint{}, false, ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor >= len(r.items) {
		return engine.Datapoint{}, false, nil
	}

	dp := engine.Datapoint{Index: r.cursor, Input: r.items[r.cursor]}
	r.cursor++
	return dp, true, nil
}

// Len reports the total number of datapoints (exhausted or not).
func (r *SliceReader) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// JSONLinesReader reads one JSON value per line as a datapoint's input,
// streaming from disk rather than loading the whole file.
type JSONLinesReader struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	cursor  int
	closer  io.Closer
}

// NewJSONLinesReader opens path and prepares to stream it line by line.
func NewJSONLinesReader(path string) (*JSONLinesReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: opening %s", path)
	}
	return &JSONLinesReader{
		scanner: bufio.NewScanner(f),
		closer:  f,
	}, nil
}

// Next implements engine.DatasetReader.
func (r *JSONLinesReader) Next(ctx context.Context) (engine.Datapoint, bool, error) {
	select {
	case <-ctx.Done():
		return engine.Datapoint{}, false, ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return engine.Datapoint{}, false, errors.Wrap(err, "dataset: reading line")
		}
		return engine.Datapoint{}, false, nil
	}

	var input interface{}
	if err := json.Unmarshal(r.scanner.Bytes(), &input); err != nil {
		return engine.Datapoint{}, false, errors.Wrapf(err, "dataset: parsing line %d", r.cursor)
	}

	dp := engine.Datapoint{Index: r.cursor, Input: input}
	r.cursor++
	return dp, true, nil
}

// Close releases the underlying file handle.
func (r *JSONLinesReader) Close() error {
	return r.closer.Close()
}

// Registry resolves dataset names to fresh DatasetReaders, the concrete
// implementation of orchestrator.DatasetFactory used by tests and the CLI's
// in-memory demo mode. Each Open call returns an independent reader with
// its own cursor, so concurrent runs over the same named dataset don't
// interfere with each other.
type Registry struct {
	mu       sync.Mutex
	datasets map[string][]interface{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{datasets: make(map[string][]interface{})}
}

// Register associates name with a fixed slice of datapoint inputs.
func (r *Registry) Register(name string, items []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datasets[name] = items
}

// Open implements orchestrator.DatasetFactory.
func (r *Registry) Open(ctx context.Context, name string) (engine.DatasetReader, error) {
	r.mu.Lock()
	items, ok := r.datasets[name]
	r.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("dataset: unknown dataset %q", name)
	}
	return NewSliceReader(items), nil
}
