package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"SearchSync/internal/domain"
	"SearchSync/internal/ports"
)

// BulkWriter upserts documents into the search index over the bulk API.
// Each document is written with the "index" action, which replaces any
// existing document under the same ID: replaying a batch is idempotent and
// can never produce duplicate documents.
type BulkWriter struct {
	es      *elasticsearch.Client
	timeout time.Duration
	logger  *slog.Logger
}

var _ ports.IndexWriter = (*BulkWriter)(nil)

// Config describes the destination cluster.
type Config struct {
	Addresses []string
	Username  string
	Password  string
}

// NewBulkWriter builds a writer backed by the official client.
func NewBulkWriter(cfg Config, timeout time.Duration, logger *slog.Logger) (*BulkWriter, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("new search client: %w", err)
	}

	return &BulkWriter{es: es, timeout: timeout, logger: logger}, nil
}

type bulkAction struct {
	Index bulkActionMeta `json:"index"`
}

type bulkActionMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// BulkUpsert writes the batch into one collection and reports per-document
// outcomes in submission order, so the pipeline can narrow its checkpoint
// advancement to the confirmed prefix on partial failure.
func (w *BulkWriter) BulkUpsert(ctx context.Context, collection string, docs []domain.Document) ([]ports.DocResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	body, err := encodeBulkBody(collection, docs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	res, err := w.es.Bulk(bytes.NewReader(body), w.es.Bulk.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bulk request to %s: %w", collection, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("bulk request to %s: %s", collection, res.Status())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}

	if len(parsed.Items) != len(docs) {
		return nil, fmt.Errorf("bulk response has %d items for %d documents", len(parsed.Items), len(docs))
	}

	results := make([]ports.DocResult, len(docs))
	for i, item := range parsed.Items {
		outcome, ok := item["index"]
		if !ok {
			results[i] = ports.DocResult{ID: docs[i].ID, Err: fmt.Errorf("bulk item %d has no index outcome", i)}
			continue
		}

		result := ports.DocResult{ID: docs[i].ID}
		if outcome.Error != nil {
			result.Err = fmt.Errorf("document %s rejected (%d %s): %s",
				docs[i].ID, outcome.Status, outcome.Error.Type, outcome.Error.Reason)
		} else if outcome.Status >= 300 {
			result.Err = fmt.Errorf("document %s rejected with status %d", docs[i].ID, outcome.Status)
		}
		results[i] = result
	}

	w.debug("bulk upsert complete", "collection", collection, "documents", len(docs), "errors", parsed.Errors)
	return results, nil
}

// encodeBulkBody renders the NDJSON bulk payload: one action line and one
// source line per document.
func encodeBulkBody(collection string, docs []domain.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, doc := range docs {
		if doc.ID == "" {
			return nil, fmt.Errorf("document without ID for collection %s", collection)
		}
		if err := enc.Encode(bulkAction{Index: bulkActionMeta{Index: collection, ID: doc.ID}}); err != nil {
			return nil, fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(doc.Fields); err != nil {
			return nil, fmt.Errorf("encode document %s: %w", doc.ID, err)
		}
	}

	return buf.Bytes(), nil
}

func (w *BulkWriter) debug(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Debug(msg, args...)
	}
}
