package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/gen2go/history"
)

// aggregator stores artifacts as they arrive and writes history once a run
// has fully succeeded
type aggregator struct {
	files   FileWriter
	sink    HistorySink
	dir     string
	backend Backend
	model   string
	prompt  string
	now     func() time.Time
	started time.Time
}

func newAggregator(files FileWriter, sink HistorySink, dir string, req *GenerationRequest, now func() time.Time) *aggregator {
	if now == nil {
		now = time.Now
	}
	return &aggregator{
		files:   files,
		sink:    sink,
		dir:     dir,
		backend: req.Backend,
		model:   req.Options.Model,
		prompt:  req.Prompt,
		now:     now,
		started: now(),
	}
}

func (a *aggregator) fileName(item *ResultItem) string {
	ext := extensionFor(item.MIMEType)
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%s-%s-%d%s", a.backend, a.started.Format("20060102-150405"), item.Index, ext)
}

// store writes the item's media and fills Path
func (a *aggregator) store(item *ResultItem) error {
	if a.files == nil || item.Image == nil {
		return nil
	}
	path, err := a.files.Write(a.dir, a.fileName(item), item.Image)
	if err != nil {
		return fmt.Errorf("writing item %d: %w", item.Index, err)
	}
	item.Path = path
	return nil
}

// persist appends one record per item and persists the sink once
func (a *aggregator) persist(items []ResultItem) error {
	if a.sink == nil || len(items) == 0 {
		return nil
	}
	batchID := ""
	if len(items) > 1 {
		batchID = uuid.New().String()
	}
	ts := a.now()
	for _, item := range items {
		rec := history.Record{
			Prompt:    a.prompt,
			Caption:   item.Caption,
			Path:      item.Path,
			MIMEType:  item.MIMEType,
			Backend:   string(a.backend),
			Model:     a.model,
			Timestamp: ts,
			BatchID:   batchID,
		}
		if batchID != "" {
			rec.Index = item.Index
			rec.Total = item.Total
		}
		if err := a.sink.Append(rec); err != nil {
			a.sink.Discard()
			return fmt.Errorf("appending history: %w", err)
		}
	}
	if err := a.sink.Persist(); err != nil {
		a.sink.Discard()
		return fmt.Errorf("persisting history: %w", err)
	}
	slog.Debug("history persisted", "items", len(items), "batch_id", batchID)
	return nil
}
