package engine

import (
	"context"
	"log/slog"
	"math/rand"
)

// seedSource draws a non-negative seed; replaced in tests
type seedSource func() int64

func defaultSeeds() int64 {
	return rand.Int63()
}

// runBatch drives the strategy until req.BatchSize items have been produced.
// Each item is handed to emit before the next call starts. The first error
// ends the batch; items already emitted stay with the caller.
func runBatch(ctx context.Context, s strategy, req *GenerationRequest, seeds seedSource, emit func(*ResultItem) error) ([]ResultItem, error) {
	total := req.batchSize()

	if !s.SingleArtifact() {
		p, err := s.Build(ctx, req, iteration{Index: 0, Total: 1})
		if err != nil {
			return nil, err
		}
		items, err := s.Execute(ctx, p)
		if err != nil {
			return nil, err
		}
		// providers may answer with more candidates than were asked for
		if len(items) > total {
			slog.Debug("dropping extra results", "returned", len(items), "requested", total)
			items = items[:total]
		}
		for i := range items {
			items[i].Index = i + 1
			items[i].Total = len(items)
			if items[i].Image == nil {
				items[i].Caption = missingCaption(i + 1)
			}
			if err := emit(&items[i]); err != nil {
				return nil, err
			}
		}
		return items, nil
	}

	retv := make([]ResultItem, 0, total)
	used := make(map[int64]bool, total)
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var seed int64
		if i == 0 && req.Options.Seed != nil {
			seed = *req.Options.Seed
		} else {
			seed = seeds()
			for used[seed] {
				seed = seeds()
			}
		}
		used[seed] = true

		p, err := s.Build(ctx, req, iteration{Index: i, Total: total, Seed: seed})
		if err != nil {
			return nil, err
		}
		items, err := s.Execute(ctx, p)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			items = []ResultItem{{Caption: missingCaption(i + 1)}}
		}

		item := items[0]
		item.Index = i + 1
		item.Total = total
		if item.Seed == nil {
			sd := seed
			item.Seed = &sd
		}
		if item.Image == nil {
			item.Caption = missingCaption(i + 1)
		} else {
			item.Caption = seedCaption(seed)
		}
		slog.Debug("batch item done", "index", item.Index, "total", total, "seed", seed)
		if err := emit(&item); err != nil {
			return nil, err
		}
		retv = append(retv, item)
	}
	return retv, nil
}
