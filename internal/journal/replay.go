package journal

import (
	"context"

	"github.com/tinytelemetry/sensord/internal/model"
)

// DefaultReplayBatchSize bounds the batches written by ReplayInto.
const DefaultReplayBatchSize = 500

// ReplayInto writes every uncommitted reading to w in batches and commits the
// journal after each successful batch. It returns the number replayed.
func ReplayInto(ctx context.Context, j *Journal, w model.BatchWriter, batchSize int) (int, error) {
	if j == nil {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultReplayBatchSize
	}

	batch := make([]*model.Reading, 0, batchSize)
	var batchMaxSeq uint64
	replayed := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.InsertBatch(ctx, batch); err != nil {
			return err
		}
		if batchMaxSeq > 0 {
			if err := j.Commit(batchMaxSeq); err != nil {
				return err
			}
		}
		replayed += len(batch)
		batch = make([]*model.Reading, 0, batchSize)
		batchMaxSeq = 0
		return nil
	}

	if err := j.Replay(func(seq uint64, r *model.Reading) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = append(batch, r.Clone())
		if seq > batchMaxSeq {
			batchMaxSeq = seq
		}
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	}); err != nil {
		return replayed, err
	}

	if err := flush(); err != nil {
		return replayed, err
	}
	return replayed, nil
}
