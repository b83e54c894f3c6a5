package subepoch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// BatchSource produces sub-epoch batches. *Sampler implements it.
type BatchSource interface {
	Sample(ctx context.Context) (*Batch, error)
}

// Trainer consumes one sub-epoch batch.
type Trainer interface {
	Train(ctx context.Context, index int, batch *Batch) error
}

type TrainerFunc func(ctx context.Context, index int, batch *Batch) error

func (f TrainerFunc) Train(ctx context.Context, index int, batch *Batch) error {
	return f(ctx, index, batch)
}

// Pipeline runs subepochs sub-epochs, sampling sub-epoch k+1 while the
// trainer works on sub-epoch k. The first error from either side cancels the
// other and is returned.
func Pipeline(ctx context.Context, src BatchSource, trainer Trainer, subepochs int) error {
	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan *Batch)

	g.Go(func() error {
		defer close(batches)
		for k := 0; k < subepochs; k++ {
			batch, err := src.Sample(gctx)
			if err != nil {
				return fmt.Errorf("sub-epoch %d: %w", k, err)
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		k := 0
		for batch := range batches {
			if err := trainer.Train(gctx, k, batch); err != nil {
				return fmt.Errorf("train sub-epoch %d: %w", k, err)
			}
			k++
		}
		return nil
	})

	return g.Wait()
}
