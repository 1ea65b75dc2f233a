package training

import (
	"context"
	"fmt"

	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/models"
	"github.com/tsawler/go-semisup/tensor"
)

// EvalResult summarises one pass over a held-out set. Accuracies are in
// percent; Top5 is zero when there are fewer than five classes.
type EvalResult struct {
	Loss    float64
	Top1    float64
	Top5    float64
	Samples int
}

// EvalProgress receives per-batch updates during evaluation.
type EvalProgress interface {
	Update(step int, metrics map[string]float64)
	Finish()
}

// Evaluate runs pair in eval mode with the classifier in test mode over
// every batch of loader, without recording a graph. Loss and accuracies
// are averaged weighted by batch size.
func Evaluate(ctx context.Context, loader *DataLoader, pair models.Pair, progress EvalProgress) (EvalResult, error) {
	pair.Eval()
	loader.Reset()

	var losses, top1, top5 AverageMeter
	step := 0
	err := tensor.NoGrad(func() error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := loader.Next()
			if err != nil {
				return err
			}
			if batch == nil {
				return nil
			}
			logits, err := pair.Forward(batch.Inputs, layers.ModeTest)
			if err != nil {
				return err
			}
			loss, err := tensor.CrossEntropy(logits, batch.Targets, nil)
			if err != nil {
				return err
			}
			n := float64(len(batch.Targets))
			losses.Update(float64(loss.Data[0]), n)

			topk := []int{1}
			if logits.Shape[1] >= 5 {
				topk = append(topk, 5)
			}
			acc, err := Accuracy(logits, batch.Targets, topk...)
			if err != nil {
				return err
			}
			top1.Update(acc[0], n)
			if len(acc) > 1 {
				top5.Update(acc[1], n)
			}

			step++
			if progress != nil {
				progress.Update(step, map[string]float64{
					"loss": losses.Avg,
					"top1": top1.Avg,
					"top5": top5.Avg,
				})
			}
		}
	})
	if progress != nil {
		progress.Finish()
	}
	if err != nil {
		return EvalResult{}, fmt.Errorf("evaluation failed: %w", err)
	}
	if losses.Count == 0 {
		return EvalResult{}, fmt.Errorf("evaluation set is empty")
	}
	return EvalResult{Loss: losses.Avg, Top1: top1.Avg, Top5: top5.Avg, Samples: int(losses.Count)}, nil
}
