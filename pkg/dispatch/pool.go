package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// chunkResult is the outcome of one chunk invocation. A nil Output with a
// nil Err is the operation's explicit "nothing produced" signal.
type chunkResult struct {
	Index  int
	Output []interface{}
	Err    error
}

// localPool executes the operation over chunks using a fixed-size worker
// pool, preserving output order by chunk index. With size 0 every chunk
// runs synchronously in the calling goroutine.
type localPool struct {
	size        int
	op          Operation
	slot        Slot
	args        Args
	initializer Initializer
	initArgs    []interface{}
	logger      *zap.Logger
}

// run applies the operation to every chunk and returns per-chunk outputs
// indexed by submission order. The first operation error aborts the whole
// dispatch; "no result" chunks come back as nil outputs for the caller to
// drop or propagate.
func (p *localPool) run(ctx context.Context, chunks []chunk) ([][]interface{}, error) {
	if p.size <= 0 {
		return p.runSerial(ctx, chunks)
	}

	jobChan := make(chan chunk, len(chunks))
	resultChan := make(chan chunkResult, len(chunks))

	workers := p.size
	if workers > len(chunks) {
		workers = len(chunks)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.worker(ctx, workerID, jobChan, resultChan)
		}(i)
	}

	for _, c := range chunks {
		jobChan <- c
	}
	close(jobChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	outputs := make([][]interface{}, len(chunks))
	var firstErr error
	for result := range resultChan {
		if result.Err != nil && firstErr == nil {
			firstErr = result.Err
		}
		outputs[result.Index] = result.Output
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return outputs, nil
}

func (p *localPool) runSerial(ctx context.Context, chunks []chunk) ([][]interface{}, error) {
	if p.initializer != nil {
		if err := p.initializer(ctx, p.initArgs); err != nil {
			return nil, err
		}
	}
	outputs := make([][]interface{}, len(chunks))
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := p.apply(ctx, c)
		if err != nil {
			return nil, err
		}
		outputs[c.Index] = out
	}
	return outputs, nil
}

// worker consumes chunks until the job channel closes. The initializer, if
// any, runs once per worker before its first chunk.
func (p *localPool) worker(ctx context.Context, workerID int, jobChan <-chan chunk, resultChan chan<- chunkResult) {
	p.logger.Debug("pool worker started", zap.Int("worker_id", workerID))
	defer p.logger.Debug("pool worker stopped", zap.Int("worker_id", workerID))

	if p.initializer != nil {
		if err := p.initializer(ctx, p.initArgs); err != nil {
			// Fail every chunk this worker would have run; other
			// workers drain the channel.
			for c := range jobChan {
				resultChan <- chunkResult{Index: c.Index, Err: err}
			}
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-jobChan:
			if !ok {
				return
			}
			out, err := p.apply(ctx, c)
			resultChan <- chunkResult{Index: c.Index, Output: out, Err: err}
		}
	}
}

func (p *localPool) apply(ctx context.Context, c chunk) ([]interface{}, error) {
	args, err := p.slot.place(p.args, c.Items)
	if err != nil {
		return nil, err
	}
	return p.op.Apply(ctx, args)
}

// mergeChunkOutputs concatenates per-chunk outputs in submission order.
// Nil chunk outputs are dropped when skipFailed is set, otherwise they
// contribute a single nil placeholder slot.
func mergeChunkOutputs(outputs [][]interface{}, skipFailed bool) []interface{} {
	merged := make([]interface{}, 0, len(outputs))
	for _, out := range outputs {
		if out == nil {
			if !skipFailed {
				merged = append(merged, nil)
			}
			continue
		}
		merged = append(merged, out...)
	}
	return merged
}
