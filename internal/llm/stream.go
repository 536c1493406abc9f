package llm

import (
	"context"
	"io"
	"sync"
)

// Stream is a finite, non-restartable sequence of reply deltas.
//
// Recv returns the next non-empty delta, or io.EOF once the provider signalled
// the end of the reply. Any other error is a *ProviderError; deltas returned
// before it remain valid. Close releases the underlying request and may be
// called at any time, more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// produceFunc runs a callback-style streaming call, handing each chunk to emit.
type produceFunc func(ctx context.Context, emit func(ctx context.Context, chunk []byte) error) error

// pipeStream turns a callback-driven producer into a pull-based Stream.
// The hand-off channel is unbuffered, so the producer is never more than one
// delta ahead of the consumer.
type pipeStream struct {
	deltas chan string
	err    error // written before deltas is closed
	cancel context.CancelFunc
	once   sync.Once
}

func newPipeStream(ctx context.Context, produce produceFunc, done func(err error)) *pipeStream {
	ctx, cancel := context.WithCancel(ctx)
	p := &pipeStream{
		deltas: make(chan string),
		cancel: cancel,
	}

	go func() {
		defer close(p.deltas)

		err := produce(ctx, func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			select {
			case p.deltas <- string(chunk):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if done != nil {
			done(err)
		}
		if err != nil {
			p.err = providerError("stream", 0, err)
		}
	}()

	return p
}

func (p *pipeStream) Recv() (string, error) {
	d, ok := <-p.deltas
	if ok {
		return d, nil
	}
	if p.err != nil {
		return "", p.err
	}
	return "", io.EOF
}

// Close cancels the producer and waits for it to finish.
func (p *pipeStream) Close() error {
	p.once.Do(func() {
		p.cancel()
		for range p.deltas {
		}
	})
	return nil
}
