package helpers

import (
	"context"
	"sync"
)

// MergeChannels fans all channels into one. The returned channel is closed
// once every input channel is closed or ctx is done.
func MergeChannels[A any](ctx context.Context, channels ...<-chan A) <-chan A {
	out := make(chan A)
	wg := sync.WaitGroup{}
	for _, ch := range channels {
		wg.Add(1)
		go func(ch <-chan A) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case v, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- v:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
