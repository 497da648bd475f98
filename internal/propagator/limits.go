package propagator

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const (
	minBurst = 4 << 10
	maxBurst = 1 << 20
)

// newLimiter returns nil for an unlimited direction.
func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := bytesPerSecond
	if burst < minBurst {
		burst = minBurst
	}
	if burst > maxBurst {
		burst = maxBurst
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))
}

// throttledReader waits on a shared limiter for every chunk it returns, so
// all workers moving data in one direction share the budget.
type throttledReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func throttle(ctx context.Context, r io.Reader, lim *rate.Limiter) io.Reader {
	if lim == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, lim: lim}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.lim.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.lim.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// progressReader reports the running byte count at most every step bytes
// and once more at EOF.
type progressReader struct {
	r      io.Reader
	n      int64
	last   int64
	step   int64
	report func(n int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	if p.n-p.last >= p.step || (err == io.EOF && p.n != p.last) {
		p.last = p.n
		p.report(p.n)
	}
	return n, err
}
