package arcus

import (
	"context"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
)

// sessionPool holds the connection's single live Channel.
//
// Acquiring from an empty pool dials a new session, so reconnecting is just
// destroying the stale resource and acquiring again. The destructor is the
// channel teardown, and Close waits for it.
type sessionPool struct {
	pool      *puddle.Pool[Channel]
	created   atomic.Int64
	destroyed atomic.Int64
}

func newSessionPool(constructor func(ctx context.Context) (Channel, error)) (*sessionPool, error) {
	p := &sessionPool{}

	pool, err := puddle.NewPool(&puddle.Config[Channel]{
		Constructor: func(ctx context.Context) (Channel, error) {
			ch, err := constructor(ctx)
			if err == nil {
				p.created.Add(1)
			}
			return ch, err
		},
		Destructor: func(ch Channel) {
			p.destroyed.Add(1)
			_ = ch.Close()
		},
		MaxSize: 1,
	})
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

func (p *sessionPool) Acquire(ctx context.Context) (*puddle.Resource[Channel], error) {
	return p.pool.Acquire(ctx)
}

// Live reports whether a session currently exists.
func (p *sessionPool) Live() bool {
	return p.pool.Stat().TotalResources() > 0
}

func (p *sessionPool) Close() {
	p.pool.Close()
}
