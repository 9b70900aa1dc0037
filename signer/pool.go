package signer

import (
	"context"
	"errors"
)

// Pool hands out relay signers for chain interaction. Acquisition is scoped:
// the returned release closure must run on every exit path, typically via
// defer, so a slot can never leak across an error or panic.
type Pool struct {
	slots chan *Signer
}

// NewPool builds a pool over the given signers.
func NewPool(signers []*Signer) (*Pool, error) {
	if len(signers) == 0 {
		return nil, errors.New("signer: pool requires at least one signer")
	}
	slots := make(chan *Signer, len(signers))
	for _, s := range signers {
		slots <- s
	}
	return &Pool{slots: slots}, nil
}

// Acquire blocks until a signer is free or the context is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*Signer, func(), error) {
	select {
	case s := <-p.slots:
		return s, func() { p.slots <- s }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Size reports the pool capacity.
func (p *Pool) Size() int {
	return cap(p.slots)
}
