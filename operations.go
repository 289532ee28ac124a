package ftp

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OperationState is the lifecycle state of an asynchronous transfer.
type OperationState int

const (
	OperationRunning OperationState = iota
	OperationDone
)

func (s OperationState) String() string {
	if s == OperationDone {
		return "done"
	}
	return "running"
}

// Operation is a snapshot of an asynchronous transfer started with
// StartDownload or StartUpload.
type Operation struct {
	ID         string
	Direction  Direction
	Name       string
	State      OperationState
	Bytes      int64
	Outcome    Outcome
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

type operation struct {
	op     Operation
	cancel context.CancelFunc
	done   chan struct{}
}

// StartDownload begins downloading name into w on a pooled connection.
// Returns an operation ID to poll with Operation or Wait. Missing arguments
// are reported as *ParameterError and no operation is registered.
func (p *Pool) StartDownload(ctx context.Context, name string, w io.Writer) (string, error) {
	if name == "" {
		return "", &ParameterError{Name: "name"}
	}
	if w == nil {
		return "", &ParameterError{Name: "w"}
	}
	sink := &writerSink{w: w}
	return p.start(ctx, DirectionDownload, name, func(ctx context.Context, progress func(int64)) (*Transfer, error) {
		onRead := func(n int, total int64, chunk []byte) {
			sink.write(n, total, chunk)
			progress(total)
		}
		t, err := p.Download(ctx, name, true, onRead, sink.stop(nil))
		if err == nil && sink.err != nil {
			err = sink.err
		}
		return t, err
	}), nil
}

// StartUpload begins uploading r to name on a pooled connection.
// Returns an operation ID to poll with Operation or Wait.
func (p *Pool) StartUpload(ctx context.Context, name string, r io.Reader) (string, error) {
	if name == "" {
		return "", &ParameterError{Name: "name"}
	}
	if r == nil {
		return "", &ParameterError{Name: "r"}
	}
	return p.start(ctx, DirectionUpload, name, func(ctx context.Context, progress func(int64)) (*Transfer, error) {
		return p.Upload(ctx, name, true, ReaderInput(r), progress, nil)
	}), nil
}

func (p *Pool) start(ctx context.Context, dir Direction, name string, run func(context.Context, func(int64)) (*Transfer, error)) string {
	ctx, cancel := context.WithCancel(ctx)
	o := &operation{
		op: Operation{
			ID:        uuid.New().String(),
			Direction: dir,
			Name:      name,
			State:     OperationRunning,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.opsMu.Lock()
	p.ops[o.op.ID] = o
	p.opsMu.Unlock()

	go func() {
		defer cancel()
		defer close(o.done)

		t, err := run(ctx, func(total int64) {
			p.opsMu.Lock()
			o.op.Bytes = total
			p.opsMu.Unlock()
		})

		p.opsMu.Lock()
		o.op.State = OperationDone
		o.op.FinishedAt = time.Now()
		switch {
		case err != nil:
			o.op.Outcome = Failed
			o.op.Err = err
		case t != nil:
			o.op.Bytes = t.Bytes
			o.op.Outcome = t.Outcome
			o.op.Err = transferError(t.Direction.String()+" "+name, t, nil)
		}
		snapshot := o.op
		p.opsMu.Unlock()

		p.logger.Debug("operation finished",
			zap.String("op", snapshot.ID),
			zap.Stringer("outcome", snapshot.Outcome),
			zap.Int64("bytes", snapshot.Bytes))
	}()

	return o.op.ID
}

// Operation returns a snapshot of the operation with the given ID.
func (p *Pool) Operation(id string) (Operation, error) {
	p.opsMu.RLock()
	defer p.opsMu.RUnlock()

	o, ok := p.ops[id]
	if !ok {
		return Operation{}, ErrOperationNotFound
	}
	// Return a copy to avoid race conditions
	return o.op, nil
}

// Wait blocks until the operation finishes or ctx is done.
func (p *Pool) Wait(ctx context.Context, id string) (Operation, error) {
	p.opsMu.RLock()
	o, ok := p.ops[id]
	p.opsMu.RUnlock()
	if !ok {
		return Operation{}, ErrOperationNotFound
	}

	select {
	case <-o.done:
		return p.Operation(id)
	case <-ctx.Done():
		return Operation{}, ctx.Err()
	}
}

// Cancel asks a running operation to stop after its current chunk.
func (p *Pool) Cancel(id string) error {
	p.opsMu.RLock()
	o, ok := p.ops[id]
	p.opsMu.RUnlock()
	if !ok {
		return ErrOperationNotFound
	}
	o.cancel()
	return nil
}

// Forget drops a finished operation from the registry.
func (p *Pool) Forget(id string) {
	p.opsMu.Lock()
	defer p.opsMu.Unlock()
	if o, ok := p.ops[id]; ok && o.op.State == OperationDone {
		delete(p.ops, id)
	}
}
