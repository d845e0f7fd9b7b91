package cron

import (
	"context"

	"github.com/goliatone/go-process/chain"
	"github.com/goliatone/go-process/events"
	"github.com/goliatone/go-process/execution"
)

// PipelineOption configures PipelineJob.
type PipelineOption func(*pipelineJob)

// WithObserver receives the events of every run.
func WithObserver(obs events.Observer) PipelineOption {
	return func(p *pipelineJob) {
		p.observer = obs
	}
}

// WithResult is called with the output or error of every run.
func WithResult(fn func(output any, err error)) PipelineOption {
	return func(p *pipelineJob) {
		p.onResult = fn
	}
}

type pipelineJob struct {
	parent   *execution.Context
	chain    *chain.Chain
	input    any
	observer events.Observer
	onResult func(any, error)
}

// PipelineJob runs c with input on a fresh child of parent for every tick,
// so each run gets its own correlation id and event stream.
func PipelineJob(parent *execution.Context, c *chain.Chain, input any, opts ...PipelineOption) Job {
	p := &pipelineJob{parent: parent, chain: c, input: input}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p.run
}

func (p *pipelineJob) run(ctx context.Context) error {
	child, err := p.parent.CreateChildContext()
	if err != nil {
		return err
	}

	var drained <-chan struct{}
	if p.observer != nil {
		_, drained = child.Observe(p.observer)
	}

	out, err := p.chain.Run(ctx, child, p.input)

	_ = child.Close()
	if drained != nil {
		<-drained
	}
	if p.onResult != nil {
		p.onResult(out, err)
	}
	return err
}
