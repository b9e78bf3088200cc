// Package orchestrator implements C6: the four concurrent activities
// that share the protocol codec, the accelerator controller, and the
// internal work queue, per spec.md §4.6 and §5.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"shapool/internal/driver/device"
	"shapool/internal/job"
	"shapool/internal/protocol"
)

const heartbeatInterval = 5 * time.Minute

// outboundCall is a queued write the send loop owns exclusively.
type outboundCall struct {
	method string
	params interface{}
}

// Orchestrator wires C3, C4, and C5 together, per spec.md §4.6.
type Orchestrator struct {
	codec      *protocol.Codec
	controller *device.Controller
	builder    *job.Builder

	workerName string
	timeout    *time.Duration

	// interruptOnClean controls whether a clean_jobs notification issues
	// InterruptExecution on the controller, spec.md §6's interrupt_work
	// configuration flag.
	interruptOnClean bool

	// verbose mirrors Config.Verbose: 0/1 log at info granularity, 2 adds
	// a trace line for every frame received/sent and every job-lifecycle
	// step the worker loop takes.
	verbose int

	queue    *Queue
	outbound chan outboundCall

	mu             sync.Mutex
	lastDifficulty uint64

	fatalOnce sync.Once
	fatal     chan error

	log *log.Logger
}

// New returns an Orchestrator ready to Run. verbose is Config.Verbose:
// 2 enables per-frame and per-job-step trace logging.
func New(codec *protocol.Codec, controller *device.Controller, builder *job.Builder, workerName string, timeout *time.Duration, interruptOnClean bool, verbose int) *Orchestrator {
	return &Orchestrator{
		codec:             codec,
		controller:        controller,
		builder:           builder,
		workerName:        workerName,
		timeout:           timeout,
		interruptOnClean:  interruptOnClean,
		verbose:           verbose,
		queue:             NewQueue(),
		outbound:          make(chan outboundCall, 16),
		fatal:             make(chan error, 1),
		log:               log.New(log.Writer(), "[orchestrator] ", log.LstdFlags),
	}
}

// trace logs a line only when verbose is at debug granularity (>= 2).
func (o *Orchestrator) trace(format string, args ...interface{}) {
	if o.verbose >= 2 {
		o.log.Printf(format, args...)
	}
}

// reportFatal records the first fatal error and cancels the run via
// cancel. Safe to call from any of the four loops.
func (o *Orchestrator) reportFatal(err error, cancel context.CancelFunc) {
	o.fatalOnce.Do(func() {
		o.fatal <- err
		cancel()
	})
}

// Run drives the heartbeat, receive, send, and worker loops until one
// fails or ctx is cancelled, then enforces the destruction invariant:
// the controller is left in reset.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.heartbeatLoop(gctx) })
	g.Go(func() error { return o.receiveLoop(gctx, cancel) })
	g.Go(func() error { return o.sendLoop(gctx, cancel) })
	g.Go(func() error { return o.workerLoop(gctx) })

	err := g.Wait()
	select {
	case fatalErr := <-o.fatal:
		err = fatalErr
	default:
	}

	if closeErr := o.controller.Close(); closeErr != nil {
		o.log.Printf("error resetting controller on shutdown: %v", closeErr)
		if err == nil {
			err = closeErr
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// heartbeatLoop emits a wall-clock log line every 5 minutes,
// independent of the other loops.
func (o *Orchestrator) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			o.log.Printf("heartbeat at %s", now.Format(time.RFC3339))
		}
	}
}

// readResult carries one ReadMessage outcome across the goroutine
// boundary in receiveLoop.
type readResult struct {
	msg *protocol.ServerMessage
	err error
}

// receiveLoop reads one framed message at a time, dispatching responses
// to the codec's correlation hook and server calls to the job builder or
// the queue, per spec.md §4.6. ReadMessage itself has no way to observe
// ctx, since it blocks on the underlying connection; a single-shot
// reader goroutine lets the select below still exit promptly on
// cancellation instead of waiting for the next frame or a transport
// error to arrive.
func (o *Orchestrator) receiveLoop(ctx context.Context, cancel context.CancelFunc) error {
	for {
		results := make(chan readResult, 1)
		go func() {
			msg, err := o.codec.ReadMessage()
			results <- readResult{msg: msg, err: err}
		}()

		var res readResult
		select {
		case <-ctx.Done():
			return nil
		case res = <-results:
		}

		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				o.reportFatal(fmt.Errorf("orchestrator: connection closed"), cancel)
				return fmt.Errorf("orchestrator: connection closed")
			}
			o.reportFatal(fmt.Errorf("orchestrator: transport error: %w", res.err), cancel)
			return fmt.Errorf("orchestrator: transport error: %w", res.err)
		}
		msg := res.msg
		if msg == nil {
			continue // malformed frame, already logged and dropped
		}

		switch {
		case msg.Response != nil:
			o.trace("recv response id=%v", msg.Response.ID)
			o.handleResponse(msg.Response, cancel)
		case msg.Notify != nil:
			o.trace("recv notify job=%s clean_jobs=%v", msg.Notify.JobID, msg.Notify.CleanJobs)
			o.handleNotify(msg.Notify)
		case msg.SetDifficulty != nil:
			o.trace("recv set_difficulty=%d", *msg.SetDifficulty)
			o.queue.Push(SetDifficultyItem(*msg.SetDifficulty))
		}
	}
}

func (o *Orchestrator) handleResponse(resp *protocol.Response, cancel context.CancelFunc) {
	if resp.Error != nil {
		o.log.Printf("protocol error (%d): %s", resp.Error.Code, resp.Error.Message)
		if protocol.IsFatal(resp.Error.Code) {
			o.reportFatal(fmt.Errorf("orchestrator: %w", resp.Error), cancel)
			return
		}
	}
	o.codec.Dispatch(resp)
}

func (o *Orchestrator) handleNotify(n *protocol.NotifyParams) {
	if n.CleanJobs {
		o.queue.PurgeJobs()
		if o.interruptOnClean {
			if err := o.controller.InterruptExecution(); err != nil {
				o.log.Printf("interrupt on clean_jobs failed: %v", err)
			}
		}
	}

	built, err := o.builder.Build(n)
	if err != nil {
		o.log.Printf("dropping notification %s: %v", n.JobID, err)
		return
	}
	o.queue.Push(JobItem(built))
}

// sendLoop awaits items from the outbound mailbox and writes them via
// the codec.
func (o *Orchestrator) sendLoop(ctx context.Context, cancel context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case call := <-o.outbound:
			o.trace("send %s %v", call.method, call.params)
			ch, err := o.codec.Call(call.method, call.params)
			if err != nil {
				o.reportFatal(fmt.Errorf("orchestrator: send %s: %w", call.method, err), cancel)
				return fmt.Errorf("orchestrator: send %s: %w", call.method, err)
			}
			go o.watchSubmitResponse(ctx, ch, cancel)
		}
	}
}

func (o *Orchestrator) watchSubmitResponse(ctx context.Context, ch <-chan *protocol.Response, cancel context.CancelFunc) {
	var resp *protocol.Response
	select {
	case <-ctx.Done():
		return
	case resp = <-ch:
	}
	if resp.Error == nil {
		return
	}
	o.log.Printf("submit error (%d): %s", resp.Error.Code, resp.Error.Message)
	if protocol.IsFatal(resp.Error.Code) {
		o.reportFatal(fmt.Errorf("orchestrator: submit rejected: %w", resp.Error), cancel)
	}
}

// workerLoop dequeues from the internal work queue and drives the
// controller through one search per Job item, per spec.md §4.6.
func (o *Orchestrator) workerLoop(ctx context.Context) error {
	for {
		item, err := o.queue.Pop(ctx)
		if err != nil {
			return nil
		}

		if item.Job != nil {
			o.runJob(item.Job)
			continue
		}
		if item.SetDifficulty != nil {
			o.mu.Lock()
			o.lastDifficulty = *item.SetDifficulty
			o.mu.Unlock()
			o.log.Printf("difficulty set to %d (no driver effect)", *item.SetDifficulty)
		}
	}
}

// runJob never propagates device errors upstream: the controller is
// always restored to RESET before returning, per spec.md §7.
func (o *Orchestrator) runJob(built *job.Built) {
	defer func() {
		if err := o.controller.Reset(); err != nil {
			o.log.Printf("reset after job %s failed: %v", built.JobID, err)
		}
	}()

	o.trace("job %s: update_job", built.JobID)
	if err := o.controller.UpdateJob(built.Midstate, built.Tail); err != nil {
		o.log.Printf("update_job failed for %s: %v", built.JobID, err)
		return
	}
	o.trace("job %s: start_execution", built.JobID)
	if err := o.controller.StartExecution(); err != nil {
		o.log.Printf("start_execution failed for %s: %v", built.JobID, err)
		return
	}

	ready, err := o.controller.PollUntilReadyOrTimeout(o.timeout)
	if err != nil {
		o.log.Printf("poll failed for %s: %v", built.JobID, err)
		return
	}
	if !ready {
		o.log.Printf("job %s timed out with no result", built.JobID)
		return
	}
	o.trace("job %s: ready, reading result", built.JobID)

	nonce, err := o.controller.GetResult()
	if err != nil {
		o.log.Printf("get_result failed for %s: %v", built.JobID, err)
		return
	}
	if nonce == nil {
		o.log.Printf("job %s ready without a result", built.JobID)
		return
	}

	o.outbound <- outboundCall{
		method: "mining.submit",
		params: []string{o.workerName, built.JobID, built.ExtraNonce2, built.Timestamp, fmt.Sprintf("%08x", *nonce)},
	}
}

// LastDifficulty returns the most recently recorded SetDifficulty
// value, or 0 if none has been seen.
func (o *Orchestrator) LastDifficulty() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastDifficulty
}
