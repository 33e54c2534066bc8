package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"footprint-service/internal/service"
)

// Pool is a fixed-size set of executors fed from the queue dispatcher. Size
// is bounded on purpose: every slot may hold an open call to the external LCI
// engine, and the engine is the resource to protect.
type Pool struct {
	queue      service.Queue
	processor  *Processor
	workers    int
	claimDelay time.Duration
}

func NewPool(queue service.Queue, processor *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimDelay: 5 * time.Second,
	}
}

func (p *Pool) Run(ctx context.Context) {
	log.Printf("[pool] started workers=%d", p.workers)

	jobCh := make(chan string)

	for i := 0; i < p.workers; i++ {
		go func(n int) {
			for jobID := range jobCh {
				if err := p.processor.Process(ctx, jobID); err != nil {
					// leave the entry on the processing list: the job never
					// reached a terminal state and RequeueStale brings the id
					// back for another delivery
					log.Printf("[worker-%d] process job_id=%s error=%v", n, jobID, err)
					continue
				}

				if ackErr := p.queue.Ack(ctx, jobID); ackErr != nil {
					log.Printf("[worker-%d] ack job_id=%s error=%v", n, jobID, ackErr)
				}
			}
		}(i + 1)
	}

	// claim loop: queue -> processing -> jobCh
	for {
		select {
		case <-ctx.Done():
			close(jobCh)
			log.Println("[pool] stopped")
			return
		default:
			jobID, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
			if err != nil {
				if !errors.Is(err, service.ErrQueueEmpty) && !errors.Is(err, context.Canceled) {
					log.Printf("[pool] claim error=%v", err)
				}
				continue
			}
			select {
			case jobCh <- jobID:
			case <-ctx.Done():
				close(jobCh)
				return
			}
		}
	}
}
