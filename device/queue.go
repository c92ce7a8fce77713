package device

import "sync"

/* The cipher transform may complete out of line, e.g. on a hardware
 * accelerator. QueuedCipher models that path in software: operations are
 * dispatched to a worker pool and their results delivered through the
 * completion function from a worker goroutine.
 *
 * Ordering between operations in flight on the same context is not
 * guaranteed; the replay window stays correct for packets validated at
 * arbitrary relative times because validation serializes on its own lock.
 */

type cipherJob struct {
	pkt     *Packet
	done    Completion
	decrypt bool
}

// QueuedCipher wraps a synchronous Cipher and completes every operation
// asynchronously on a fixed worker pool.
type QueuedCipher struct {
	inner Cipher
	jobs  chan cipherJob
	wg    sync.WaitGroup
}

var _ Cipher = (*QueuedCipher)(nil)

func NewQueuedCipher(inner Cipher, workers int) *QueuedCipher {
	if workers <= 0 {
		workers = DefaultCipherWorkers
	}
	q := &QueuedCipher{
		inner: inner,
		jobs:  make(chan cipherJob, workers*8),
	}
	q.wg.Add(workers)
	for range workers {
		go q.worker()
	}
	return q
}

func (q *QueuedCipher) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		var err error
		if job.decrypt {
			err = q.inner.Decrypt(job.pkt, nil)
		} else {
			err = q.inner.Encrypt(job.pkt, nil)
		}
		job.done(job.pkt, err)
	}
}

func (q *QueuedCipher) Encrypt(pkt *Packet, done Completion) error {
	q.jobs <- cipherJob{pkt: pkt, done: done}
	return ErrInProgress
}

func (q *QueuedCipher) Decrypt(pkt *Packet, done Completion) error {
	q.jobs <- cipherJob{pkt: pkt, done: done, decrypt: true}
	return ErrInProgress
}

// Close drains the queue and stops the workers. Pending operations still
// complete; there is no cancellation.
func (q *QueuedCipher) Close() {
	close(q.jobs)
	q.wg.Wait()
}
