package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/zhimiaox/zmqx-retain/errors"
	"github.com/zhimiaox/zmqx-retain/models"
	"github.com/zhimiaox/zmqx-retain/persistence"
)

var _ persistence.Queue = (*queue)(nil)

type queue struct {
	clientID    string
	maxQueueLen int

	// cond wakes both the reader and the blocked Put callers
	cond   *sync.Cond
	l      *list.List
	closed bool
}

// NewQueue returns a bounded in-memory session queue.
func NewQueue(clientID string, maxQueuedMsg int) persistence.Queue {
	return &queue{
		clientID:    clientID,
		maxQueueLen: maxQueuedMsg,
		cond:        sync.NewCond(&sync.Mutex{}),
		l:           list.New(),
	}
}

func (q *queue) Close() {
	q.cond.L.Lock()
	if q.closed {
		q.cond.L.Unlock()
		return
	}
	q.closed = true
	dropped := make([]*models.QueueElem, 0, q.l.Len())
	for e := q.l.Front(); e != nil; e = e.Next() {
		dropped = append(dropped, e.Value.(*models.QueueElem))
	}
	q.l.Init()
	q.cond.Broadcast()
	q.cond.L.Unlock()
	for _, elem := range dropped {
		elem.Done()
	}
}

func (q *queue) Add(elem *models.QueueElem) error {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.closed {
		return errors.QueueClosed
	}
	if q.l.Len() >= q.maxQueueLen {
		return errors.QueueDropQueueFull
	}
	q.l.PushBack(elem)
	q.cond.Broadcast()
	return nil
}

func (q *queue) Put(ctx context.Context, elem *models.QueueElem) error {
	stop := context.AfterFunc(ctx, func() {
		q.cond.L.Lock()
		q.cond.Broadcast()
		q.cond.L.Unlock()
	})
	defer stop()
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for !q.closed && q.l.Len() >= q.maxQueueLen && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.closed {
		return errors.QueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.l.PushBack(elem)
	q.cond.Broadcast()
	return nil
}

func (q *queue) Read(max int) ([]*models.QueueElem, error) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for q.l.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, errors.QueueClosed
	}
	n := min(max, q.l.Len())
	rs := make([]*models.QueueElem, 0, n)
	for i := 0; i < n; i++ {
		rs = append(rs, q.l.Remove(q.l.Front()).(*models.QueueElem))
	}
	// room for Put callers
	q.cond.Broadcast()
	return rs, nil
}

func (q *queue) Len() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return q.l.Len()
}
