// Package activity records audit entries off the request path.
package activity

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stellarlinkco/leadclaw/internal/domain"
)

type Activity = domain.Activity

const (
	TypeConversation = "conversation"
	TypeStage        = "stage"
	TypeResearch     = "research"
	TypeLead         = "lead"
	TypeFollowUp     = "follow_up"

	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Writer is where entries end up. store.Store satisfies it.
type Writer interface {
	AppendActivity(ctx context.Context, a domain.Activity) error
}

// Sink accepts entries without blocking and writes them from one background
// goroutine. When the queue is full the oldest entry is dropped.
type Sink struct {
	writer Writer
	queue  chan Activity
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	now    func() time.Time
}

func NewSink(w Writer, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &Sink{
		writer: w,
		queue:  make(chan Activity, queueSize),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// LogActivity never blocks and never fails the caller.
func (s *Sink) LogActivity(a Activity) {
	if s == nil {
		return
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- a:
		return
	default:
	}
	select {
	case dropped := <-s.queue:
		log.Printf("[activity] queue full, dropped %q", dropped.Title)
	default:
	}
	select {
	case s.queue <- a:
	default:
		log.Printf("[activity] queue full, dropped %q", a.Title)
	}
}

// Close stops accepting entries and flushes what is queued.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case a := <-s.queue:
			s.write(a)
		case <-s.done:
			for {
				select {
				case a := <-s.queue:
					s.write(a)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(a Activity) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.writer.AppendActivity(ctx, a); err != nil {
		log.Printf("[activity] write %s/%q failed: %v", a.Type, a.Title, err)
	}
}
