package supervisor

import (
	"github.com/mattjoyce/courier/internal/events"
	"github.com/mattjoyce/courier/internal/message"
)

// observer fans dispatcher transitions out to the journal, metrics and the
// event hub.
type observer struct {
	s *Supervisor
}

func (o observer) OnSent(req *message.Request) {
	o.s.onSent(req)
}

func (o observer) OnComplete(req *message.Request, out message.Outcome) {
	o.s.onComplete(req, out)
}

func (s *Supervisor) onSent(req *message.Request) {
	if s.writer != nil {
		s.writer.Sent(req)
	}
	s.metrics.Sent()
	s.hub.Publish(events.TypeSent, events.ForRequest(req, nil, s.queue.Len()))
}

func (s *Supervisor) onComplete(req *message.Request, o message.Outcome) {
	if s.writer != nil {
		s.writer.Completed(req, o)
	}
	s.metrics.Completed(req.SentAt(), o)
	s.hub.Publish(events.TypeFor(o.State), events.ForRequest(req, &o, s.queue.Len()))
	s.retire(req.ID)
}
