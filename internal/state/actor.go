package state

import (
	"context"
	"errors"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/cache"
)

type opKind int

const (
	opUpdate opKind = iota
	opBatch
	opGet
	opFlapping
	opSetIncident
	opStop
)

type message struct {
	op         opKind
	samples    []Sample
	incidentID *string
	discard    bool
	reply      chan reply
}

type reply struct {
	state    *RuntimeState
	flapping bool
	err      error
}

// actor serializes one service's writes within this process. It keeps no
// copy of the durable record: every flush is a read-modify-write through
// Store.Modify, so registries in other processes never overwrite each
// other. Only its goroutine touches the fields below inbox.
type actor struct {
	id    string
	reg   *Registry
	inbox chan message
	done  chan struct{}

	pending  []Sample
	incident *incidentChange
	timer    *time.Timer
}

type incidentChange struct {
	id *string
}

func newActor(id string, reg *Registry) *actor {
	return &actor{
		id:    id,
		reg:   reg,
		inbox: make(chan message, reg.cfg.MailboxSize),
		done:  make(chan struct{}),
	}
}

func (a *actor) run() {
	defer close(a.done)

	for {
		var tick <-chan time.Time
		if a.timer != nil {
			tick = a.timer.C
		}

		select {
		case msg := <-a.inbox:
			if msg.op == opStop {
				if !msg.discard {
					if _, err := a.flush(); err != nil {
						a.reg.logger.Error().Err(err).Str("service_id", a.id).Msg("flushing state on stop")
					}
				}
				a.stopTimer()
				msg.reply <- reply{}
				return
			}
			msg.reply <- a.handle(msg)
		case <-tick:
			a.timer = nil
			if _, err := a.flush(); err != nil {
				a.reg.logger.Error().Err(err).Str("service_id", a.id).Msg("flushing batched state updates")
			}
		}
	}
}

func (a *actor) handle(msg message) reply {
	switch msg.op {
	case opUpdate:
		a.pending = append(a.pending, msg.samples...)
		for _, s := range msg.samples {
			if s.Status.Failing() {
				_, err := a.flush()
				return reply{err: err}
			}
		}
		if a.timer == nil {
			a.timer = time.NewTimer(a.reg.cfg.BatchWindow)
		}
		return reply{}

	case opBatch:
		a.pending = append(a.pending, msg.samples...)
		st, err := a.flush()
		if err != nil {
			return reply{err: err}
		}
		if st == nil {
			st, err = a.load()
			if err != nil {
				return reply{err: err}
			}
		}
		return reply{state: st}

	case opGet:
		if _, err := a.flush(); err != nil {
			return reply{err: err}
		}
		st, err := a.load()
		if err != nil {
			return reply{err: err}
		}
		return reply{state: st}

	case opFlapping:
		// Pending samples count without forcing a flush.
		view, err := a.load()
		switch {
		case errors.Is(err, ErrStateNotFound):
			view = &RuntimeState{ServiceID: a.id}
		case err != nil:
			return reply{err: err}
		}
		view.apply(a.pending)
		cfg := a.reg.cfg
		since := cfg.Now().Add(-cfg.FlapWindow).Unix()
		return reply{flapping: view.flapping(since, cfg.FlapMinSamples, cfg.FlapMinChanges)}

	case opSetIncident:
		a.incident = &incidentChange{id: msg.incidentID}
		_, err := a.flush()
		return reply{err: err}
	}

	return reply{err: errors.New("unknown state operation")}
}

// load reads the current durable record.
func (a *actor) load() (*RuntimeState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.reg.cfg.StoreTimeout)
	defer cancel()
	return a.reg.store.Load(ctx, a.id)
}

// flush merges pending changes into the durable record and refreshes the
// read-through cache. It returns nil when there was nothing to write.
// Changes from a failed write stay pending and are retried on the next flush.
func (a *actor) flush() (*RuntimeState, error) {
	if len(a.pending) == 0 && a.incident == nil {
		return nil, nil
	}
	a.stopTimer()

	ctx, cancel := context.WithTimeout(context.Background(), a.reg.cfg.StoreTimeout)
	defer cancel()

	pending, incident := a.pending, a.incident
	st, err := a.reg.store.Modify(ctx, a.id, func(st *RuntimeState) {
		st.apply(pending)
		if incident != nil {
			st.OpenIncidentID = incident.id
		}
	})
	if err != nil {
		return nil, err
	}
	a.pending = nil
	a.incident = nil

	if err := cache.SetJSON(ctx, a.reg.cache, Key(a.id), st, a.reg.cfg.CacheTTL); err != nil {
		a.reg.logger.Warn().Err(err).Str("service_id", a.id).Msg("refreshing state cache")
	}
	return st, nil
}

func (a *actor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
