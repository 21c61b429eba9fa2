package wire

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/user/gattd/wire/att"
)

// Delivery is the outcome of sending one value to one subscriber.
type Delivery struct {
	Peer       string
	Indication bool
	Err        error
}

// Dispatcher fans value changes out to subscribed sessions.
type Dispatcher struct {
	server *Server
	log    logrus.FieldLogger
}

// Notify sends value to every peer subscribed to handle: a notification
// where the notify bit is set, otherwise an indication. Indications wait
// for their session's indication slot, so they are serialized per peer but
// run concurrently across peers. The subscriber set is snapshotted first; a
// peer that disconnected meanwhile reports att.ErrConnectionLost.
func (d *Dispatcher) Notify(ctx context.Context, handle uint16, value []byte) []Delivery {
	subscribers := d.server.subs.Subscribers(handle)
	results := make([]Delivery, len(subscribers))

	var wg sync.WaitGroup
	for i, sub := range subscribers {
		results[i] = Delivery{Peer: sub.Peer, Indication: !sub.Notify()}

		sess, ok := d.server.Session(sub.Peer)
		if !ok {
			results[i].Err = att.ErrConnectionLost
			continue
		}
		if sub.Notify() {
			results[i].Err = sess.Notify(handle, value)
			continue
		}

		wg.Add(1)
		go func(i int, sess *Session) {
			defer wg.Done()
			results[i].Err = sess.IndicateQueued(ctx, handle, value)
		}(i, sess)
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			d.log.WithError(r.Err).WithFields(logrus.Fields{
				"peer":       r.Peer,
				"handle":     handle,
				"indication": r.Indication,
			}).Warn("Delivery failed")
		}
	}
	return results
}

// Indicate sends one indication to peer without queueing behind an
// unconfirmed one.
func (d *Dispatcher) Indicate(ctx context.Context, peer string, handle uint16, value []byte) error {
	sess, ok := d.server.Session(peer)
	if !ok {
		return att.ErrConnectionLost
	}
	return sess.Indicate(ctx, handle, value)
}
