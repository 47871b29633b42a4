package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livemix/common"
	"github.com/alwitt/livemix/internal/boundedqueue"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// Publisher broadcasts lifecycle and motion events onto the event bus.
// Publish never blocks the caller: each event is handed to a per-adapter
// bounded queue and a background worker drains it, so a slow or unavailable
// broker cannot stall the RTSP worker or push sink that raised the event.
type Publisher interface {
	/*
		Publish enqueue an event for delivery on its camera's channel

			@param evt common.Event - event to publish
	*/
	Publish(evt common.Event)

	// Drops returns the total number of events discarded so far because the
	// publish queue was full, for the events_dropped_total counter.
	Drops() uint64

	// Stop stops the background publish worker. Events still queued are not
	// delivered.
	Stop(ctxt context.Context)
}

// redisPublisherImpl implements Publisher against Redis PUB/SUB, replacing a
// push-per-call broadcast with a drop-oldest queue plus a dedicated draining
// goroutine so a slow broker cannot stall the caller.
type redisPublisherImpl struct {
	goutils.Component
	client    *redis.Client
	queue     *boundedqueue.Queue[common.Event]
	drops     uint64
	dropsL    sync.Mutex
	done      chan struct{}
	onDrop    func(evicted common.Event)
	onPublish func(evt common.Event)
}

/*
NewRedisPublisher define a new Redis-backed event publisher

	@param client *redis.Client - Redis client
	@param queueSize int - max pending events before drop-oldest kicks in
	@param onDrop func(common.Event) - optional callback invoked with the
		evicted event once per dropped event, used to increment the
		events_dropped_total counter with the evicted event's own labels
	@param onPublish func(common.Event) - optional callback invoked once an
		event reaches delivery without having been dropped, used to increment
		the events_published_total counter
	@returns new Publisher
*/
func NewRedisPublisher(
	client *redis.Client, queueSize int, onDrop func(evicted common.Event), onPublish func(evt common.Event),
) (Publisher, error) {
	if queueSize <= 0 {
		return nil, common.NewError(common.ErrValidation, "publish queue size must be > 0", nil)
	}
	p := &redisPublisherImpl{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module":    "eventbus",
				"component": "redis-publisher",
			},
		},
		client:    client,
		queue:     boundedqueue.New[common.Event](queueSize),
		done:      make(chan struct{}),
		onDrop:    onDrop,
		onPublish: onPublish,
	}
	go p.run()
	return p, nil
}

func (p *redisPublisherImpl) Publish(evt common.Event) {
	if evicted, dropped := p.queue.Push(evt); dropped {
		p.dropsL.Lock()
		p.drops++
		p.dropsL.Unlock()
		if p.onDrop != nil {
			p.onDrop(evicted)
		}
		log.WithFields(p.LogTags).WithField("camera-id", evicted.CameraID).
			Warn("publish queue full, dropped oldest pending event")
	}
}

func (p *redisPublisherImpl) Drops() uint64 {
	p.dropsL.Lock()
	defer p.dropsL.Unlock()
	return p.drops
}

func (p *redisPublisherImpl) Stop(ctxt context.Context) {
	close(p.done)
}

func (p *redisPublisherImpl) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.queue.Wait():
			for {
				evt, ok := p.queue.Pop()
				if !ok {
					break
				}
				p.deliver(evt)
			}
		}
	}
}

func (p *redisPublisherImpl) deliver(evt common.Event) {
	if p.onPublish != nil {
		p.onPublish(evt)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("failed to marshal event")
		return
	}
	ctxt := context.Background()
	if err := p.client.Publish(ctxt, evt.Channel(), payload).Err(); err != nil {
		log.WithError(err).WithFields(p.LogTags).
			WithField("camera-id", evt.CameraID).Error("failed to publish event")
	}
}
