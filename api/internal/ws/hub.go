// Package ws fans saga progress out to streaming subscribers.
package ws

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Topic returns the stream key for a user's provisioning of one repository.
// An empty repository selects every run of the user.
func Topic(userID, repository string) string {
	return userID + "|" + strings.ToLower(strings.TrimSpace(repository))
}

const (
	broadcastBuffer = 256
	clientBuffer    = 64
)

// Hub manages stream subscriptions by topic. All map access happens on the
// run goroutine. Each subscriber is written from its own goroutine through a
// bounded queue, so a slow client cannot stall the hub or the saga feeding it.
type Hub struct {
	clients   map[string]map[Subscriber]*outbox
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	counts    chan chan int
	done      chan struct{}
	stopOnce  sync.Once
	dropped   atomic.Int64
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

type outbox struct {
	queue chan []byte
	quit  chan struct{}
}

// NewHub creates a Hub and starts its loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]*outbox),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		counts:    make(chan chan int),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c, box := range clients {
					close(box.quit)
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]*outbox)
			}
			if _, ok := h.clients[sub.topic][sub.client]; ok {
				continue
			}
			box := &outbox{queue: make(chan []byte, clientBuffer), quit: make(chan struct{})}
			h.clients[sub.topic][sub.client] = box
			go h.write(sub, box)
		case sub := <-h.unreg:
			h.remove(sub.topic, sub.client)
		case msg := <-h.broadcast:
			for _, box := range h.clients[msg.topic] {
				select {
				case box.queue <- msg.payload:
				default:
					h.dropped.Add(1)
				}
			}
		case reply := <-h.counts:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		}
	}
}

// write drains one subscriber's queue. A failed send closes the client and
// asks the hub to forget it.
func (h *Hub) write(sub subscription, box *outbox) {
	for {
		select {
		case <-box.quit:
			return
		case payload := <-box.queue:
			if err := sub.client.Send(payload); err != nil {
				sub.client.Close()
				select {
				case h.unreg <- sub:
				case <-box.quit:
				case <-h.done:
				}
				return
			}
		}
	}
}

func (h *Hub) remove(topic string, client Subscriber) {
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	if box, ok := clients[client]; ok {
		close(box.quit)
		delete(clients, client)
	}
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}

// Register adds a client to a topic.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every client of the topic. It never blocks:
// when the hub or a client queue is full the event is dropped and counted.
// It is a no-op once the hub is stopped.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded for full queues.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers reports the number of registered clients.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.counts <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Stop closes every subscriber and ends the loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}
