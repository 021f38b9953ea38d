package updater

import "sync"

// Hub broadcasts events to any number of subscribers.
type Hub struct {
	clientsMtx   sync.Mutex
	clients      map[uint32]*Subscription
	nextClientID uint32
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uint32]*Subscription),
	}
}

func (h *Hub) Subscribe() *Subscription {
	h.clientsMtx.Lock()
	defer h.clientsMtx.Unlock()

	client := newSubscription(h.nextClientID, h)
	h.nextClientID++

	h.clients[client.Id] = client

	return client
}

// Unsubscribe removes the subscription and closes its Events channel.
// Calling it more than once is fine.
func (h *Hub) Unsubscribe(client *Subscription) {
	if client == nil {
		return
	}

	h.clientsMtx.Lock()
	if current, ok := h.clients[client.Id]; ok && current == client {
		delete(h.clients, client.Id)
	}
	h.clientsMtx.Unlock()

	client.stop()
}

// Publish queues event for every current subscriber. It does not wait for
// delivery.
func (h *Hub) Publish(event Event) {
	h.clientsMtx.Lock()
	defer h.clientsMtx.Unlock()

	for _, client := range h.clients {
		client.enqueue(event)
	}
}

func (h *Hub) Len() int {
	h.clientsMtx.Lock()
	defer h.clientsMtx.Unlock()

	return len(h.clients)
}

// Close cancels all current subscriptions. Subscribing afterwards still
// works, which keeps late adapters from panicking during shutdown.
func (h *Hub) Close() {
	h.clientsMtx.Lock()
	clients := h.clients
	h.clients = make(map[uint32]*Subscription)
	h.clientsMtx.Unlock()

	for _, client := range clients {
		client.stop()
	}
}
