// Package pubsub fans accepted canvas changes out to every server replica.
// Local keeps everything in one process; Redis relays through Redis
// PUBLISH/PSUBSCRIBE so sockets on any replica see every change.
package pubsub

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/betomoedano/sketch-app/internal/models"
)

// Handler receives every published change.
type Handler func(ev models.ChangeEvent)

// Local is an in-process fan-out.
type Local struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

func (l *Local) Publish(ctx context.Context, ev models.ChangeEvent) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, h := range l.handlers {
		h(ev)
	}
	return nil
}

// Subscribe registers h until ctx is done.
func (l *Local) Subscribe(ctx context.Context, h Handler) error {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.handlers[id] = h
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}()
	return nil
}

// Redis relays changes through one channel per canvas.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts *redis.Options) (*Redis, error) {
	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", opts.Addr, err)
	}
	log.Printf("✓ Connected to Redis at %s", opts.Addr)
	return &Redis{client: client, prefix: "canvas:"}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := encode(&ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.prefix+ev.CanvasID, payload).Err(); err != nil {
		return fmt.Errorf("error publishing to Redis: %w", err)
	}
	return nil
}

// Subscribe listens on every canvas channel and calls h for each change
// until ctx is done. It returns once the subscription is confirmed.
func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to Redis: %w", err)
	}

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := decode([]byte(msg.Payload))
				if err != nil {
					log.Printf("⚠️  Dropping message on %s: %v", msg.Channel, err)
					continue
				}
				if ev.CanvasID == "" {
					ev.CanvasID = strings.TrimPrefix(msg.Channel, r.prefix)
				}
				h(*ev)
			}
		}
	}()
	return nil
}

func encode(ev *models.ChangeEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(ev); err != nil {
		return nil, fmt.Errorf("failed to encode change: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*models.ChangeEvent, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var ev models.ChangeEvent
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("failed to decode change: %w", err)
	}
	return &ev, nil
}
