// Package redis implements the cluster adapter over Redis: room
// membership in TTL-guarded sets, broadcasts over pub/sub, and a
// heartbeat-refreshed server registry.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/edgelink/sio/adapters/adapter"
	"github.com/edgelink/sio/pkg/log"
)

var redis_log = log.NewLog("sio:redis-adapter")

// Codec selects the envelope wire encoding.
type Codec string

const (
	CodecJSON    Codec = "json"
	CodecMsgpack Codec = "msgpack"
)

// Options configures the Redis adapter. Either Url or Host/Port is
// used; an explicit Client overrides both. SubClient, when set, carries
// the subscriptions on a separate connection.
type Options struct {
	Url      string
	Host     string
	Port     int
	Password string
	DB       int

	// Client and SubClient allow reusing managed connections.
	Client    *redis.Client
	SubClient *redis.Client

	KeyPrefix         string
	HeartbeatInterval time.Duration
	Codec             Codec
}

// Adapter is the Redis-backed cluster adapter.
//
//	a, _ := redisadapter.NewAdapter(&redisadapter.Options{Host: "127.0.0.1", Port: 6379})
//	io := socket.NewServer(&socket.ServerOptions{Adapter: a})
type Adapter struct {
	opts     *Options
	client   *redis.Client
	sub      *redis.Client
	serverId string
	local    adapter.LocalSockets

	handlerMu sync.RWMutex
	handler   adapter.Handler

	pubsub        *redis.PubSub
	patternPubsub *redis.PubSub
	subCancel     context.CancelFunc

	hbStop chan struct{}
	hbOnce sync.Once
}

// NewAdapter connects to Redis and verifies the connection.
func NewAdapter(opts *Options) (*Adapter, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = adapter.DefaultKeyPrefix
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = adapter.DefaultHeartbeatInterval
	}
	if opts.Codec == "" {
		opts.Codec = CodecJSON
	}
	client := opts.Client
	if client == nil {
		ropts, err := connOptions(opts)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(ropts)
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis adapter: ping failed: %w", err)
	}
	sub := opts.SubClient
	if sub == nil {
		sub = client
	}
	return &Adapter{
		opts:   opts,
		client: client,
		sub:    sub,
		hbStop: make(chan struct{}),
	}, nil
}

func connOptions(opts *Options) (*redis.Options, error) {
	if opts.Url != "" {
		return redis.ParseURL(opts.Url)
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port == 0 {
		port = 6379
	}
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: opts.Password,
		DB:       opts.DB,
	}, nil
}

func (a *Adapter) Init(serverId string, local adapter.LocalSockets) error {
	a.serverId = serverId
	a.local = local
	return nil
}

func (a *Adapter) Close() error {
	a.Unsubscribe()
	a.stopHeartbeat()
	return a.client.Close()
}

// membershipTTL guards against crashed nodes leaving stale membership.
func (a *Adapter) membershipTTL() time.Duration {
	return 3 * a.opts.HeartbeatInterval
}

func (a *Adapter) roomKey(nsp, room string) string {
	return fmt.Sprintf("%s:room:%s:%s", a.opts.KeyPrefix, nsp, room)
}

func (a *Adapter) socketKey(nsp, sid string) string {
	return fmt.Sprintf("%s:socket:%s:%s", a.opts.KeyPrefix, nsp, sid)
}

func (a *Adapter) serverKey(id string) string {
	return fmt.Sprintf("%s:server:%s", a.opts.KeyPrefix, id)
}

func (a *Adapter) broadcastChannel() string {
	return a.opts.KeyPrefix + ":broadcast"
}

func (a *Adapter) roomChannel(nsp, room string) string {
	return fmt.Sprintf("%s:roomcast:%s:%s", a.opts.KeyPrefix, nsp, room)
}

func (a *Adapter) AddSocketToRoom(ctx context.Context, sid, room, nsp string) error {
	ttl := a.membershipTTL()
	pipe := a.client.Pipeline()
	pipe.SAdd(ctx, a.roomKey(nsp, room), sid)
	pipe.Expire(ctx, a.roomKey(nsp, room), ttl)
	pipe.SAdd(ctx, a.socketKey(nsp, sid), room)
	pipe.Expire(ctx, a.socketKey(nsp, sid), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (a *Adapter) RemoveSocketFromRoom(ctx context.Context, sid, room, nsp string) error {
	pipe := a.client.Pipeline()
	pipe.SRem(ctx, a.roomKey(nsp, room), sid)
	pipe.SRem(ctx, a.socketKey(nsp, sid), room)
	_, err := pipe.Exec(ctx)
	return err
}

func (a *Adapter) RemoveSocketFromAllRooms(ctx context.Context, sid, nsp string) error {
	rooms, err := a.client.SMembers(ctx, a.socketKey(nsp, sid)).Result()
	if err != nil {
		return err
	}
	pipe := a.client.Pipeline()
	for _, room := range rooms {
		pipe.SRem(ctx, a.roomKey(nsp, room), sid)
	}
	pipe.Del(ctx, a.socketKey(nsp, sid))
	_, err = pipe.Exec(ctx)
	return err
}

func (a *Adapter) GetSocketsInRoom(ctx context.Context, room, nsp string) ([]string, error) {
	return a.client.SMembers(ctx, a.roomKey(nsp, room)).Result()
}

func (a *Adapter) GetRoomsForSocket(ctx context.Context, sid, nsp string) ([]string, error) {
	return a.client.SMembers(ctx, a.socketKey(nsp, sid)).Result()
}

// Broadcast publishes a namespace-wide envelope on the shared channel.
func (a *Adapter) Broadcast(ctx context.Context, envelope *adapter.Envelope) error {
	payload, err := a.encode(envelope)
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, a.broadcastChannel(), payload).Err()
}

// BroadcastToRoom publishes a room-scoped envelope on the room channel;
// subscribers match it through the roomcast pattern subscription.
func (a *Adapter) BroadcastToRoom(ctx context.Context, room string, envelope *adapter.Envelope) error {
	payload, err := a.encode(envelope)
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, a.roomChannel(envelope.Nsp, room), payload).Err()
}

// Subscribe starts the pub/sub consumers: the shared broadcast channel
// and the roomcast pattern. Envelopes stamped with this node's id are
// dropped before the handler runs.
func (a *Adapter) Subscribe(handler adapter.Handler) {
	a.handlerMu.Lock()
	a.handler = handler
	a.handlerMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	a.subCancel = cancel
	a.pubsub = a.sub.Subscribe(ctx, a.broadcastChannel())
	a.patternPubsub = a.sub.PSubscribe(ctx, a.opts.KeyPrefix+":roomcast:*")
	go a.consume(ctx, a.pubsub)
	go a.consume(ctx, a.patternPubsub)
}

func (a *Adapter) consume(ctx context.Context, ps *redis.PubSub) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := a.decode([]byte(msg.Payload))
			if err != nil {
				redis_log.Warning("undecodable envelope on %s: %v", msg.Channel, err)
				continue
			}
			if env.ServerId == a.serverId {
				continue
			}
			a.handlerMu.RLock()
			handler := a.handler
			a.handlerMu.RUnlock()
			if handler != nil {
				handler(env, env.ServerId)
			}
		}
	}
}

func (a *Adapter) Unsubscribe() {
	a.handlerMu.Lock()
	a.handler = nil
	a.handlerMu.Unlock()
	if a.subCancel != nil {
		a.subCancel()
	}
	if a.pubsub != nil {
		a.pubsub.Close()
	}
	if a.patternPubsub != nil {
		a.patternPubsub.Close()
	}
}

// GetServerIds scans the server registry for live node ids.
func (a *Adapter) GetServerIds(ctx context.Context) ([]string, error) {
	prefix := a.serverKey("")
	var ids []string
	iter := a.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	return ids, iter.Err()
}

// RegisterServer writes this node's registry entry and starts the
// heartbeat loop refreshing it; a node that stops refreshing expires
// after three intervals.
func (a *Adapter) RegisterServer(ctx context.Context) error {
	if err := a.touchServer(ctx); err != nil {
		return err
	}
	go a.heartbeatLoop()
	return nil
}

func (a *Adapter) touchServer(ctx context.Context) error {
	return a.client.Set(ctx, a.serverKey(a.serverId), "1", a.membershipTTL()).Err()
}

func (a *Adapter) heartbeatLoop() {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.hbStop:
			return
		case <-ticker.C:
			if err := a.touchServer(context.Background()); err != nil {
				redis_log.Warning("registry heartbeat failed: %v", err)
			}
		}
	}
}

func (a *Adapter) UnregisterServer(ctx context.Context) error {
	a.stopHeartbeat()
	return a.client.Del(ctx, a.serverKey(a.serverId)).Err()
}

func (a *Adapter) stopHeartbeat() {
	a.hbOnce.Do(func() { close(a.hbStop) })
}

func (a *Adapter) encode(env *adapter.Envelope) ([]byte, error) {
	stamped := *env
	stamped.ServerId = a.serverId
	if a.opts.Codec == CodecMsgpack {
		return msgpack.Marshal(&stamped)
	}
	return json.Marshal(&stamped)
}

func (a *Adapter) decode(payload []byte) (*adapter.Envelope, error) {
	env := &adapter.Envelope{}
	if a.opts.Codec == CodecMsgpack {
		if err := msgpack.Unmarshal(payload, env); err != nil {
			return nil, err
		}
		return env, nil
	}
	if err := json.Unmarshal(payload, env); err != nil {
		return nil, err
	}
	return env, nil
}

var _ adapter.Adapter = (*Adapter)(nil)
