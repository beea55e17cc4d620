// Package mongo implements the cluster adapter over MongoDB: room
// membership in TTL-indexed documents, broadcasts through a capped-TTL
// message outbox consumed by a change stream (or a polling fallback for
// standalone deployments), and a heartbeat-refreshed server registry.
package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/edgelink/sio/adapters/adapter"
	"github.com/edgelink/sio/pkg/log"
)

var mongo_log = log.NewLog("sio:mongo-adapter")

// messageTTL bounds how long an undelivered broadcast survives in the
// outbox.
const messageTTL = 60 * time.Second

// pollInterval drives the fallback consumer when change streams are
// unavailable (standalone server, no replica set).
const pollInterval = 500 * time.Millisecond

// Options configures the MongoDB adapter. Url takes precedence over the
// discrete fields; an explicit Client overrides both.
type Options struct {
	Url               string
	Host              string
	Port              int
	Database          string
	Username          string
	Password          string
	ReplicaSet        string
	DirectConnection  bool
	Client            *mongo.Client
	KeyPrefix         string
	HeartbeatInterval time.Duration
}

// Adapter is the MongoDB-backed cluster adapter.
//
//	a, _ := mongoadapter.NewAdapter(&mongoadapter.Options{
//		Host:     "127.0.0.1",
//		Port:     27017,
//		Database: "sio",
//	})
//	io := socket.NewServer(&socket.ServerOptions{Adapter: a})
type Adapter struct {
	opts     *Options
	client   *mongo.Client
	db       *mongo.Database
	serverId string
	local    adapter.LocalSockets

	rooms    *mongo.Collection
	messages *mongo.Collection
	servers  *mongo.Collection

	handlerMu sync.RWMutex
	handler   adapter.Handler

	subCancel context.CancelFunc

	hbStop chan struct{}
	hbOnce sync.Once
}

type membershipDoc struct {
	Id        string    `bson:"_id"`
	Members   []string  `bson:"members"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type messageDoc struct {
	Id        bson.ObjectID `bson:"_id,omitempty"`
	ServerId  string        `bson:"serverId"`
	Envelope  string        `bson:"envelope"`
	CreatedAt time.Time     `bson:"createdAt"`
}

type serverDoc struct {
	Id            string    `bson:"_id"`
	LastHeartbeat time.Time `bson:"lastHeartbeat"`
}

// NewAdapter connects to MongoDB, verifies the connection and ensures
// the TTL indexes.
func NewAdapter(opts *Options) (*Adapter, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Database == "" {
		opts.Database = "sio"
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = adapter.DefaultKeyPrefix
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = adapter.DefaultHeartbeatInterval
	}
	client := opts.Client
	if client == nil {
		var err error
		client, err = mongo.Connect(options.Client().ApplyURI(connUri(opts)))
		if err != nil {
			return nil, fmt.Errorf("mongo adapter: connect failed: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo adapter: ping failed: %w", err)
	}
	db := client.Database(opts.Database)
	a := &Adapter{
		opts:     opts,
		client:   client,
		db:       db,
		rooms:    db.Collection(opts.KeyPrefix + "_rooms"),
		messages: db.Collection(opts.KeyPrefix + "_messages"),
		servers:  db.Collection(opts.KeyPrefix + "_servers"),
		hbStop:   make(chan struct{}),
	}
	if err := a.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func connUri(opts *Options) string {
	if opts.Url != "" {
		return opts.Url
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port == 0 {
		port = 27017
	}
	var cred string
	if opts.Username != "" {
		cred = url.UserPassword(opts.Username, opts.Password).String() + "@"
	}
	uri := fmt.Sprintf("mongodb://%s%s:%d/%s", cred, host, port, opts.Database)
	params := url.Values{}
	if opts.ReplicaSet != "" {
		params.Set("replicaSet", opts.ReplicaSet)
	}
	if opts.DirectConnection {
		params.Set("directConnection", "true")
	}
	if len(params) > 0 {
		uri += "?" + params.Encode()
	}
	return uri
}

// ensureIndexes creates the TTL indexes that evict stale membership,
// expired outbox messages and dead server registrations.
func (a *Adapter) ensureIndexes(ctx context.Context) error {
	ttl := int32(a.membershipTTL() / time.Second)
	models := []struct {
		coll  *mongo.Collection
		field string
		ttl   int32
	}{
		{a.rooms, "updatedAt", ttl},
		{a.messages, "createdAt", int32(messageTTL / time.Second)},
		{a.servers, "lastHeartbeat", ttl},
	}
	for _, m := range models {
		_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: m.field, Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(m.ttl),
		})
		if err != nil {
			return fmt.Errorf("mongo adapter: ttl index on %s: %w", m.coll.Name(), err)
		}
	}
	return nil
}

func (a *Adapter) Init(serverId string, local adapter.LocalSockets) error {
	a.serverId = serverId
	a.local = local
	return nil
}

func (a *Adapter) Close() error {
	a.Unsubscribe()
	a.stopHeartbeat()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.client.Disconnect(ctx)
}

func (a *Adapter) membershipTTL() time.Duration {
	return 3 * a.opts.HeartbeatInterval
}

func roomDocId(nsp, room string) string {
	return fmt.Sprintf("room:%s:%s", nsp, room)
}

func socketDocId(nsp, sid string) string {
	return fmt.Sprintf("socket:%s:%s", nsp, sid)
}

func (a *Adapter) addMember(ctx context.Context, docId, member string) error {
	_, err := a.rooms.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: docId}},
		bson.D{
			{Key: "$addToSet", Value: bson.D{{Key: "members", Value: member}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now()}}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (a *Adapter) removeMember(ctx context.Context, docId, member string) error {
	_, err := a.rooms.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: docId}},
		bson.D{
			{Key: "$pull", Value: bson.D{{Key: "members", Value: member}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now()}}},
		},
	)
	return err
}

func (a *Adapter) members(ctx context.Context, docId string) ([]string, error) {
	var doc membershipDoc
	err := a.rooms.FindOne(ctx, bson.D{{Key: "_id", Value: docId}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Members, nil
}

func (a *Adapter) AddSocketToRoom(ctx context.Context, sid, room, nsp string) error {
	if err := a.addMember(ctx, roomDocId(nsp, room), sid); err != nil {
		return err
	}
	return a.addMember(ctx, socketDocId(nsp, sid), room)
}

func (a *Adapter) RemoveSocketFromRoom(ctx context.Context, sid, room, nsp string) error {
	if err := a.removeMember(ctx, roomDocId(nsp, room), sid); err != nil {
		return err
	}
	return a.removeMember(ctx, socketDocId(nsp, sid), room)
}

func (a *Adapter) RemoveSocketFromAllRooms(ctx context.Context, sid, nsp string) error {
	rooms, err := a.members(ctx, socketDocId(nsp, sid))
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := a.removeMember(ctx, roomDocId(nsp, room), sid); err != nil {
			return err
		}
	}
	_, err = a.rooms.DeleteOne(ctx, bson.D{{Key: "_id", Value: socketDocId(nsp, sid)}})
	return err
}

func (a *Adapter) GetSocketsInRoom(ctx context.Context, room, nsp string) ([]string, error) {
	return a.members(ctx, roomDocId(nsp, room))
}

func (a *Adapter) GetRoomsForSocket(ctx context.Context, sid, nsp string) ([]string, error) {
	return a.members(ctx, socketDocId(nsp, sid))
}

// Broadcast inserts the envelope into the outbox; the other nodes pick
// it up through their change stream or polling consumer.
func (a *Adapter) Broadcast(ctx context.Context, envelope *adapter.Envelope) error {
	return a.insertMessage(ctx, envelope)
}

func (a *Adapter) BroadcastToRoom(ctx context.Context, room string, envelope *adapter.Envelope) error {
	scoped := *envelope
	scoped.Room = room
	return a.insertMessage(ctx, &scoped)
}

func (a *Adapter) insertMessage(ctx context.Context, envelope *adapter.Envelope) error {
	stamped := *envelope
	stamped.ServerId = a.serverId
	payload, err := json.Marshal(&stamped)
	if err != nil {
		return err
	}
	_, err = a.messages.InsertOne(ctx, messageDoc{
		ServerId:  a.serverId,
		Envelope:  string(payload),
		CreatedAt: time.Now(),
	})
	return err
}

// Subscribe starts the outbox consumer. A change stream is preferred;
// when opening it fails (standalone deployments have none) a polling
// consumer with insert-id deduplication takes over.
func (a *Adapter) Subscribe(handler adapter.Handler) {
	a.handlerMu.Lock()
	a.handler = handler
	a.handlerMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	a.subCancel = cancel
	go a.runConsumer(ctx)
}

func (a *Adapter) runConsumer(ctx context.Context) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.serverId", Value: bson.D{{Key: "$ne", Value: a.serverId}}},
		}}},
	}
	stream, err := a.messages.Watch(ctx, pipeline)
	if err != nil {
		mongo_log.Debug("change stream unavailable (%v), falling back to polling", err)
		a.pollLoop(ctx)
		return
	}
	defer stream.Close(context.Background())
	for stream.Next(ctx) {
		var change struct {
			FullDocument messageDoc `bson:"fullDocument"`
		}
		if err := stream.Decode(&change); err != nil {
			mongo_log.Warning("undecodable change event: %v", err)
			continue
		}
		a.deliver(&change.FullDocument)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		mongo_log.Warning("change stream ended: %v, falling back to polling", err)
		a.pollLoop(ctx)
	}
}

// pollLoop scans the outbox for recent messages every poll interval,
// overlapping windows and deduplicating by insert id.
func (a *Adapter) pollLoop(ctx context.Context) {
	seen := map[bson.ObjectID]struct{}{}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cursor, err := a.messages.Find(ctx, bson.D{
			{Key: "createdAt", Value: bson.D{{Key: "$gte", Value: time.Now().Add(-time.Second)}}},
			{Key: "serverId", Value: bson.D{{Key: "$ne", Value: a.serverId}}},
		})
		if err != nil {
			if ctx.Err() == nil {
				mongo_log.Warning("outbox poll failed: %v", err)
			}
			continue
		}
		next := map[bson.ObjectID]struct{}{}
		for cursor.Next(ctx) {
			var doc messageDoc
			if err := cursor.Decode(&doc); err != nil {
				continue
			}
			next[doc.Id] = struct{}{}
			if _, dup := seen[doc.Id]; dup {
				continue
			}
			a.deliver(&doc)
		}
		cursor.Close(ctx)
		seen = next
	}
}

func (a *Adapter) deliver(doc *messageDoc) {
	env := &adapter.Envelope{}
	if err := json.Unmarshal([]byte(doc.Envelope), env); err != nil {
		mongo_log.Warning("undecodable envelope: %v", err)
		return
	}
	if env.ServerId == a.serverId {
		return
	}
	a.handlerMu.RLock()
	handler := a.handler
	a.handlerMu.RUnlock()
	if handler != nil {
		handler(env, doc.ServerId)
	}
}

func (a *Adapter) Unsubscribe() {
	a.handlerMu.Lock()
	a.handler = nil
	a.handlerMu.Unlock()
	if a.subCancel != nil {
		a.subCancel()
	}
}

func (a *Adapter) GetServerIds(ctx context.Context) ([]string, error) {
	cursor, err := a.servers.Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var ids []string
	for cursor.Next(ctx) {
		var doc serverDoc
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		ids = append(ids, doc.Id)
	}
	return ids, cursor.Err()
}

func (a *Adapter) RegisterServer(ctx context.Context) error {
	if err := a.touchServer(ctx); err != nil {
		return err
	}
	go a.heartbeatLoop()
	return nil
}

func (a *Adapter) touchServer(ctx context.Context) error {
	_, err := a.servers.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: a.serverId}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "lastHeartbeat", Value: time.Now()}}}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
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
				mongo_log.Warning("registry heartbeat failed: %v", err)
			}
		}
	}
}

func (a *Adapter) UnregisterServer(ctx context.Context) error {
	a.stopHeartbeat()
	_, err := a.servers.DeleteOne(ctx, bson.D{{Key: "_id", Value: a.serverId}})
	return err
}

func (a *Adapter) stopHeartbeat() {
	a.hbOnce.Do(func() { close(a.hbStop) })
}

var _ adapter.Adapter = (*Adapter)(nil)
