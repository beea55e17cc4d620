package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/edgelink/sio/adapters/adapter"
)

func TestDocIds(t *testing.T) {
	assert.Equal(t, "room:/chat:lobby", roomDocId("/chat", "lobby"))
	assert.Equal(t, "socket:/:s1", socketDocId("/", "s1"))
}

func TestMembershipTTL(t *testing.T) {
	a := &Adapter{opts: &Options{HeartbeatInterval: adapter.DefaultHeartbeatInterval}}
	assert.Equal(t, 3*adapter.DefaultHeartbeatInterval, a.membershipTTL())

	a.opts.HeartbeatInterval = 10 * time.Second
	assert.Equal(t, 30*time.Second, a.membershipTTL())
}

func TestConnUri(t *testing.T) {
	assert.Equal(t, "mongodb://127.0.0.1:27017/sio", connUri(&Options{Database: "sio"}))

	assert.Equal(t,
		"mongodb://db.internal:27018/rt",
		connUri(&Options{Host: "db.internal", Port: 27018, Database: "rt"}))

	assert.Equal(t,
		"mongodb://ada:pw@127.0.0.1:27017/sio?directConnection=true&replicaSet=rs0",
		connUri(&Options{
			Database:         "sio",
			Username:         "ada",
			Password:         "pw",
			ReplicaSet:       "rs0",
			DirectConnection: true,
		}))

	assert.Equal(t, "mongodb://custom", connUri(&Options{Url: "mongodb://custom"}))
}
