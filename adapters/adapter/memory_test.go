package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipSymmetry(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	require.NoError(t, a.AddSocketToRoom(ctx, "s1", "lobby", "/"))
	require.NoError(t, a.AddSocketToRoom(ctx, "s2", "lobby", "/"))
	require.NoError(t, a.AddSocketToRoom(ctx, "s1", "vip", "/"))

	sockets, err := a.GetSocketsInRoom(ctx, "lobby", "/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, sockets)

	rooms, err := a.GetRoomsForSocket(ctx, "s1", "/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lobby", "vip"}, rooms)
}

func TestNamespaceIsolation(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	require.NoError(t, a.AddSocketToRoom(ctx, "s1", "lobby", "/"))
	require.NoError(t, a.AddSocketToRoom(ctx, "s2", "lobby", "/chat"))

	sockets, err := a.GetSocketsInRoom(ctx, "lobby", "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, sockets)

	sockets, err = a.GetSocketsInRoom(ctx, "lobby", "/chat")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, sockets)
}

func TestRemoveSocketFromRoom(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	a.AddSocketToRoom(ctx, "s1", "lobby", "/")
	a.AddSocketToRoom(ctx, "s2", "lobby", "/")
	require.NoError(t, a.RemoveSocketFromRoom(ctx, "s1", "lobby", "/"))

	sockets, _ := a.GetSocketsInRoom(ctx, "lobby", "/")
	assert.Equal(t, []string{"s2"}, sockets)

	rooms, _ := a.GetRoomsForSocket(ctx, "s1", "/")
	assert.Empty(t, rooms)
}

func TestRemoveSocketFromAllRooms(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	a.AddSocketToRoom(ctx, "s1", "lobby", "/")
	a.AddSocketToRoom(ctx, "s1", "vip", "/")
	a.AddSocketToRoom(ctx, "s2", "lobby", "/")
	require.NoError(t, a.RemoveSocketFromAllRooms(ctx, "s1", "/"))

	sockets, _ := a.GetSocketsInRoom(ctx, "lobby", "/")
	assert.Equal(t, []string{"s2"}, sockets)
	sockets, _ = a.GetSocketsInRoom(ctx, "vip", "/")
	assert.Empty(t, sockets)

	rooms, _ := a.GetRoomsForSocket(ctx, "s1", "/")
	assert.Empty(t, rooms)
}

func TestGetServerIds(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	ids, err := a.GetServerIds(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, a.Init("node-1", nil))
	ids, err = a.GetServerIds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, ids)
}

func TestCloseClearsState(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	a.AddSocketToRoom(ctx, "s1", "lobby", "/")
	require.NoError(t, a.Close())

	sockets, _ := a.GetSocketsInRoom(ctx, "lobby", "/")
	assert.Empty(t, sockets)
}
