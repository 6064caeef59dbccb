package testutil

import (
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
)

// RedisServer is an in-process Redis for unit tests. It supports the
// Lua scripting used by the stock ledger.
type RedisServer struct {
	server *miniredis.Miniredis
}

func NewRedisServer() *RedisServer {
	server, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	return &RedisServer{
		server: server,
	}
}

func (s *RedisServer) Addr() string {
	return s.server.Addr()
}

// Client returns a go-redis client connected to this server.
func (s *RedisServer) Client() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: s.server.Addr()})
}

// FastForward advances the server clock so that keys with a TTL expire.
func (s *RedisServer) FastForward(d time.Duration) {
	s.server.FastForward(d)
}

func (s *RedisServer) Close() {
	s.server.Close()
}
