package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ottowrite/backend/internal/cache"
)

func TestPresenceHandler_Online(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	defer rdb.Close()
	p := cache.NewRedisPresence(rdb)

	ctx := context.Background()
	if err := p.AddMember(ctx, "d1", "u1", "alice", "#FF6B6B", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := p.AddMember(ctx, "d1", "u2", "bob", "#4ECDC4", -time.Second); err != nil {
		t.Fatal(err)
	}

	r := newRouter(t, nil)
	NewPresenceHandler(p, time.Minute).Register(r.Group("/collab"))

	w := do(r, http.MethodGet, "/collab/docs/d1/presence", "")
	var body struct {
		Members []onlineMember `json:"members"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	if len(body.Members) != 1 || body.Members[0].Username != "alice" {
		t.Fatalf("online = %+v", body.Members)
	}
	if age := time.Since(body.Members[0].LastActive); age < 0 || age > 5*time.Second {
		t.Fatalf("lastActive is %v old", age)
	}
}
