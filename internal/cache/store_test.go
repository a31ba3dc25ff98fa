package cache

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	return NewRedisStore(cli), mr
}

func rec(id, model, answer string, vec ...float32) Record {
	return Record{
		ID:              id,
		Question:        "user:" + id,
		Answer:          answer,
		Vector:          vec,
		EmbeddingModel:  model,
		GenerationModel: "gpt-4.1-nano",
		CreatedAt:       time.UnixMilli(1700000000000),
	}
}

// exerciseVectorStore runs the behaviour every VectorStore must share.
func exerciseVectorStore(t *testing.T, s VectorStore) {
	t.Helper()
	ctx := context.Background()

	m, err := s.Nearest(ctx, []float32{1, 0}, "emb-a", 0.8)
	if err != nil || m != nil {
		t.Fatalf("empty store: expected no match, got %+v, %v", m, err)
	}

	for _, r := range []Record{
		rec("r1", "emb-a", "east", 1, 0),
		rec("r2", "emb-a", "north-east", 0.7, 0.7),
		rec("r3", "emb-b", "other model", 1, 0),
	} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert(%s): %v", r.ID, err)
		}
	}

	m, err = s.Nearest(ctx, []float32{0.99, 0.05}, "emb-a", 0.8)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if m == nil || m.Record.ID != "r1" || m.Record.Answer != "east" {
		t.Fatalf("expected r1, got %+v", m)
	}
	if m.Record.Question != "user:r1" || m.Record.GenerationModel != "gpt-4.1-nano" {
		t.Fatalf("record fields not preserved: %+v", m.Record)
	}
	if !m.Record.CreatedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("created_at not preserved: %v", m.Record.CreatedAt)
	}

	if m, _ := s.Nearest(ctx, []float32{0, 1}, "emb-a", 0.8); m != nil {
		t.Fatalf("below threshold must miss, got %+v", m)
	}

	if m, _ := s.Nearest(ctx, []float32{1, 0}, "emb-c", 0); m != nil {
		t.Fatalf("unknown model must miss, got %+v", m)
	}

	m, _ = s.Nearest(ctx, []float32{1, 0}, "emb-b", 0.8)
	if m == nil || m.Record.ID != "r3" {
		t.Fatalf("expected r3 for emb-b, got %+v", m)
	}

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseVectorStore(t, s)
	if s.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", s.Len())
	}
}

func TestMemoryStore_InsertCopiesVector(t *testing.T) {
	s := NewMemoryStore()
	v := []float32{1, 0}
	_ = s.Insert(context.Background(), rec("r1", "m", "a", v...))
	v[0], v[1] = 0, 1

	if m, _ := s.Nearest(context.Background(), []float32{1, 0}, "m", 0.99); m == nil {
		t.Fatal("stored vector must not alias the caller's slice")
	}
}

func TestRedisStore(t *testing.T) {
	s, mr := newTestRedisStore(t)
	exerciseVectorStore(t, s)

	members, err := mr.Members("semcache:idx:emb-a")
	if err != nil || len(members) != 2 {
		t.Fatalf("expected 2 ids indexed for emb-a, got %v (%v)", members, err)
	}
	if got := mr.HGet("semcache:rec:r1", "answer"); got != "east" {
		t.Fatalf("expected answer field, got %q", got)
	}
}

// commandLog records the arguments of every command sent by a client.
type commandLog struct {
	mu   sync.Mutex
	args [][]any
}

func (l *commandLog) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (l *commandLog) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		l.record(cmd)
		return next(ctx, cmd)
	}
}

func (l *commandLog) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			l.record(cmd)
		}
		return next(ctx, cmds)
	}
}

func (l *commandLog) record(cmd redis.Cmder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.args = append(l.args, cmd.Args())
}

// answerReads returns the keys of commands that fetched an answer field,
// either explicitly or through HGETALL.
func (l *commandLog) answerReads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var keys []string
	for _, args := range l.args {
		if len(args) < 2 {
			continue
		}
		name, _ := args[0].(string)
		key, _ := args[1].(string)
		switch name {
		case "hgetall":
			keys = append(keys, key)
		case "hmget", "hget":
			for _, a := range args[2:] {
				if a == fieldAnswer {
					keys = append(keys, key)
				}
			}
		}
	}
	return keys
}

func TestRedisStore_LoadsOnlyWinningAnswer(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	for _, r := range []Record{
		rec("near", "emb-a", "winner", 1, 0),
		rec("far", "emb-a", "loser", 0, 1),
		rec("mid", "emb-a", "runner-up", 0.8, 0.6),
	} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	log := &commandLog{}
	s.client.AddHook(log)

	m, err := s.Nearest(ctx, []float32{1, 0}, "emb-a", 0.5)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if m == nil || m.Record.Answer != "winner" || m.Record.ID != "near" {
		t.Fatalf("expected the near record, got %+v", m)
	}

	reads := log.answerReads()
	if len(reads) != 1 || reads[0] != "semcache:rec:near" {
		t.Fatalf("expected only the winning answer to be read, got %v", reads)
	}
}

func TestRedisStore_NoAnswerReadOnMiss(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, rec("r1", "emb-a", "east", 1, 0)); err != nil {
		t.Fatal(err)
	}

	log := &commandLog{}
	s.client.AddHook(log)

	if m, err := s.Nearest(ctx, []float32{0, 1}, "emb-a", 0.8); err != nil || m != nil {
		t.Fatalf("expected miss, got %+v, %v", m, err)
	}
	if reads := log.answerReads(); len(reads) != 0 {
		t.Fatalf("expected no answer reads on a miss, got %v", reads)
	}
}

func TestRedisStore_WinnerRemovedBeforeLoad(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, rec("r1", "emb-a", "east", 1, 0)); err != nil {
		t.Fatal(err)
	}
	// Dangling index entry: the record hash is gone.
	if _, err := mr.SAdd("semcache:idx:emb-a", "ghost"); err != nil {
		t.Fatal(err)
	}

	m, err := s.Nearest(ctx, []float32{1, 0}, "emb-a", 0.8)
	if err != nil || m == nil || m.Record.ID != "r1" {
		t.Fatalf("expected r1 despite a dangling id, got %+v, %v", m, err)
	}
}

func TestRedisStore_RechecksRecordModel(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, rec("r1", "emb-old", "stale", 1, 0)); err != nil {
		t.Fatal(err)
	}
	// An index entry pointing at a record of another model must not match.
	if _, err := mr.SAdd("semcache:idx:emb-new", "r1"); err != nil {
		t.Fatal(err)
	}

	if m, err := s.Nearest(ctx, []float32{1, 0}, "emb-new", 0.5); err != nil || m != nil {
		t.Fatalf("expected no match, got %+v, %v", m, err)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close()

	_, err := s.Nearest(context.Background(), []float32{1}, "m", 0.5)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := s.Insert(context.Background(), rec("r", "m", "a", 1)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
