package results

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/call-coach/internal/agent"
)

func record(user string, score int) agent.SessionRecord {
	return agent.SessionRecord{
		SessionID:  "s-" + user,
		UserID:     user,
		ScenarioID: "prod-1",
		History: []agent.Turn{
			{Role: agent.RoleTrainee, Text: "Bonjour", Position: 0},
			{Role: agent.RoleProspect, Text: "Oui ?", Position: 1},
		},
		Result:    &agent.ScoringResult{Score: score, Feedback: "Bien", Strengths: []string{"ton"}},
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Duration:  93600 * time.Millisecond,
	}
}

func TestBuildRow(t *testing.T) {
	row := BuildRow(record("u1", 77))
	assert.Equal(t, "u1", row.UserID)
	assert.Equal(t, "prod-1", row.ProductID)
	assert.Equal(t, []Message{{Role: "user", Content: "Bonjour"}, {Role: "assistant", Content: "Oui ?"}}, row.Transcript)
	assert.Equal(t, 77, row.Score)
	assert.Equal(t, []string{"ton"}, row.Strengths)
	assert.Equal(t, []string{}, row.Improvements)
	assert.Equal(t, 94, row.Duration)

	raw, err := json.Marshal(row)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u1","product_id":"prod-1","transcript":[{"role":"user","content":"Bonjour"},{"role":"assistant","content":"Oui ?"}],"score":77,"feedback":"Bien","strengths":["ton"],"improvements":[],"duration":94}`, string(raw))
}

func setupRedisSink(t *testing.T, opts ...RedisOption) (*RedisSink, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisSink(client, opts...), mr
}

func TestRedisSink_RecordAndRecent(t *testing.T) {
	sink, mr := setupRedisSink(t, WithKeep(2), WithKeyPrefix("test"))
	ctx := context.Background()

	for _, score := range []int{10, 20, 30} {
		require.NoError(t, sink.Record(ctx, record("u1", score)))
	}
	stored, err := mr.List("test:sessions:u1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.True(t, mr.TTL("test:sessions:u1") > 0)

	recent, err := sink.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 30, recent[0].Result.Score)
	assert.Equal(t, 20, recent[1].Result.Score)
	assert.Len(t, recent[0].History, 2)

	empty, err := sink.Recent(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisSink_NoTTL(t *testing.T) {
	sink, mr := setupRedisSink(t, WithRecordTTL(0))
	require.NoError(t, sink.Record(context.Background(), record("", 50)))
	assert.True(t, mr.Exists("callcoach:sessions:anonymous"))
	assert.Zero(t, mr.TTL("callcoach:sessions:anonymous"))
}

func TestRedisSink_ServerDown(t *testing.T) {
	sink, mr := setupRedisSink(t)
	mr.Close()
	assert.Error(t, sink.Record(context.Background(), record("u1", 1)))
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient("redis://localhost:6379/0")
	assert.NoError(t, err)
	_, err = NewRedisClient("://bad")
	assert.Error(t, err)
}

func TestSupabaseSink_Record(t *testing.T) {
	var (
		gotPath string
		gotRow  Row
		gotKey  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotRow)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink, err := NewSupabaseSink(SupabaseConfig{URL: srv.URL, ServiceRoleKey: "service-key"})
	require.NoError(t, err)
	require.NoError(t, sink.Record(context.Background(), record("u1", 64)))
	assert.Regexp(t, `/rest/v1/+simulations$`, gotPath)
	assert.Equal(t, "service-key", gotKey)
	assert.Equal(t, 64, gotRow.Score)
	assert.Equal(t, "prod-1", gotRow.ProductID)
}

func TestSupabaseSink_MissingConfig(t *testing.T) {
	_, err := NewSupabaseSink(SupabaseConfig{URL: "http://x"})
	assert.Error(t, err)
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, agent.SessionRecord) error { return f.err }

func TestMulti(t *testing.T) {
	sink, mr := setupRedisSink(t)
	boom := errors.New("boom")
	err := Multi{failingSink{boom}, sink}.Record(context.Background(), record("u1", 5))
	assert.ErrorIs(t, err, boom)
	assert.True(t, mr.Exists("callcoach:sessions:u1"), "later sinks still run")
	assert.NoError(t, Multi{}.Record(context.Background(), record("u1", 5)))
}
