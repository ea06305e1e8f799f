package server

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapse/pkg/client"
	"github.com/synapsedb/synapse/pkg/cluster"
	"github.com/synapsedb/synapse/pkg/protocol"
	"github.com/synapsedb/synapse/pkg/security"
	"github.com/synapsedb/synapse/pkg/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func startServer(t *testing.T, cfg Config) (string, *cluster.Engine) {
	t.Helper()

	clusterCfg := cluster.DefaultShardedConfig(t.TempDir())
	clusterCfg.NumShards = 2
	clusterCfg.Shard.VectorDimension = 8
	clusterCfg.Shard.ReconcileInterval = 5 * time.Millisecond

	store, err := cluster.Open(clusterCfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg.ListenAddr = "127.0.0.1:0"
	srv := New(cfg, store)
	addr, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return addr, store
}

func dial(t *testing.T, addr string, opts client.Options) *client.Client {
	t.Helper()
	c, err := client.Dial(addr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLearnAndQueryOverWire(t *testing.T) {
	addr, _ := startServer(t, Config{})
	c := dial(t, addr, client.Options{})

	content := []byte("wire concept")
	id := types.NewConceptID(content)

	_, err := c.LearnConcept(id, content, nil, 1.0, 0.9)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		node, err := c.QueryConcept(id)
		return err == nil && node != nil
	}, 2*time.Second, 5*time.Millisecond)

	node, err := c.QueryConcept(id)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, content, node.Content)
	assert.Equal(t, id, node.ID)
}

func TestQueryMissingConcept(t *testing.T) {
	addr, _ := startServer(t, Config{})
	c := dial(t, addr, client.Options{})

	node, err := c.QueryConcept(types.NewConceptID([]byte("missing")))
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestAssociationAndPathOverWire(t *testing.T) {
	addr, _ := startServer(t, Config{})
	c := dial(t, addr, client.Options{})

	ids := make([]types.ConceptID, 3)
	for i, content := range []string{"wa", "wb", "wc"} {
		ids[i] = types.NewConceptID([]byte(content))
		_, err := c.LearnConcept(ids[i], []byte(content), nil, 1.0, 0.9)
		require.NoError(t, err)
	}

	_, err := c.LearnAssociation(ids[0], ids[1], types.AssociationSemantic, 0.9)
	require.NoError(t, err)
	_, err = c.LearnAssociation(ids[1], ids[2], types.AssociationSemantic, 0.9)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		path, err := c.FindPath(ids[0], ids[2], 5)
		return err == nil && len(path) == 3
	}, 2*time.Second, 5*time.Millisecond)

	neighbors, err := c.GetNeighbors(ids[0])
	require.NoError(t, err)
	assert.Contains(t, neighbors, ids[1])

	// Unreachable path returns nil.
	lone := types.NewConceptID([]byte("lone"))
	_, err = c.LearnConcept(lone, []byte("lone"), nil, 1.0, 0.9)
	require.NoError(t, err)
	path, err := c.FindPath(ids[0], lone, 5)
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestVectorSearchOverWire(t *testing.T) {
	addr, _ := startServer(t, Config{})
	c := dial(t, addr, client.Options{})

	ids := make([]types.ConceptID, 8)
	for i := 0; i < 8; i++ {
		vec := make([]float32, 8)
		vec[i] = 1
		content := []byte{byte('a' + i)}
		ids[i] = types.NewConceptID(content)
		_, err := c.LearnConcept(ids[i], content, vec, 1.0, 0.9)
		require.NoError(t, err)
	}

	query := make([]float32, 8)
	query[5] = 1
	require.Eventually(t, func() bool {
		matches, err := c.VectorSearch(query, 1, 40)
		return err == nil && len(matches) == 1 && matches[0].ID == ids[5]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStatsHealthFlushOverWire(t *testing.T) {
	addr, _ := startServer(t, Config{})
	c := dial(t, addr, client.Options{})

	_, err := c.LearnConcept(types.NewConceptID([]byte("s")), []byte("s"), nil, 1.0, 0.9)
	require.NoError(t, err)

	stats, err := c.GetStats()
	require.NoError(t, err)
	require.NotNil(t, stats.Stats)
	assert.Equal(t, uint32(2), stats.Stats.NumShards)

	health, err := c.HealthCheck()
	require.NoError(t, err)
	require.NotNil(t, health.Health)
	assert.True(t, health.Health.Healthy)

	require.NoError(t, c.Flush())
}

func TestAuthHandshake(t *testing.T) {
	auth, err := security.NewManager(security.MethodHMAC, testSecret, time.Hour)
	require.NoError(t, err)
	addr, _ := startServer(t, Config{Auth: auth})

	token, err := auth.GenerateToken("alice", []security.Role{security.RoleWriter})
	require.NoError(t, err)

	c := dial(t, addr, client.Options{Token: token})
	_, err = c.LearnConcept(types.NewConceptID([]byte("authed")), []byte("authed"), nil, 1.0, 0.9)
	assert.NoError(t, err)
}

func TestAuthHandshakeRejectsBadToken(t *testing.T) {
	auth, err := security.NewManager(security.MethodHMAC, testSecret, time.Hour)
	require.NoError(t, err)
	addr, _ := startServer(t, Config{Auth: auth})

	_, err = client.Dial(addr, client.Options{Token: "bogus-token"})
	assert.Error(t, err)
}

func TestAuthzEnforcesOperationClass(t *testing.T) {
	auth, err := security.NewManager(security.MethodHMAC, testSecret, time.Hour)
	require.NoError(t, err)
	addr, _ := startServer(t, Config{Auth: auth})

	token, err := auth.GenerateToken("bob", []security.Role{security.RoleReader})
	require.NoError(t, err)
	c := dial(t, addr, client.Options{Token: token})

	// Reads are allowed.
	_, err = c.QueryConcept(types.NewConceptID([]byte("x")))
	assert.NoError(t, err)

	// Writes are denied but the connection survives.
	_, err = c.LearnConcept(types.NewConceptID([]byte("x")), []byte("x"), nil, 1.0, 0.9)
	assert.ErrorIs(t, err, client.ErrServer)

	// Flush needs admin.
	assert.ErrorIs(t, c.Flush(), client.ErrServer)

	// Connection still usable after denials.
	_, err = c.QueryConcept(types.NewConceptID([]byte("x")))
	assert.NoError(t, err)
}

func TestRateLimitReturnsErrorResponse(t *testing.T) {
	limiter := security.NewRateLimiter(security.RateLimiterConfig{
		RequestsPerSecond: 1,
		Burst:             1,
		MemoryDuration:    time.Minute,
	})
	addr, _ := startServer(t, Config{Limiter: limiter})
	c := dial(t, addr, client.Options{})

	_, err := c.QueryConcept(types.NewConceptID([]byte("q")))
	require.NoError(t, err)

	_, err = c.QueryConcept(types.NewConceptID([]byte("q")))
	require.ErrorIs(t, err, client.ErrServer)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestOversizeFrameKeepsConnection(t *testing.T) {
	addr, _ := startServer(t, Config{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Claim an oversize payload, then send that many zero bytes.
	var frame [4]byte
	oversize := uint32(protocol.MaxMessageSize + 1)
	binary.BigEndian.PutUint32(frame[:], oversize)
	_, err = conn.Write(frame[:])
	require.NoError(t, err)

	chunk := make([]byte, 1<<20)
	remaining := int(oversize)
	for remaining > 0 {
		n := len(chunk)
		if remaining < n {
			n = remaining
		}
		written, err := conn.Write(chunk[:n])
		require.NoError(t, err)
		remaining -= written
	}

	var resp protocol.Response
	require.NoError(t, protocol.ReadFrame(conn, &resp))
	assert.Equal(t, protocol.RespError, resp.Kind)
	assert.Contains(t, resp.Error, "maximum size")

	// The connection survives: a valid request still works.
	require.NoError(t, protocol.WriteFrame(conn, &protocol.Request{Kind: protocol.ReqHealthCheck}))
	var health protocol.Response
	require.NoError(t, protocol.ReadFrame(conn, &health))
	assert.Equal(t, protocol.RespHealthCheck, health.Kind)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	addr, _ := startServer(t, Config{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// A frame whose payload is not valid MsgPack for a request.
	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], 4)
	_, err = conn.Write(frame[:])
	require.NoError(t, err)
	_, err = conn.Write([]byte{0xc1, 0xc1, 0xc1, 0xc1})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	assert.Error(t, err, "server should close the connection")
}

func TestSearchWordsOverWire(t *testing.T) {
	addr, _ := startServer(t, Config{})
	c := dial(t, addr, client.Options{})

	content := []byte("tides follow the moon")
	id := types.NewConceptID(content)
	_, err := c.LearnConcept(id, content, nil, 1.0, 0.9)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ids, err := c.SearchWords([]string{"tides", "moon"})
		return err == nil && len(ids) == 1 && ids[0] == id
	}, 2*time.Second, 5*time.Millisecond)

	ids, err := c.SearchWords([]string{"tides", "mars"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}
