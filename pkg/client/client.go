package client

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/synapsedb/synapse/pkg/protocol"
	"github.com/synapsedb/synapse/pkg/types"
)

// ErrServer wraps server-side Error responses.
var ErrServer = errors.New("server error")

// Options configure a client connection.
type Options struct {
	// Token is sent in the auth handshake when non-empty.
	Token string
	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
}

// Client is a synchronous wire-protocol client. Safe for concurrent use;
// requests serialize over one connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects, performing TLS and the auth handshake as configured.
func Dial(addr string, opts Options) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var conn net.Conn
	var err error
	if opts.TLSConfig != nil {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, opts.TLSConfig)
	} else {
		conn, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if opts.Token != "" {
		if err := handshake(conn, opts.Token); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &Client{conn: conn}, nil
}

func handshake(conn net.Conn, token string) error {
	if len(token) > protocol.MaxTokenSize {
		return fmt.Errorf("token exceeds %d bytes", protocol.MaxTokenSize)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(token)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("failed to send token length: %w", err)
	}
	if _, err := conn.Write([]byte(token)); err != nil {
		return fmt.Errorf("failed to send token: %w", err)
	}

	var status [1]byte
	if _, err := conn.Read(status[:]); err != nil {
		return fmt.Errorf("failed to read handshake status: %w", err)
	}
	if status[0] != 1 {
		return fmt.Errorf("authentication rejected")
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := protocol.WriteFrame(c.conn, req); err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := protocol.ReadFrame(c.conn, &resp); err != nil {
		return nil, err
	}
	if resp.Kind == protocol.RespError {
		return nil, fmt.Errorf("%w: %s", ErrServer, resp.Error)
	}
	return &resp, nil
}

// LearnConcept stores a concept with an explicit id.
func (c *Client) LearnConcept(id types.ConceptID, content []byte, vector []float32, strength, confidence float32) (uint64, error) {
	resp, err := c.roundTrip(&protocol.Request{
		Kind:       protocol.ReqLearnConcept,
		ConceptID:  id,
		Content:    content,
		Vector:     vector,
		Strength:   strength,
		Confidence: confidence,
	})
	if err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

// LearnConceptV2 stores a concept by content, deriving its id.
func (c *Client) LearnConceptV2(text string, extractAssociations bool) (types.ConceptID, error) {
	resp, err := c.roundTrip(&protocol.Request{
		Kind:                protocol.ReqLearnConceptV2,
		Text:                text,
		ExtractAssociations: extractAssociations,
	})
	if err != nil {
		return types.ConceptID{}, err
	}
	return resp.ConceptID, nil
}

// LearnBatch stores several concepts in one call.
func (c *Client) LearnBatch(texts []string) ([]types.ConceptID, error) {
	resp, err := c.roundTrip(&protocol.Request{Kind: protocol.ReqLearnBatch, Texts: texts})
	if err != nil {
		return nil, err
	}
	return resp.ConceptIDs, nil
}

// LearnAssociation creates a typed edge.
func (c *Client) LearnAssociation(source, target types.ConceptID, typ types.AssociationType, confidence float32) (uint64, error) {
	resp, err := c.roundTrip(&protocol.Request{
		Kind:            protocol.ReqLearnAssociation,
		Source:          source,
		Target:          target,
		AssociationType: typ,
		Confidence:      confidence,
	})
	if err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

// QueryConcept fetches a concept, returning nil when absent.
func (c *Client) QueryConcept(id types.ConceptID) (*protocol.ConceptPayload, error) {
	resp, err := c.roundTrip(&protocol.Request{Kind: protocol.ReqQueryConcept, ConceptID: id})
	if err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Concept, nil
}

// GetNeighbors fetches a concept's neighbor ids.
func (c *Client) GetNeighbors(id types.ConceptID) ([]types.ConceptID, error) {
	resp, err := c.roundTrip(&protocol.Request{Kind: protocol.ReqGetNeighbors, ConceptID: id})
	if err != nil {
		return nil, err
	}
	return resp.Neighbors, nil
}

// FindPath runs a bounded BFS between two concepts. A nil path means no
// path exists within maxDepth.
func (c *Client) FindPath(start, end types.ConceptID, maxDepth int) ([]types.ConceptID, error) {
	resp, err := c.roundTrip(&protocol.Request{
		Kind:     protocol.ReqFindPath,
		Source:   start,
		Target:   end,
		MaxDepth: maxDepth,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Path, nil
}

// VectorSearch runs an ANN query.
func (c *Client) VectorSearch(query []float32, k, efSearch int) ([]protocol.Match, error) {
	resp, err := c.roundTrip(&protocol.Request{
		Kind:     protocol.ReqVectorSearch,
		Query:    query,
		K:        k,
		EfSearch: efSearch,
	})
	if err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

// SearchWords returns every concept whose content contains all of the
// given words.
func (c *Client) SearchWords(words []string) ([]types.ConceptID, error) {
	resp, err := c.roundTrip(&protocol.Request{Kind: protocol.ReqSearchWords, Words: words})
	if err != nil {
		return nil, err
	}
	return resp.ConceptIDs, nil
}

// GetStats fetches aggregated store statistics.
func (c *Client) GetStats() (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{Kind: protocol.ReqGetStats})
}

// HealthCheck probes server health.
func (c *Client) HealthCheck() (*protocol.Response, error) {
	return c.roundTrip(&protocol.Request{Kind: protocol.ReqHealthCheck})
}

// Flush forces persistence on every shard.
func (c *Client) Flush() error {
	_, err := c.roundTrip(&protocol.Request{Kind: protocol.ReqFlush})
	return err
}
