package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/synapsedb/synapse/pkg/cluster"
	"github.com/synapsedb/synapse/pkg/engine"
	"github.com/synapsedb/synapse/pkg/log"
	"github.com/synapsedb/synapse/pkg/metrics"
	"github.com/synapsedb/synapse/pkg/protocol"
	"github.com/synapsedb/synapse/pkg/security"
)

// Config holds wire server settings.
type Config struct {
	ListenAddr string

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	// Auth enables the token handshake when non-nil.
	Auth *security.Manager
	// Limiter applies per-subject rate limits when non-nil.
	Limiter *security.RateLimiter
}

// Server runs the length-prefixed MsgPack request loop over TCP.
type Server struct {
	cfg    Config
	store  *cluster.Engine
	logger zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New builds a server over a sharded engine.
func New(cfg Config, store *cluster.Engine) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		logger: log.WithComponent("server"),
	}
}

// Start begins accepting connections. Returns the bound address.
func (s *Server) Start() (string, error) {
	var listener net.Listener
	var err error
	if s.cfg.TLSConfig != nil {
		listener, err = tls.Listen("tcp", s.cfg.ListenAddr, s.cfg.TLSConfig)
	} else {
		listener, err = net.Listen("tcp", s.cfg.ListenAddr)
	}
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Server listening")
	return listener.Addr().String(), nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	subject := "anonymous"
	var claims *security.Claims

	if s.cfg.Auth != nil {
		c, err := s.handshake(conn)
		if err != nil {
			s.logger.Warn().Err(err).Str("remote", remote).Msg("Auth handshake failed")
			return
		}
		claims = c
		subject = c.Subject
	}

	logger := s.logger.With().Str("remote", remote).Str("subject", subject).Logger()
	logger.Debug().Msg("Connection established")

	for {
		var req protocol.Request
		err := protocol.ReadFrame(conn, &req)
		if errors.Is(err, protocol.ErrOversize) {
			// Oversize frames get an error response; the connection
			// survives.
			if werr := protocol.WriteFrame(conn, protocol.ErrorResponse("message exceeds maximum size")); werr != nil {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("Connection closed on framing error")
			}
			return
		}

		resp := s.dispatch(&req, subject, claims)
		if err := protocol.WriteFrame(conn, resp); err != nil {
			logger.Debug().Err(err).Msg("Write failed")
			return
		}
	}
}

// handshake reads `u32 token_len | token` and answers one status byte:
// 1 on success, 0 (then close) on failure.
func (s *Server) handshake(conn net.Conn) (*security.Claims, error) {
	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read token length: %w", err)
	}
	tokenLen := binary.BigEndian.Uint32(lenBuf[:])
	if tokenLen == 0 || tokenLen > protocol.MaxTokenSize {
		conn.Write([]byte{0})
		return nil, fmt.Errorf("token length %d out of bounds", tokenLen)
	}

	token := make([]byte, tokenLen)
	if _, err := io.ReadFull(conn, token); err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}

	claims, err := s.cfg.Auth.ValidateToken(string(token))
	if err != nil {
		conn.Write([]byte{0})
		return nil, err
	}

	if _, err := conn.Write([]byte{1}); err != nil {
		return nil, fmt.Errorf("failed to ack handshake: %w", err)
	}
	return claims, nil
}

func (s *Server) dispatch(req *protocol.Request, subject string, claims *security.Claims) *protocol.Response {
	timer := metrics.NewTimer()
	method := req.Kind.String()
	status := "ok"
	defer func() {
		metrics.APIRequestsTotal.WithLabelValues(method, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(method).Observe(timer.Duration().Seconds())
	}()

	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Check(subject); err != nil {
			status = "rate_limited"
			metrics.RateLimitedTotal.Inc()
			var rle *security.RateLimitError
			if errors.As(err, &rle) {
				return protocol.ErrorResponse(fmt.Sprintf("rate limited, retry after %s", rle.RetryAfter))
			}
			return protocol.ErrorResponse("rate limited")
		}
	}

	if claims != nil && !claims.CanPerform(req.Kind.OpClass()) {
		status = "forbidden"
		return protocol.ErrorResponse(fmt.Sprintf("subject %q may not perform %s", subject, method))
	}

	resp := s.handle(req)
	if resp.Kind == protocol.RespError {
		status = "error"
	}
	return resp
}

func (s *Server) handle(req *protocol.Request) *protocol.Response {
	switch req.Kind {
	case protocol.ReqLearnConcept:
		seq, err := s.store.LearnConcept(req.ConceptID, req.Content, req.Vector, req.Strength, req.Confidence)
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		return &protocol.Response{Kind: protocol.RespLearnConcept, Sequence: seq}

	case protocol.ReqLearnConceptV2:
		opts := engine.DefaultV2Options()
		if req.Strength > 0 {
			opts.Strength = req.Strength
		}
		if req.Confidence > 0 {
			opts.Confidence = req.Confidence
		}
		opts.ExtractAssociations = req.ExtractAssociations

		id, err := s.store.LearnConceptV2(context.Background(), req.Text, opts)
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		return &protocol.Response{Kind: protocol.RespLearnConceptV2, ConceptID: id}

	case protocol.ReqLearnBatch:
		opts := engine.DefaultV2Options()
		opts.ExtractAssociations = req.ExtractAssociations
		ids, err := s.store.LearnBatch(context.Background(), req.Texts, opts)
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		return &protocol.Response{Kind: protocol.RespLearnBatch, ConceptIDs: ids}

	case protocol.ReqLearnAssociation:
		seq, err := s.store.LearnAssociation(req.Source, req.Target, req.AssociationType, req.Confidence)
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		return &protocol.Response{Kind: protocol.RespLearnAssociation, Sequence: seq}

	case protocol.ReqQueryConcept:
		node := s.store.QueryConcept(req.ConceptID)
		if node == nil {
			return &protocol.Response{Kind: protocol.RespQueryConcept, Found: false}
		}
		return &protocol.Response{
			Kind:  protocol.RespQueryConcept,
			Found: true,
			Concept: &protocol.ConceptPayload{
				ID:           node.ID,
				Content:      node.Content,
				Vector:       node.Vector,
				Strength:     node.Strength,
				Confidence:   node.Confidence,
				Created:      node.Created,
				LastAccessed: node.LastAccessed,
				AccessCount:  node.AccessCount,
				Neighbors:    node.Neighbors,
			},
		}

	case protocol.ReqGetNeighbors:
		return &protocol.Response{
			Kind:      protocol.RespGetNeighbors,
			Neighbors: s.store.QueryNeighbors(req.ConceptID),
		}

	case protocol.ReqFindPath:
		path := s.store.FindPath(req.Source, req.Target, req.MaxDepth)
		return &protocol.Response{
			Kind:  protocol.RespFindPath,
			Found: path != nil,
			Path:  path,
		}

	case protocol.ReqVectorSearch:
		matches, err := s.store.VectorSearch(req.Query, req.K, req.EfSearch)
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		out := make([]protocol.Match, len(matches))
		for i, m := range matches {
			out[i] = protocol.Match{ID: m.ID, Similarity: m.Similarity}
		}
		return &protocol.Response{Kind: protocol.RespVectorSearch, Matches: out}

	case protocol.ReqGetStats:
		stats := s.store.Stats()
		return &protocol.Response{Kind: protocol.RespGetStats, Stats: &stats}

	case protocol.ReqHealthCheck:
		health := s.store.HealthCheck()
		return &protocol.Response{Kind: protocol.RespHealthCheck, Health: &health}

	case protocol.ReqSearchWords:
		return &protocol.Response{
			Kind:       protocol.RespSearchWords,
			ConceptIDs: s.store.SearchWords(req.Words),
		}

	case protocol.ReqFlush:
		if err := s.store.Flush(); err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		return &protocol.Response{Kind: protocol.RespFlush, Success: true}

	default:
		return protocol.ErrorResponse(fmt.Sprintf("unknown request kind %d", req.Kind))
	}
}
