// Package server implements the accept loop and per-connection request
// lifecycle: frame decode, dispatch by message type, strict
// request/response ordering, and socket tuning.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/docstore/internal/aggregate"
	"github.com/cuemby/docstore/internal/auth"
	"github.com/cuemby/docstore/internal/command"
	"github.com/cuemby/docstore/internal/config"
	"github.com/cuemby/docstore/internal/cursor"
	"github.com/cuemby/docstore/internal/dberr"
	"github.com/cuemby/docstore/internal/filter"
	"github.com/cuemby/docstore/internal/log"
	"github.com/cuemby/docstore/internal/metrics"
	"github.com/cuemby/docstore/internal/protocol"
	"github.com/cuemby/docstore/internal/query"
)

// ServerVersion is reported in every handshake response.
const ServerVersion = "1.0.0"

// ProtocolVersion is reported in every handshake response.
const ProtocolVersion = 1

// Server owns the listening socket, the concurrency-bounding semaphore, and
// the active-connection set.
type Server struct {
	cfg *config.Config

	handler *command.Handler
	cursors *cursor.Manager
	authn   *auth.Authenticator

	listener net.Listener
	sem      *semaphore.Weighted

	mu     sync.Mutex
	active map[string]net.Conn

	stopCh    chan struct{}
	closeOnce sync.Once
}

// New constructs a Server around its collaborators. It does not listen
// until Serve is called.
func New(cfg *config.Config, handler *command.Handler, cursors *cursor.Manager, authn *auth.Authenticator) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		cursors: cursors,
		authn:   authn,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections)),
		active:  make(map[string]net.Conn),
		stopCh:  make(chan struct{}),
	}
}

// Serve listens on the configured host:port and accepts connections until
// ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(int(s.cfg.Port)))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = lis
	log.WithComponent("server").Info().Str("address", addr).Msg("listening")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopCh:
		}
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return err
			}
		}
		go s.acceptConn(ctx, conn)
	}
}

// Stop closes the listener and every active connection.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Lock()
		for _, c := range s.active {
			_ = c.Close()
		}
		s.mu.Unlock()
	})
}

func (s *Server) acceptConn(ctx context.Context, conn net.Conn) {
	if !s.sem.TryAcquire(1) {
		_ = protocol.Encode(conn, errorFrame(dberr.Capacity, "server at capacity"))
		_ = conn.Close()
		metrics.ConnectionsTotal.WithLabelValues("rejected_capacity").Inc()
		return
	}
	defer s.sem.Release(1)

	tuneSocket(conn, s.cfg)

	connID := uuid.NewString()
	s.register(connID, conn)
	defer s.unregister(connID)

	metrics.ActiveConnections.Inc()
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	defer metrics.ActiveConnections.Dec()

	logger := log.WithConn(connID)
	logger.Info().Msg("connection accepted")

	h := &connHandler{
		server: s,
		conn:   conn,
		connID: connID,
		authed: !s.authn.Required(),
		logger: logger,
	}
	h.run(ctx)
	logger.Info().Msg("connection closed")
}

func (s *Server) register(id string, conn net.Conn) {
	s.mu.Lock()
	s.active[id] = conn
	s.mu.Unlock()
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func tuneSocket(conn net.Conn, cfg *config.Config) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(time.Duration(cfg.KeepAliveIntervalMs) * time.Millisecond)
	if cfg.ReceiveBufferSize > 0 {
		_ = tc.SetReadBuffer(int(cfg.ReceiveBufferSize))
	}
	if cfg.SendBufferSize > 0 {
		_ = tc.SetWriteBuffer(int(cfg.SendBufferSize))
	}
}

// connHandler drives one connection's cooperative read/dispatch/write loop.
type connHandler struct {
	server *Server
	conn   net.Conn
	connID string
	authed bool
	logger zerolog.Logger
}

func errorFrame(code dberr.Code, message string) protocol.Message {
	body, _ := json.Marshal(protocol.ErrorEnvelope{Success: false, Error: protocol.ErrorBody{Code: string(code), Message: message}})
	return protocol.Message{Type: protocol.TypeError, Payload: body}
}

func successFrame(data interface{}) protocol.Message {
	body, _ := json.Marshal(protocol.SuccessEnvelope{Success: true, Data: data})
	return protocol.Message{Type: protocol.TypeResponse, Payload: body}
}

func (h *connHandler) run(ctx context.Context) {
	defer h.conn.Close()
	r := bufio.NewReader(h.conn)
	w := bufio.NewWriter(h.conn)

	for {
		if deadline := h.server.cfg.ConnectionTimeoutMs; deadline > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(time.Duration(deadline) * time.Millisecond))
		}

		msg, err := protocol.Decode(r)
		if err != nil {
			_ = protocol.Encode(w, errorFrame(dberr.ProtocolError, "frame decode failed"))
			_ = w.Flush()
			return
		}

		if msg.Flags.UnsupportedFlags() {
			_ = protocol.Encode(w, errorFrame(dberr.UnsupportedFlag, "unsupported flag bits set"))
			_ = w.Flush()
			continue
		}

		resp := h.dispatch(ctx, msg)
		if err := protocol.Encode(w, resp); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-h.server.stopCh:
			return
		default:
		}
	}
}

func (h *connHandler) dispatch(ctx context.Context, msg protocol.Message) protocol.Message {
	switch msg.Type {
	case protocol.TypeHandshake:
		return h.handleHandshake(msg)
	case protocol.TypePing:
		return protocol.Message{Type: protocol.TypePong}
	case protocol.TypeAuthentication:
		return h.handleAuthentication(msg)
	case protocol.TypeCommand:
		return h.handleCommand(ctx, msg)
	case protocol.TypeBulkOperation:
		return h.handleBulk(msg)
	default:
		return errorFrame(dberr.UnsupportedMessage, "unsupported message type")
	}
}

func (h *connHandler) handleHandshake(msg protocol.Message) protocol.Message {
	var req protocol.HandshakeRequest
	_ = json.Unmarshal(msg.Payload, &req)
	body, _ := json.Marshal(protocol.HandshakeResponse{
		Success:         true,
		ServerVersion:   ServerVersion,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UTC(),
		ClientVersion:   req.Version,
	})
	return protocol.Message{Type: protocol.TypeResponse, Payload: body}
}

func (h *connHandler) handleAuthentication(msg protocol.Message) protocol.Message {
	var req protocol.AuthenticationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return errorFrame(dberr.InvalidCommand, "malformed authentication payload")
	}
	token, err := h.server.authn.Authenticate(req.Password)
	if err != nil {
		return errorFrame(dberr.CodeOf(err), err.Error())
	}
	h.authed = true
	body, _ := json.Marshal(protocol.AuthenticationResponse{Success: true, Token: token})
	return protocol.Message{Type: protocol.TypeResponse, Payload: body}
}

func (h *connHandler) requireAuth() *protocol.Message {
	if h.authed {
		return nil
	}
	f := errorFrame(dberr.AuthFailed, "authentication required")
	return &f
}

// rawCommand is the generic command envelope; handlers pull whichever
// fields their command needs out of the raw payload.
type rawCommand struct {
	Command           string                 `json:"command"`
	Collection        string                 `json:"collection"`
	ID                string                 `json:"id"`
	Document          map[string]interface{} `json:"document"`
	Filter            filter.Filter          `json:"filter"`
	Sort              []aggregate.SortSpec   `json:"sort"`
	Skip              int                    `json:"skip"`
	Limit             int                    `json:"limit"`
	IncludeTotalCount bool                   `json:"includeTotalCount"`
	BatchSize         int                    `json:"batchSize"`
	TimeoutMinutes    int                    `json:"timeoutMinutes"`
	ResumeToken       string                 `json:"resumeToken"`
	CursorID          string                 `json:"cursorId"`
	Pipeline          []map[string]interface{} `json:"pipeline"`
	Field             string                 `json:"field"`
	KeyType           string                 `json:"keyType"`
	Unique            bool                   `json:"unique"`
}

func (h *connHandler) handleCommand(ctx context.Context, msg protocol.Message) protocol.Message {
	if f := h.requireAuth(); f != nil {
		return *f
	}

	var req rawCommand
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return errorFrame(dberr.InvalidCommand, "malformed command payload")
	}

	timer := metrics.NewTimer()
	outcome := "success"
	defer func() {
		metrics.CommandsTotal.WithLabelValues(req.Command, outcome).Inc()
		timer.ObserveDurationVec(metrics.CommandDuration, req.Command)
	}()

	var (
		data interface{}
		err  error
	)

	switch req.Command {
	case "get":
		data, err = h.server.handler.Get(req.Collection, req.ID)
	case "set":
		data, err = h.server.handler.Set(req.Collection, req.Document)
	case "delete":
		data, err = h.server.handler.Delete(req.Collection, req.ID)
	case "exists":
		data, err = h.server.handler.Exists(req.Collection, req.ID)
	case "count":
		data, err = h.server.handler.Count(req.Collection)
	case "listCollections":
		data, err = h.server.handler.ListCollections()
	case "query":
		limit := req.Limit
		if limit == 0 {
			limit = -1
		}
		data, err = h.server.handler.Query(ctx, query.Query{
			Collection:        req.Collection,
			Filter:            req.Filter,
			Sort:              req.Sort,
			Skip:              req.Skip,
			Limit:             limit,
			IncludeTotalCount: req.IncludeTotalCount,
		})
	case "createCursor":
		data, err = h.createCursor(ctx, req)
	case "cursorNext":
		data, err = h.cursorNext(req)
	case "closeCursor":
		data = map[string]interface{}{"closed": h.server.cursors.Close(req.CursorID)}
	case "createIndex":
		data, err = h.server.handler.CreateIndex(req.Collection, req.Field, req.KeyType, req.Unique)
	case "aggregate":
		data, err = h.aggregate(req)
	default:
		outcome = "unknown"
		return errorFrame(dberr.UnknownCommand, "unknown command: "+req.Command)
	}

	if err != nil {
		outcome = "error"
		return errorFrame(dberr.CodeOf(err), err.Error())
	}
	return successFrame(data)
}

func (h *connHandler) createCursor(ctx context.Context, req rawCommand) (interface{}, error) {
	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}
	timeoutMinutes := req.TimeoutMinutes
	if timeoutMinutes == 0 {
		timeoutMinutes = 10
	}

	c, batch, err := h.server.cursors.Create(ctx, req.Collection, req.Filter, req.Sort, cursor.Options{
		BatchSize:         batchSize,
		IncludeTotalCount: req.IncludeTotalCount,
		TimeoutMinutes:    timeoutMinutes,
		ResumeToken:       req.ResumeToken,
	})
	if err != nil {
		return nil, err
	}

	resp := map[string]interface{}{
		"cursorId":  c.ID,
		"documents": batch,
	}
	if c.TotalCount != nil {
		resp["totalCount"] = *c.TotalCount
	}
	return resp, nil
}

func (h *connHandler) cursorNext(req rawCommand) (interface{}, error) {
	batchSize := req.BatchSize
	batch, hasMore, lastDocID, err := h.server.cursors.Next(req.CursorID, batchSize)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"documents":      batch,
		"hasMore":        hasMore,
		"lastDocumentId": lastDocID,
	}, nil
}

// aggregate converts the wire pipeline into aggregate.Stages and runs it
// against the handler.
func (h *connHandler) aggregate(req rawCommand) (interface{}, error) {
	pipeline, err := buildPipeline(req.Pipeline)
	if err != nil {
		return nil, err
	}
	return h.server.handler.Aggregate(req.Collection, pipeline)
}

// buildPipeline converts the wire pipeline representation - a list of
// single-key stage objects keyed by operator name ($match, $sort,
// $project, $skip, $limit, $group) - into an aggregate.Pipeline.
func buildPipeline(raw []map[string]interface{}) (aggregate.Pipeline, error) {
	var pipeline aggregate.Pipeline
	for _, stageMap := range raw {
		if len(stageMap) != 1 {
			return aggregate.Pipeline{}, dberr.New(dberr.InvalidCommand, "pipeline stage must name exactly one operator")
		}
		for op, params := range stageMap {
			stage, err := buildStage(op, params)
			if err != nil {
				return aggregate.Pipeline{}, err
			}
			pipeline.Stages = append(pipeline.Stages, stage)
		}
	}
	return pipeline, nil
}

func buildStage(op string, params interface{}) (aggregate.Stage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, dberr.Wrap(dberr.InvalidCommand, err, "encode pipeline stage")
	}

	switch op {
	case "$match":
		var f filter.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, dberr.Wrap(dberr.InvalidCommand, err, "decode $match")
		}
		return aggregate.MatchStage{Filter: f}, nil
	case "$sort":
		var specs []aggregate.SortSpec
		if err := json.Unmarshal(raw, &specs); err != nil {
			return nil, dberr.Wrap(dberr.InvalidCommand, err, "decode $sort")
		}
		return aggregate.SortStage{Specs: specs}, nil
	case "$project":
		var p struct {
			Include []string          `json:"include"`
			Exclude []string          `json:"exclude"`
			Rename  map[string]string `json:"rename"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, dberr.Wrap(dberr.InvalidCommand, err, "decode $project")
		}
		return aggregate.NewProjectStage(p.Include, p.Exclude, p.Rename)
	case "$skip":
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, dberr.Wrap(dberr.InvalidCommand, err, "decode $skip")
		}
		return aggregate.SkipStage{N: n}, nil
	case "$limit":
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, dberr.Wrap(dberr.InvalidCommand, err, "decode $limit")
		}
		return aggregate.LimitStage{N: n}, nil
	case "$group":
		var g aggregate.GroupStage
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, dberr.Wrap(dberr.InvalidCommand, err, "decode $group")
		}
		return g, nil
	default:
		return nil, dberr.Newf(dberr.InvalidCommand, "unknown pipeline stage %q", op)
	}
}

type rawBulk struct {
	Collection     string         `json:"collection"`
	Operations     []rawOperation `json:"operations"`
	StopOnError    bool           `json:"stopOnError"`
	UseTransaction bool           `json:"useTransaction"`
	TransactionID  string         `json:"transactionId"`
}

type rawOperation struct {
	OperationType string                 `json:"operationType"`
	DocumentID    string                 `json:"documentId"`
	Document      map[string]interface{} `json:"document"`
	UpdateFields  map[string]interface{} `json:"updateFields"`
	Filter        filter.Filter          `json:"filter"`
}

func (h *connHandler) handleBulk(msg protocol.Message) protocol.Message {
	if f := h.requireAuth(); f != nil {
		return *f
	}

	var req rawBulk
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return errorFrame(dberr.InvalidBatch, "malformed batch payload")
	}

	ops := make([]command.Operation, len(req.Operations))
	for i, o := range req.Operations {
		ops[i] = command.Operation{
			OperationType: command.OperationType(o.OperationType),
			DocumentID:    o.DocumentID,
			Document:      o.Document,
			UpdateFields:  o.UpdateFields,
			Filter:        o.Filter,
		}
	}

	result, err := h.server.handler.Batch(command.BatchRequest{
		Collection:     req.Collection,
		Operations:     ops,
		StopOnError:    req.StopOnError,
		UseTransaction: req.UseTransaction,
		TransactionID:  req.TransactionID,
	})
	if err != nil {
		return errorFrame(dberr.CodeOf(err), err.Error())
	}
	return successFrame(result)
}
