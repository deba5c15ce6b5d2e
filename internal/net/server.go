package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"bourse/internal/auth"
	"bourse/internal/common"
	"bourse/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"
)

const (
	DefaultWorkers       = 10
	defaultHistoryLength = 100
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrAlreadyRunning     = errors.New("server already running")
)

// Market is the trading surface sessions act on.
type Market interface {
	SubmitOrder(username string, side common.Side, price decimal.Decimal, quantity uint64) (common.Order, error)
	CancelOrder(username string, id int64, side common.Side) bool
	Balance(username string) (common.Balance, error)
	ActiveOrders(username string) []common.Order
	CompletedOrders(n int) []common.Order
	Quotes(n int) []common.Quote
}

type Authenticator interface {
	SignUp(ctx context.Context, username, password string) error
	SignIn(ctx context.Context, username, password string) (string, error)
	Verify(token, username string) error
}

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	id       uuid.UUID
	conn     net.Conn
	username string // set on sign in, guarded by the server's session lock
}

// requestTask carries one decoded request to the worker pool.
type requestTask struct {
	session *ClientSession
	request Request
	done    chan Response
}

type Server struct {
	address string
	port    int
	pool    *utils.WorkerPool
	market  Market
	auth    Authenticator

	clientSessions     map[uuid.UUID]*ClientSession
	signedIn           map[string]uuid.UUID
	clientSessionsLock sync.Mutex

	started  atomic.Bool
	ready    chan struct{}
	listener net.Listener
}

func New(address string, port, workers int, market Market, authenticator Authenticator) *Server {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Server{
		address:        address,
		port:           port,
		pool:           utils.NewWorkerPool(workers),
		market:         market,
		auth:           authenticator,
		clientSessions: make(map[uuid.UUID]*ClientSession),
		signedIn:       make(map[string]uuid.UUID),
		ready:          make(chan struct{}),
	}
}

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.listener.Addr(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run serves clients until ctx is cancelled. A Server runs at most once.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	t, ctx := tomb.WithContext(ctx)

	// Start a tcp listener.
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		return fmt.Errorf("unable to start listener: %w", err)
	}
	s.listener = listener
	close(s.ready)

	// Start the worker pool.
	s.pool.Setup(t, s.handleRequest)

	// Closing the listener and the sessions unblocks the accept loop and
	// every session reader.
	t.Go(func() error {
		<-t.Dying()
		log.Info().Msg("server shutting down")
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		s.closeAllSessions()
		return nil
	})

	t.Go(func() error {
		return s.acceptLoop(t, listener)
	})

	log.Info().
		Str("address", listener.Addr().String()).
		Int("workers", s.pool.Size()).
		Msg("server running")

	if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		// Add the client to client sessions we are tracking.
		// We expect to potentially maintain a long TCP session.
		session := s.addClientSession(conn)
		select {
		case <-t.Dying():
			s.deleteClientSession(session)
			return nil
		default:
		}
		log.Info().
			Str("session", session.id.String()).
			Str("address", conn.RemoteAddr().String()).
			Msg("new client added")

		t.Go(func() error {
			s.serveSession(t, session)
			return nil
		})
	}
}

// serveSession reads framed requests off one connection and answers them in
// order. Requests run on the worker pool; the reader waits for each answer
// before reading the next frame.
func (s *Server) serveSession(t *tomb.Tomb, session *ClientSession) {
	defer s.deleteClientSession(session)

	for {
		payload, err := ReadFrame(session.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Error().
					Err(err).
					Str("session", session.id.String()).
					Msg("error reading from connection")
			}
			return
		}

		var response Response
		request, err := DecodeRequest(payload)
		if err != nil {
			response = Response{Status: StatusBadRequest, Message: err.Error()}
		} else {
			task := &requestTask{session: session, request: request, done: make(chan Response, 1)}
			if !s.pool.AddTask(t, task) {
				return
			}
			select {
			case response = <-task.done:
			case <-t.Dying():
				return
			}
		}

		if err := WriteFrame(session.conn, EncodeResponse(response)); err != nil {
			log.Error().
				Err(err).
				Str("session", session.id.String()).
				Msg("unable to send response")
			return
		}
	}
}

// handleRequest is the worker method. Any error returned from here is fatal.
func (s *Server) handleRequest(t *tomb.Tomb, task any) error {
	rt, ok := task.(*requestTask)
	if !ok {
		return ErrImproperConversion
	}
	rt.done <- s.dispatch(t.Context(nil), rt.session, rt.request)
	return nil
}

func (s *Server) dispatch(ctx context.Context, session *ClientSession, req Request) Response {
	log.Debug().
		Str("session", session.id.String()).
		Str("command", req.Command.String()).
		Msg("new request")

	switch req.Command {
	case CmdSignUp:
		return s.signUp(ctx, req)
	case CmdSignIn:
		return s.signIn(ctx, session, req)
	case CmdUnknown:
		return Response{Status: StatusBadRequest, Message: "missing command"}
	}

	username, ok := s.authenticated(session, req.JWT)
	if !ok {
		return Response{Status: StatusUnauthorized, Message: "sign in first"}
	}

	switch req.Command {
	case CmdMakeOrder:
		return s.makeOrder(username, req)
	case CmdViewBalance:
		balance, err := s.market.Balance(username)
		if err != nil {
			return Response{Status: StatusError, Message: err.Error()}
		}
		return Response{Status: StatusBalance, Balance: &balance}
	case CmdViewActiveOrders:
		return Response{Status: StatusActiveOrders, Orders: newest(s.market.ActiveOrders(username), limit(req.Limit))}
	case CmdViewCompletedTrades:
		return Response{Status: StatusCompletedTrades, Orders: s.completedOf(username, limit(req.Limit))}
	case CmdViewQuoteHistory:
		return Response{Status: StatusQuoteHistory, Quotes: s.market.Quotes(limit(req.Limit))}
	case CmdCancelOrder:
		if !s.market.CancelOrder(username, req.OrderID, req.Side) {
			return Response{Status: StatusOrderNotFound, OrderID: req.OrderID}
		}
		return Response{Status: StatusOrderCancelled, OrderID: req.OrderID}
	default:
		return Response{Status: StatusBadRequest, Message: fmt.Sprintf("unknown command %d", req.Command)}
	}
}

func limit(requested uint64) int {
	if requested == 0 || requested > defaultHistoryLength {
		return defaultHistoryLength
	}
	return int(requested)
}

func (s *Server) signUp(ctx context.Context, req Request) Response {
	err := s.auth.SignUp(ctx, req.Username, req.Password)
	switch {
	case err == nil:
		return Response{Status: StatusSignUpSuccessful}
	case errors.Is(err, auth.ErrUsernameTaken):
		return Response{Status: StatusUsernameTaken}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return Response{Status: StatusBadRequest, Message: err.Error()}
	default:
		log.Error().Err(err).Str("username", req.Username).Msg("sign up failed")
		return Response{Status: StatusError, Message: "sign up failed"}
	}
}

func (s *Server) signIn(ctx context.Context, session *ClientSession, req Request) Response {
	token, err := s.auth.SignIn(ctx, req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return Response{Status: StatusInvalidCredentials}
	case err != nil:
		log.Error().Err(err).Str("username", req.Username).Msg("sign in failed")
		return Response{Status: StatusError, Message: "sign in failed"}
	}

	if !s.bindUser(session, req.Username) {
		return Response{Status: StatusAlreadyLoggedIn}
	}
	log.Info().
		Str("session", session.id.String()).
		Str("username", req.Username).
		Msg("user signed in")
	return Response{Status: StatusSignInSuccessful, JWT: token}
}

func (s *Server) makeOrder(username string, req Request) Response {
	if req.Order == nil {
		return Response{Status: StatusBadRequest, Message: "missing order"}
	}
	price, err := decimal.NewFromString(req.Order.Price)
	if err != nil {
		return Response{Status: StatusBadRequest, Message: fmt.Sprintf("bad price %q", req.Order.Price)}
	}

	order, err := s.market.SubmitOrder(username, req.Order.Side, price, req.Order.Quantity)
	switch {
	case err == nil:
		return Response{Status: StatusOrderCreated, OrderID: order.ID}
	case errors.Is(err, common.ErrInvalidOrder):
		return Response{Status: StatusBadRequest, Message: err.Error()}
	default:
		return Response{Status: StatusError, Message: err.Error()}
	}
}

// completedOf returns the user's orders among the n most recent completed
// orders the exchange retains.
func (s *Server) completedOf(username string, n int) []common.Order {
	var out []common.Order
	for _, order := range s.market.CompletedOrders(0) {
		if order.Owner == username {
			out = append(out, order)
		}
	}
	return newest(out, n)
}

// newest keeps the last n orders of a slice sorted oldest first. Replies stay
// well below MaxFrameSize.
func newest(orders []common.Order, n int) []common.Order {
	if len(orders) > n {
		return orders[len(orders)-n:]
	}
	return orders
}

// authenticated returns the session's user if the token was issued to them.
func (s *Server) authenticated(session *ClientSession, token string) (string, bool) {
	s.clientSessionsLock.Lock()
	username := session.username
	s.clientSessionsLock.Unlock()

	if username == "" {
		return "", false
	}
	if err := s.auth.Verify(token, username); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("rejected token")
		return "", false
	}
	return username, true
}

// bindUser signs a user into a session. A user may hold one live session and
// a session one user.
func (s *Server) bindUser(session *ClientSession, username string) bool {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if session.username != "" {
		return false
	}
	if _, ok := s.signedIn[username]; ok {
		return false
	}
	session.username = username
	s.signedIn[username] = session.id
	return true
}

// addClientSession is an atomic map add
func (s *Server) addClientSession(conn net.Conn) *ClientSession {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	session := &ClientSession{id: uuid.New(), conn: conn}
	s.clientSessions[session.id] = session
	return session
}

// deleteClientSession is an atomic map remove
func (s *Server) deleteClientSession(session *ClientSession) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if session.username != "" {
		delete(s.signedIn, session.username)
	}
	delete(s.clientSessions, session.id)
	if err := session.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Err(err).Str("session", session.id.String()).Msg("unable to close connection")
	}
	log.Info().Str("session", session.id.String()).Msg("client session closed")
}

func (s *Server) closeAllSessions() {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	for _, session := range s.clientSessions {
		_ = session.conn.Close()
	}
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	return len(s.clientSessions)
}
