// Package gatewaysrv is an in-memory SyncGateway: the authoritative
// store of sessions and entries behind the REST contract the gateway
// client speaks. It runs the same lifecycle machine and discrepancy
// detection as the client, so `sectorcount serve` and the integration
// tests exercise real server-side semantics.
package gatewaysrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
	"github.com/roach88/sectorcount/internal/gateway"
	"github.com/roach88/sectorcount/internal/metrics"
	"github.com/roach88/sectorcount/internal/recount"
)

type record struct {
	session  count.Session
	products []count.Product
	entries  []gateway.EntryDTO
}

func (r *record) active() []count.Entry {
	out := make([]count.Entry, 0, len(r.entries))
	for _, d := range r.entries {
		if d.State == gateway.EntryActive {
			out = append(out, d.Entry(r.session.ID))
		}
	}
	return out
}

func (r *record) find(id string) int {
	return slices.IndexFunc(r.entries, func(d gateway.EntryDTO) bool { return d.ID == id })
}

// Lifecycle is the state machine a server runs sessions through.
type Lifecycle interface {
	Apply(s count.Session, ev recount.Event) (count.Session, error)
	Admit(s count.Session, e count.Entry) error
}

// Server holds the authoritative state.
//
// Thread-safety: all methods and handlers are safe for concurrent use.
type Server struct {
	machine  Lifecycle
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
	adjuster recount.StockAdjuster
	token    string
	validate *validator.Validate

	mu       sync.Mutex
	sessions map[string]*record
	failures int
}

// Option configures a Server.
type Option func(*Server)

func WithMachine(m Lifecycle) Option {
	return func(s *Server) { s.machine = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStockAdjuster is invoked once per session on entering FINALIZED.
func WithStockAdjuster(a recount.StockAdjuster) Option {
	return func(s *Server) { s.adjuster = a }
}

// WithToken requires a matching bearer token on every request.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		machine:  recount.NewMachine(0),
		now:      time.Now,
		logger:   slog.Default(),
		validate: validator.New(),
		sessions: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InjectFailures makes the next n requests fail with 503.
func (s *Server) InjectFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// Create registers a session directly, bypassing HTTP.
func (s *Server) Create(req gateway.CreateSessionRequest) (count.Session, error) {
	if err := s.validate.Struct(req); err != nil {
		return count.Session{}, count.NewValidationError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[req.ID]; ok {
		return count.Session{}, count.NewConflictError(req.ID, "session already exists")
	}
	ids := make([]string, 0, len(req.Products))
	for _, p := range req.Products {
		if slices.Contains(ids, p.ID) {
			return count.Session{}, count.NewValidationError("duplicate product " + p.ID)
		}
		ids = append(ids, p.ID)
	}
	sess := count.NewSession(req.ID, req.SectorID, req.Operators, ids)
	sess.UpdatedAt = s.now()
	s.sessions[req.ID] = &record{session: sess, products: slices.Clone(req.Products)}
	s.logger.Info("session created", "session", req.ID, "sector", req.SectorID, "products", len(ids))
	return sess.Clone(), nil
}

// Session returns the stored session.
func (s *Server) Session(id string) (count.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	if !ok {
		return count.Session{}, false
	}
	return r.session.Clone(), true
}

// Entries returns every stored entry of the session, tombstones included.
func (s *Server) Entries(id string) []gateway.EntryDTO {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return slices.Clone(r.entries)
}

// Handler returns the HTTP handler serving the gateway routes.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())
	s.Register(router.Group(""))
	return router
}

// Register mounts the gateway routes on rg.
func (s *Server) Register(rg *gin.RouterGroup) {
	rg.Use(s.injectFailures(), s.authenticate())

	rg.POST("/sectors", s.handleCreate)
	sectors := rg.Group("/sectors/:id")
	sectors.GET("", s.handleGet)
	sectors.GET("/products", s.handleProducts)
	sectors.POST("/start", s.handleStart)
	sectors.POST("/submit", s.handleSubmit)
	sectors.GET("/entries", s.handleListEntries)
	sectors.POST("/entries", s.handleUpsertEntry)
	sectors.PUT("/entries/:entryId", s.handleUpdateEntry)
	sectors.DELETE("/entries/:entryId", s.handleDeleteEntry)
	sectors.GET("/discrepancies", s.handleDiscrepancies)
	sectors.POST("/recount", s.handleRecount)
	sectors.POST("/finalize", s.handleFinalize)
	sectors.POST("/cancel", s.handleCancel)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("gateway request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) injectFailures() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		fail := s.failures > 0
		if fail {
			s.failures--
		}
		s.mu.Unlock()
		if fail {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gateway.ErrorResponse{Error: gateway.ErrorBody{
				Code:    string(count.KindTransient),
				Message: "injected failure",
			}})
			return
		}
		c.Next()
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token != "" && c.GetHeader("Authorization") != "Bearer "+s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gateway.ErrorResponse{Error: gateway.ErrorBody{
				Code:    "UNAUTHORIZED",
				Message: "missing or invalid bearer token",
			}})
			return
		}
		c.Next()
	}
}

// writeError maps a count error onto its HTTP status.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := count.KindOf(err)
	switch kind {
	case count.KindValidation:
		status = http.StatusUnprocessableEntity
	case count.KindConflict, count.KindEscalated:
		status = http.StatusConflict
	case count.KindNotFound:
		status = http.StatusNotFound
	case count.KindTransient:
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	var ce *count.Error
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	c.JSON(status, gateway.ErrorResponse{Error: gateway.ErrorBody{Code: string(kind), Message: msg}})
}

func (s *Server) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gateway.ErrorResponse{Error: gateway.ErrorBody{
			Code:    string(count.KindValidation),
			Message: "invalid request body: " + err.Error(),
		}})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gateway.ErrorResponse{Error: gateway.ErrorBody{
			Code:    string(count.KindValidation),
			Message: err.Error(),
		}})
		return false
	}
	return true
}

// locked runs fn on the session record under the server lock.
func (s *Server) locked(c *gin.Context, fn func(r *record) error) bool {
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.sessions[id]
	if !ok {
		writeError(c, count.NewNotFoundError(id, "unknown session"))
		return false
	}
	if err := fn(r); err != nil {
		writeError(c, err)
		return false
	}
	return true
}

// apply runs ev through the machine and stores the result.
func (s *Server) apply(ctx context.Context, r *record, ev recount.Event) error {
	next, err := s.machine.Apply(r.session, ev)
	if err != nil {
		return err
	}
	s.commit(ctx, r, next)
	return nil
}

// commit stores next as the session. Entering FINALIZED invokes the stock
// adjuster.
func (s *Server) commit(ctx context.Context, r *record, next count.Session) {
	prev := r.session
	next.UpdatedAt = s.now()
	r.session = next.WithProgress(r.active())
	s.metrics.Transition(string(prev.State), string(next.State))
	if prev.State != next.State {
		s.logger.Info("session transition", "session", next.ID, "from", prev.State, "to", next.State, "round", next.Round)
	}

	if next.State == count.StateFinalized && prev.State != count.StateFinalized && s.adjuster != nil {
		result := discrepancy.Sorted(discrepancy.DetectFor(r.active(), next.ProductIDs))
		if err := s.adjuster.AdjustStock(ctx, r.session.Clone(), result); err != nil {
			s.logger.Error("stock adjustment failed", "session", next.ID, "error", err)
		}
	}
}

func (s *Server) respond(c *gin.Context, status int, r *record) {
	c.JSON(status, gateway.SessionResponse{Session: r.session.Clone(), Products: slices.Clone(r.products)})
}

func (s *Server) handleCreate(c *gin.Context) {
	var req gateway.CreateSessionRequest
	if !s.bind(c, &req) {
		return
	}
	sess, err := s.Create(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gateway.SessionResponse{Session: sess, Products: req.Products})
}

func (s *Server) handleGet(c *gin.Context) {
	s.locked(c, func(r *record) error {
		s.respond(c, http.StatusOK, r)
		return nil
	})
}

func (s *Server) handleProducts(c *gin.Context) {
	s.locked(c, func(r *record) error {
		c.JSON(http.StatusOK, gin.H{"products": slices.Clone(r.products)})
		return nil
	})
}

func (s *Server) handleStart(c *gin.Context) {
	var req gateway.StartRequest
	if !s.bind(c, &req) {
		return
	}
	s.locked(c, func(r *record) error {
		if err := s.apply(c.Request.Context(), r, recount.Open(req.Slot, req.Operator)); err != nil {
			return err
		}
		s.respond(c, http.StatusOK, r)
		return nil
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req gateway.SubmitRequest
	if !s.bind(c, &req) {
		return
	}
	s.locked(c, func(r *record) error {
		if missing := recount.Uncovered(r.session, req.Slot, r.active()); len(missing) > 0 {
			err := count.NewConflictError(r.session.ID, fmt.Sprintf("slot %d has not counted %v", req.Slot, missing))
			err.Slot = req.Slot
			return err
		}
		// The submit and the detection it completes land together or not at all.
		next, err := s.machine.Apply(r.session, recount.Submit(req.Slot))
		if err != nil {
			return err
		}
		if next.BothSubmitted() {
			disputed := discrepancy.Disputed(discrepancy.DetectFor(r.active(), recount.Scope(next)))
			ev := recount.Detected(disputed)
			if next.State == count.StateRecount {
				ev = recount.RecountResolved(disputed)
			}
			if next, err = s.machine.Apply(next, ev); err != nil {
				return err
			}
		}
		s.commit(c.Request.Context(), r, next)
		s.respond(c, http.StatusOK, r)
		return nil
	})
}

func (s *Server) handleListEntries(c *gin.Context) {
	s.locked(c, func(r *record) error {
		c.JSON(http.StatusOK, gateway.EntriesResponse{Entries: slices.Clone(r.entries)})
		return nil
	})
}

func (s *Server) handleUpsertEntry(c *gin.Context) {
	var req gateway.UpsertEntryRequest
	if !s.bind(c, &req) {
		return
	}
	s.locked(c, func(r *record) error {
		e := count.Entry{
			SessionID: r.session.ID,
			ProductID: req.ProductID,
			Slot:      req.Slot,
			Round:     req.Round,
			Line:      req.Line,
			Quantity:  req.Quantity,
			Formula:   req.Formula,
		}
		if err := s.machine.Admit(r.session, e); err != nil {
			return err
		}

		i := slices.IndexFunc(r.entries, func(d gateway.EntryDTO) bool {
			return d.State == gateway.EntryActive && d.ProductID == req.ProductID &&
				d.Slot == req.Slot && d.Round == req.Round && d.Line == req.Line
		})
		status, created := http.StatusOK, false
		if i >= 0 {
			r.entries[i].Quantity = req.Quantity
			r.entries[i].Formula = req.Formula
		} else {
			createdAt := req.CreatedAt
			if createdAt.IsZero() {
				createdAt = s.now()
			}
			r.entries = append(r.entries, gateway.EntryDTO{
				ID:        uuid.Must(uuid.NewV7()).String(),
				ProductID: req.ProductID,
				Slot:      req.Slot,
				Round:     req.Round,
				Line:      req.Line,
				Quantity:  req.Quantity,
				Formula:   req.Formula,
				State:     gateway.EntryActive,
				CreatedAt: createdAt,
			})
			i = len(r.entries) - 1
			status, created = http.StatusCreated, true
		}
		r.session = r.session.WithProgress(r.active())
		c.JSON(status, gateway.UpsertEntryResponse{Entry: r.entries[i], Created: created})
		return nil
	})
}

func (s *Server) activeEntry(r *record, id string) (int, error) {
	i := r.find(id)
	if i < 0 || r.entries[i].State != gateway.EntryActive {
		return -1, count.NewNotFoundError(r.session.ID, "no entry "+id)
	}
	return i, nil
}

func (s *Server) handleUpdateEntry(c *gin.Context) {
	var req gateway.UpdateEntryRequest
	if !s.bind(c, &req) {
		return
	}
	s.locked(c, func(r *record) error {
		i, err := s.activeEntry(r, c.Param("entryId"))
		if err != nil {
			return err
		}
		if err := s.machine.Admit(r.session, r.entries[i].Entry(r.session.ID)); err != nil {
			return err
		}
		r.entries[i].Quantity = req.Quantity
		r.entries[i].Formula = req.Formula
		r.session = r.session.WithProgress(r.active())
		c.JSON(http.StatusOK, gateway.EntryResponse{Entry: r.entries[i]})
		return nil
	})
}

// handleDeleteEntry tombstones the entry. Deleting a tombstone again
// succeeds so a retried request is harmless.
func (s *Server) handleDeleteEntry(c *gin.Context) {
	s.locked(c, func(r *record) error {
		i := r.find(c.Param("entryId"))
		if i < 0 {
			return count.NewNotFoundError(r.session.ID, "no entry "+c.Param("entryId"))
		}
		if r.entries[i].State == gateway.EntryDeleted {
			c.Status(http.StatusNoContent)
			return nil
		}
		if err := s.machine.Admit(r.session, r.entries[i].Entry(r.session.ID)); err != nil {
			return err
		}
		r.entries[i].State = gateway.EntryDeleted
		r.session = r.session.WithProgress(r.active())
		c.Status(http.StatusNoContent)
		return nil
	})
}

func (s *Server) handleDiscrepancies(c *gin.Context) {
	s.locked(c, func(r *record) error {
		if !r.session.Revealed(r.session.Round) {
			return count.NewConflictError(r.session.ID,
				fmt.Sprintf("slot totals stay hidden until both slots submit round %d", r.session.Round))
		}
		m := discrepancy.DetectFor(r.active(), recount.Scope(r.session))
		c.JSON(http.StatusOK, gateway.DiscrepanciesResponse{
			Round:    r.session.Round,
			Items:    discrepancy.Sorted(m),
			Disputed: discrepancy.Disputed(m),
		})
		return nil
	})
}

func (s *Server) lifecycle(ev func(c *gin.Context) (recount.Event, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, ok := ev(c)
		if !ok {
			return
		}
		s.locked(c, func(r *record) error {
			if err := s.apply(c.Request.Context(), r, e); err != nil {
				return err
			}
			s.respond(c, http.StatusOK, r)
			return nil
		})
	}
}

func (s *Server) handleRecount(c *gin.Context) {
	s.lifecycle(func(*gin.Context) (recount.Event, bool) { return recount.EnterRecount(), true })(c)
}

func (s *Server) handleFinalize(c *gin.Context) {
	s.lifecycle(func(c *gin.Context) (recount.Event, bool) {
		var req gateway.FinalizeRequest
		if c.Request.ContentLength != 0 && !s.bind(c, &req) {
			return recount.Event{}, false
		}
		return recount.Finalize(req.Force), true
	})(c)
}

func (s *Server) handleCancel(c *gin.Context) {
	s.lifecycle(func(*gin.Context) (recount.Event, bool) { return recount.Cancel(), true })(c)
}
