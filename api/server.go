// Package api serves the network over HTTP.
package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/haormj/cnn/cnn"
	"github.com/haormj/cnn/logger"
	"github.com/haormj/cnn/session"
)

// Computer runs one input through the network. *session.Session
// implements it.
type Computer interface {
	Compute(in *cnn.InputMatrix) (cnn.OutputVec, error)
	ID() string
	Device() string
}

type Server struct {
	computer Computer
	backend  string
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(computer Computer, backend string, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		computer: computer,
		backend:  backend,
		log:      log,
		clock:    time.Now,
	}
}

// MaxInferBody caps /v1/infer request bodies. A 100x100 image of
// full-precision floats is about 160 KB of JSON.
const MaxInferBody = 512 << 10

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/infer", s.handleInfer, middleware.BodyLimit(MaxInferBody), s.requestLogger)
	e.GET("/v1/device", s.handleDevice)
}

// requestLogger assigns the request id and carries a logger tagged with it
// in the request context.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := "infer_" + uuid.NewString()
		req := c.Request()
		c.SetRequest(req.WithContext(logger.WithContext(req.Context(), s.log.With("id", id))))
		c.Set(requestIDKey, id)
		return next(c)
	}
}

const requestIDKey = "request_id"

func (s *Server) handleInfer(c *echo.Context) error {
	if s.computer == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "no session configured")
	}
	req, err := decodeJSON[InferRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	in, err := cnn.InputFromRows(req.Input)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	id, _ := c.Get(requestIDKey).(string)
	log := logger.FromContext(c.Request().Context())
	start := s.clock()
	out, err := s.computer.Compute(in)
	if err != nil {
		log.Error("inference failed", "err", err)
		if errors.Is(err, session.ErrInvalidInput) {
			return writeBadRequest(c, err.Error())
		}
		if errors.Is(err, session.ErrClosed) {
			return writeError(c, http.StatusServiceUnavailable, "unavailable_error", err.Error())
		}
		return writeError(c, http.StatusInternalServerError, "device_error", err.Error())
	}
	log.Debug("inference done", "took", s.clock().Sub(start))

	return c.JSON(http.StatusOK, InferResponse{
		ID:     id,
		Output: append([]float32(nil), out[:]...),
		Argmax: out.Argmax(),
	})
}

func (s *Server) handleDevice(c *echo.Context) error {
	if s.computer == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "no session configured")
	}
	return c.JSON(http.StatusOK, DeviceResponse{
		Backend: s.backend,
		Device:  s.computer.Device(),
		Session: s.computer.ID(),
	})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
