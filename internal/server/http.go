package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/josedab/pocket-go/internal/protocol"
)

// Handler wires the USP server into a Gin router.
type Handler struct {
	srv *Server
}

// NewHandler creates a Handler around srv.
func NewHandler(srv *Server) *Handler {
	return &Handler{srv: srv}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	// Request/response transport: one envelope per POST.
	r.POST("/usp/message", h.Message)

	// Streaming transport: envelopes over a long-lived websocket.
	r.GET("/usp/ws", h.WebSocket)

	// Health check, useful for load balancers and readiness probes.
	r.GET("/health", h.Health)
}

// Message handles POST /usp/message.
func (h *Handler) Message(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env, perr := protocol.ParseEnvelope(raw)
	if perr != nil {
		id := ""
		if env != nil {
			id = env.ID
		}
		c.JSON(http.StatusOK, perr.Reply(id))
		return
	}
	c.JSON(http.StatusOK, h.srv.Handle(env))
}

// WebSocket handles GET /usp/ws: accept, then answer every inbound envelope
// on the same connection.
func (h *Handler) WebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks belong to the deployment proxy
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(32 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "server closing")

	ctx := c.Request.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		env, perr := protocol.ParseEnvelope(data)
		var reply *protocol.Envelope
		if perr != nil {
			id := ""
			if env != nil {
				id = env.ID
			}
			reply = perr.Reply(id)
		} else {
			reply = h.srv.Handle(env)
		}

		out, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		if err := h.writeFrame(ctx, conn, out); err != nil {
			return
		}
	}
}

func (h *Handler) writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	return conn.Write(ctx, websocket.MessageText, data)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node":   h.srv.nodeID,
		"status": "ok",
	})
}

// NewRouter builds a release-mode Gin engine with the standard middleware
// and all USP routes mounted.
func NewRouter(srv *Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(Logger(srv.log), Recovery(srv.log))
	NewHandler(srv).Register(r)
	return r
}
