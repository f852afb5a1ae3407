// Package apiserver 提供协调器的 HTTP 服务面 (cmd/coordd):
// REST 路由覆盖身份/单向/会话/会议全部操作, /ws 推送事件总线。
package apiserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	coord "github.com/multi-agent/go-coord"
	"github.com/multi-agent/go-coord/internal/store"
	"github.com/multi-agent/go-coord/pkg/logger"
	"github.com/multi-agent/go-coord/pkg/util"
)

// Server 协调器 HTTP 服务。
type Server struct {
	router *gin.Engine
	coord  *coord.Coordinator
}

// New 创建 HTTP 服务。
func New(c *coord.Coordinator) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s := &Server{router: r, coord: c}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Run 阻塞监听。
func (s *Server) Run(addr string) error {
	logger.Infow("http server listening", logger.FieldAddr, addr)
	return s.router.Run(addr)
}

// registerRoutes 注册全部路由。
func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/ws", s.wsHandler)

	api := s.router.Group("/api")

	api.POST("/orgs", s.registerOrganization)
	api.POST("/agents", s.registerAgent)
	api.GET("/agents/:external_id", s.getAgent)
	api.GET("/agents/:external_id/unread", s.unreadMessages)

	api.POST("/oneway/send", s.oneWaySend)

	api.POST("/conversation/send-and-wait", s.sendAndWait)
	api.POST("/conversation/send-no-wait", s.sendNoWait)
	api.GET("/sessions/:id/messages", s.sessionHistory)
	api.POST("/sessions/end", s.endSession)

	api.POST("/meetings", s.createMeeting)
	api.GET("/meetings/:id", s.getMeeting)
	api.GET("/meetings/:id/participants", s.meetingParticipants)
	api.GET("/meetings/:id/messages", s.meetingHistory)
	api.GET("/meetings/:id/events", s.meetingEvents)
	api.POST("/meetings/:id/invite", s.meetingInvite)
	api.POST("/meetings/:id/join", s.meetingJoin)
	api.POST("/meetings/:id/start", s.meetingStart)
	api.POST("/meetings/:id/send", s.meetingSend)
	api.POST("/meetings/:id/yield", s.meetingYield)
	api.POST("/meetings/:id/leave", s.meetingLeave)
	api.POST("/meetings/:id/end", s.meetingEnd)
}

func (s *Server) health(c *gin.Context) {
	if err := s.coord.Pool().Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ========================================
// 身份
// ========================================

type registerOrgReq struct {
	ExternalID string `json:"external_id" binding:"required"`
	Name       string `json:"name"`
}

func (s *Server) registerOrganization(c *gin.Context) {
	var req registerOrgReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	org, err := s.coord.RegisterOrganization(c.Request.Context(), req.ExternalID, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, org)
}

type registerAgentReq struct {
	ExternalID    string `json:"external_id" binding:"required"`
	OrgExternalID string `json:"org_external_id" binding:"required"`
	Name          string `json:"name"`
}

func (s *Server) registerAgent(c *gin.Context) {
	var req registerAgentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	agent, err := s.coord.RegisterAgent(c.Request.Context(), req.ExternalID, req.OrgExternalID, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, agent)
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.coord.AgentByExternalID(c.Request.Context(), c.Param("external_id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, agent)
}

func (s *Server) unreadMessages(c *gin.Context) {
	msgs, err := s.coord.Conversation().Unread(c.Request.Context(), c.Param("external_id"), messageFilter(c))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, msgs)
}

// ========================================
// 单向
// ========================================

type oneWaySendReq struct {
	Sender     string         `json:"sender" binding:"required"`
	Recipients []string       `json:"recipients" binding:"required"`
	Content    map[string]any `json:"content"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) oneWaySend(c *gin.Context) {
	var req oneWaySendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ids, err := s.coord.OneWay().Send(c.Request.Context(), req.Sender, req.Recipients, req.Content, req.Metadata)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"message_ids": ids})
}

// ========================================
// 会话
// ========================================

type conversationSendReq struct {
	Sender     string         `json:"sender" binding:"required"`
	Recipient  string         `json:"recipient" binding:"required"`
	Content    map[string]any `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	TimeoutSec int            `json:"timeout_sec"`
}

func (s *Server) sendAndWait(c *gin.Context) {
	var req conversationSendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reply, err := s.coord.Conversation().SendAndWait(c.Request.Context(),
		req.Sender, req.Recipient, req.Content, time.Duration(req.TimeoutSec)*time.Second, req.Metadata)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"reply": reply})
}

func (s *Server) sendNoWait(c *gin.Context) {
	var req conversationSendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := s.coord.Conversation().SendNoWait(c.Request.Context(),
		req.Sender, req.Recipient, req.Content, req.Metadata)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"message_id": id})
}

func (s *Server) sessionHistory(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}
	msgs, err := s.coord.Conversation().History(c.Request.Context(), id, messageFilter(c))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, msgs)
}

type endSessionReq struct {
	AgentX string `json:"agent_x" binding:"required"`
	AgentY string `json:"agent_y" binding:"required"`
}

func (s *Server) endSession(c *gin.Context) {
	var req endSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.coord.Conversation().End(c.Request.Context(), req.AgentX, req.AgentY); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"ended": true})
}

// ========================================
// 会议
// ========================================

type createMeetingReq struct {
	Host            string `json:"host" binding:"required"`
	TurnDurationSec int    `json:"turn_duration_sec"`
}

func (s *Server) createMeeting(c *gin.Context) {
	var req createMeetingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := s.coord.Meeting().Create(c.Request.Context(), req.Host,
		time.Duration(req.TurnDurationSec)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, m)
}

func (s *Server) getMeeting(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}
	m, err := s.coord.Meeting().Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, m)
}

func (s *Server) meetingParticipants(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}
	ps, err := s.coord.Meeting().Participants(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, ps)
}

func (s *Server) meetingHistory(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}
	msgs, err := s.coord.Meeting().History(c.Request.Context(), id, messageFilter(c))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, msgs)
}

func (s *Server) meetingEvents(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}
	evs, err := s.coord.Meeting().Events(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, evs)
}

type meetingAgentReq struct {
	Agent string `json:"agent" binding:"required"`
}

// meetingAgentOp 会议 + agent 二元操作的公共骨架。
func (s *Server) meetingAgentOp(c *gin.Context, op func(ctx *gin.Context, id uuid.UUID, agent string) error) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}
	var req meetingAgentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := op(c, id, req.Agent); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"ok": true})
}

func (s *Server) meetingInvite(c *gin.Context) {
	s.meetingAgentOp(c, func(ctx *gin.Context, id uuid.UUID, agent string) error {
		return s.coord.Meeting().Invite(ctx.Request.Context(), id, agent)
	})
}

func (s *Server) meetingJoin(c *gin.Context) {
	s.meetingAgentOp(c, func(ctx *gin.Context, id uuid.UUID, agent string) error {
		return s.coord.Meeting().Join(ctx.Request.Context(), id, agent)
	})
}

func (s *Server) meetingStart(c *gin.Context) {
	s.meetingAgentOp(c, func(ctx *gin.Context, id uuid.UUID, agent string) error {
		return s.coord.Meeting().Start(ctx.Request.Context(), id, agent)
	})
}

func (s *Server) meetingYield(c *gin.Context) {
	s.meetingAgentOp(c, func(ctx *gin.Context, id uuid.UUID, agent string) error {
		return s.coord.Meeting().YieldTurn(ctx.Request.Context(), id, agent)
	})
}

func (s *Server) meetingLeave(c *gin.Context) {
	s.meetingAgentOp(c, func(ctx *gin.Context, id uuid.UUID, agent string) error {
		return s.coord.Meeting().Leave(ctx.Request.Context(), id, agent)
	})
}

func (s *Server) meetingEnd(c *gin.Context) {
	s.meetingAgentOp(c, func(ctx *gin.Context, id uuid.UUID, agent string) error {
		return s.coord.Meeting().End(ctx.Request.Context(), id, agent)
	})
}

type meetingSendReq struct {
	Sender   string         `json:"sender" binding:"required"`
	Content  map[string]any `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) meetingSend(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}
	var req meetingSendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := s.coord.Meeting().Send(c.Request.Context(), req.Sender, id, req.Content, req.Metadata)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, msg)
}

// ========================================
// 辅助
// ========================================

// pathUUID 解析 :id 路径参数, 非法时直接写 400。
func pathUUID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false,
			"error": gin.H{"code": "VALIDATION", "message": "invalid uuid in path"}})
		return uuid.Nil, false
	}
	return id, true
}

// messageFilter 从 query 读消息过滤条件。limit 夹在 [1, 1000]。
func messageFilter(c *gin.Context) store.MessageFilter {
	f := store.MessageFilter{
		MessageType: c.Query("message_type"),
		Search:      c.Query("q"),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = util.ClampInt(n, 1, 1000)
		}
	}
	return f
}
