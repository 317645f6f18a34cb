package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"netintercept/internal/logger"
	"netintercept/pkg/api"
	"netintercept/pkg/domain"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const writeWait = 10 * time.Second

// Config 服务配置
type Config struct {
	Addr        string
	Path        string
	MetricsPath string // 为空时不暴露指标
	Session     domain.SessionConfig
}

// Server WebSocket 协议服务，每条连接对应一个会话
type Server struct {
	svc      api.Service
	cfg      Config
	log      logger.Logger
	upgrader websocket.Upgrader
	srv      *http.Server
	conns    sync.WaitGroup

	mu     sync.Mutex
	active map[*conn]struct{}
}

// New 创建服务
func New(svc api.Service, cfg Config, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = "/session"
	}
	return &Server{
		svc: svc,
		cfg: cfg,
		log: l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 仅监听本机，放行所有来源
			CheckOrigin: func(*http.Request) bool { return true },
		},
		active: make(map[*conn]struct{}),
	}
}

// Handler 返回 HTTP 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleSession)
	if s.cfg.MetricsPath != "" {
		mux.Handle(s.cfg.MetricsPath, promhttp.Handler())
	}
	return mux
}

// ListenAndServe 开始监听，Shutdown 后返回 nil
func (s *Server) ListenAndServe() error {
	s.srv = &http.Server{Addr: s.cfg.Addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.log.Info("协议服务已启动", "addr", s.cfg.Addr, "path", s.cfg.Path)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止监听，断开全部连接并结束会话
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.mu.Lock()
	for c := range s.active {
		_ = c.ws.Close()
	}
	s.mu.Unlock()
	s.conns.Wait()
	s.svc.Close(ctx)
	return err
}

// conn 单条客户端连接，写操作串行化
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) close(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	_ = c.ws.Close()
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Session
	if t := r.URL.Query().Get("target"); t != "" {
		cfg.Target = t
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Err(err, "升级 WebSocket 连接失败", "remote", r.RemoteAddr)
		return
	}
	c := &conn{ws: ws}
	s.conns.Add(1)
	defer s.conns.Done()
	s.mu.Lock()
	s.active[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, c)
		s.mu.Unlock()
	}()

	// 升级后请求上下文会被取消，会话使用独立上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := s.svc.StartSession(ctx, cfg)
	if err != nil {
		s.log.Err(err, "启动会话失败", "remote", r.RemoteAddr)
		c.close(websocket.CloseInternalServerErr, "cannot start session")
		return
	}
	l := s.log.With("sessionID", string(id), "remote", r.RemoteAddr)
	l.Info("客户端已连接")

	evs, err := s.svc.Events(id)
	if err != nil {
		_ = s.svc.StopSession(ctx, id)
		c.close(websocket.CloseInternalServerErr, "cannot start session")
		return
	}
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for msg := range evs {
			data, err := json.Marshal(msg)
			if err != nil {
				l.Err(err, "编码事件失败", "method", msg.Method)
				continue
			}
			if err := c.write(data); err != nil {
				l.Debug("发送事件失败", "error", err.Error())
			}
		}
	}()

	s.readLoop(ctx, c, id, l)

	// 结束会话会关闭事件通道
	if err := s.svc.StopSession(ctx, id); err != nil {
		l.Err(err, "结束会话失败")
	}
	<-forwarded
	c.close(websocket.CloseNormalClosure, "")
	l.Info("客户端已断开")
}

func (s *Server) readLoop(ctx context.Context, c *conn, id domain.SessionID, l logger.Logger) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Warn("读取消息失败", "error", err.Error())
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		resp, err := s.svc.Execute(ctx, id, data)
		if err != nil {
			l.Err(err, "执行命令失败")
			return
		}
		if err := c.write(resp); err != nil {
			l.Debug("发送响应失败", "error", err.Error())
			return
		}
	}
}
