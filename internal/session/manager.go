package session

import (
	"sync"

	"netintercept/internal/logger"
	"netintercept/pkg/domain"
)

// Manager 全局会话管理器
type Manager struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[domain.SessionID]*Session),
		log:      l,
	}
}

// Create 创建并注册新会话，ID 已存在时返回 false
func (m *Manager) Create(cfg Config) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[cfg.ID]; ok {
		return nil, false
	}
	if cfg.Logger == nil {
		cfg.Logger = m.log
	}
	s := New(cfg)
	m.sessions[cfg.ID] = s
	m.log.Info("创建业务会话", "sessionID", string(cfg.ID))
	return s, true
}

// Get 获取会话
func (m *Manager) Get(id domain.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete 注销会话并返回它，由调用方负责关闭
func (m *Manager) Delete(id domain.SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	delete(m.sessions, id)
	m.log.Info("销毁业务会话", "sessionID", string(id))
	return s, true
}

// List 返回所有活动会话
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}
