package server

import (
	"sync"

	"github.com/BetaCatPro/ws-relay/internal/protocol"
	"github.com/BetaCatPro/ws-relay/internal/realtime"
	"github.com/BetaCatPro/ws-relay/pkg/types"
)

// peer 一个已连接的客户端
type peer struct {
	socket *realtime.Socket
	topics map[string]bool // topic -> 是否接收自己发出的广播
}

// Registry 连接管理器
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

// NewRegistry 创建连接管理器
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*peer)}
}

// Add 添加连接
func (r *Registry) Add(s *realtime.Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[s.GetID()] = &peer{socket: s, topics: make(map[string]bool)}
}

// Remove 移除连接，不关闭 socket
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	delete(r.peers, id)
	return ok
}

// Join 连接加入主题
func (r *Registry) Join(id, topic string, self bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return false
	}
	p.topics[topic] = self
	return true
}

// Leave 连接离开主题
func (r *Registry) Leave(id, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		delete(p.topics, topic)
	}
}

// Joined 连接是否已加入主题
func (r *Registry) Joined(id, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return false
	}
	_, joined := p.topics[topic]
	return joined
}

// Broadcast 把帧发给主题内的连接，返回送达数量
func (r *Registry) Broadcast(topic, from string, env *protocol.Envelope) int {
	r.mu.RLock()
	targets := make([]*realtime.Socket, 0, len(r.peers))
	for id, p := range r.peers {
		self, joined := p.topics[topic]
		if !joined || (id == from && !self) {
			continue
		}
		targets = append(targets, p.socket)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if !s.IsConnected() {
			continue
		}
		if err := s.Push(env); err == nil {
			delivered++
		}
	}
	return delivered
}

// Count 连接数量
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// GetStats 获取连接统计信息
func (r *Registry) GetStats() types.ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := types.ConnectionStats{}
	for _, p := range r.peers {
		s := p.socket.GetStats()
		stats.ActiveConnections++
		stats.TotalMessages += s.TotalMessages
		stats.DroppedMessages += s.DroppedMessages
	}
	return stats
}

// CloseAll 关闭所有连接
func (r *Registry) CloseAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]*peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.socket.Close()
	}
}
