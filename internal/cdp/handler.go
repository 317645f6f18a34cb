package cdp

import (
	"context"
	"errors"

	cdpadapter "netintercept/internal/adapter/cdp"
	"netintercept/pkg/domain"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"
)

type streams struct {
	paused   fetch.RequestPausedClient
	auth     fetch.AuthRequiredClient
	failed   network.LoadingFailedClient
	finished network.LoadingFinishedClient
}

func (s *streams) close() {
	for _, c := range []rpcc.Stream{s.paused, s.auth, s.failed, s.finished} {
		if c != nil {
			c.Close()
		}
	}
}

// subscribe 订阅拦截与加载结束事件，并保证各流之间的到达顺序
func (m *Manager) subscribe() (*streams, error) {
	s := &streams{}
	var err error
	if s.paused, err = m.client.Fetch.RequestPaused(m.ctx); err != nil {
		return nil, err
	}
	if s.auth, err = m.client.Fetch.AuthRequired(m.ctx); err != nil {
		s.close()
		return nil, err
	}
	if s.failed, err = m.client.Network.LoadingFailed(m.ctx); err != nil {
		s.close()
		return nil, err
	}
	if s.finished, err = m.client.Network.LoadingFinished(m.ctx); err != nil {
		s.close()
		return nil, err
	}
	if err = cdp.Sync(s.paused, s.auth, s.failed, s.finished); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// consume 持续接收事件并按到达顺序交给 Sink
func (m *Manager) consume(s *streams) {
	defer close(m.done)
	defer s.close()

	m.log.Info("开始消费拦截事件流")
	for {
		var err error
		select {
		case <-m.ctx.Done():
			m.streamClosed(m.ctx.Err())
			return
		case <-s.paused.Ready():
			err = m.onPaused(s.paused)
		case <-s.auth.Ready():
			err = m.onAuth(s.auth)
		case <-s.failed.Ready():
			var ev *network.LoadingFailedReply
			if ev, err = s.failed.Recv(); err == nil {
				m.sink.TerminateNetwork(m.ctx, domain.NetworkID(ev.RequestID), ev.ErrorText)
			}
		case <-s.finished.Ready():
			var ev *network.LoadingFinishedReply
			if ev, err = s.finished.Recv(); err == nil {
				m.sink.FinishNetwork(m.ctx, domain.NetworkID(ev.RequestID))
			}
		}
		if err != nil {
			m.streamClosed(err)
			return
		}
	}
}

func (m *Manager) onPaused(c fetch.RequestPausedClient) error {
	ev, err := c.Recv()
	if err != nil {
		return err
	}
	phase, req, err := cdpadapter.FromRequestPaused(ev)
	if err != nil {
		m.log.Err(err, "转换拦截事件失败", "requestID", ev.RequestID)
		return nil
	}
	m.sink.HandlePhase(m.ctx, phase, req)
	return nil
}

func (m *Manager) onAuth(c fetch.AuthRequiredClient) error {
	ev, err := c.Recv()
	if err != nil {
		return err
	}
	req, err := cdpadapter.FromAuthRequired(ev)
	if err != nil {
		m.log.Err(err, "转换认证事件失败", "requestID", ev.RequestID)
		return nil
	}
	m.sink.HandlePhase(m.ctx, domain.PhaseAuthRequired, req)
	return nil
}

// streamClosed 事件流终止，所有暂停中的请求视为已终止
func (m *Manager) streamClosed(err error) {
	if errors.Is(err, context.Canceled) {
		m.log.Info("事件流已关闭")
	} else {
		m.log.Warn("事件流被中断", "error", err)
	}
	m.sink.TerminateAll(context.Background(), "channel closed")
}
