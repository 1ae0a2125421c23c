package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"anivpn/internal/model"
)

type monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop cancels the loop and waits for it to exit.
func (m *monitor) stop() {
	if m == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (s *Supervisor) startMonitor(conn *connection) *monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &monitor{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(m.done)
		s.watch(ctx, conn)
	}()
	return m
}

func (s *Supervisor) watch(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(s.opts.MonitorInterval)
	defer ticker.Stop()

	iface := conn.info.Interface
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.ifaces.IsAlive(ctx, iface) {
			if ctx.Err() != nil {
				return
			}
			s.linkLost(conn)
			return
		}

		sample := s.ifaces.ReadStatistics(ctx, iface)
		s.mu.Lock()
		if s.conn == conn {
			s.prev, s.last = s.last, sample
		}
		s.mu.Unlock()
	}
}

// linkLost moves Connected -> Failed(ErrLinkLost) -> Disconnected unless a
// disconnect got there first.
func (s *Supervisor) linkLost(conn *connection) {
	s.mu.Lock()
	if s.phase != Connected || s.conn != conn {
		s.mu.Unlock()
		return
	}
	last := s.last
	s.phase = Failed
	s.reason = ErrLinkLost
	s.mon = nil
	s.inflight = make(chan struct{})
	done := s.inflight
	s.mu.Unlock()

	s.log.Warnf("link %s lost, cleaning up", conn.info.Interface)
	err := s.cleanup(context.Background(), conn, last, ReasonLinkLost)
	if err != nil {
		s.log.Warnw("cleanup after link loss", zap.Error(err))
	}
	pending := s.pendingSnapshot()

	s.mu.Lock()
	s.phase = Disconnected
	s.reason = nil
	s.conn = nil
	s.prev, s.last = model.LinkStatistics{}, model.LinkStatistics{}
	s.lastErr = ErrLinkLost.Error()
	s.pendingRestore = pending
	close(done)
	s.mu.Unlock()
}

// rollback is a stack of undo steps for a partially applied connect.
type rollback []undoStep

type undoStep struct {
	step string
	fn   func(context.Context) error
}

func (r *rollback) push(step string, fn func(context.Context) error) {
	*r = append(*r, undoStep{step: step, fn: fn})
}

// run undoes the steps in reverse order. Failures are logged and never
// replace the error that triggered the rollback.
func (r rollback) run(ctx context.Context, log *zap.SugaredLogger) {
	for i := len(r) - 1; i >= 0; i-- {
		if err := r[i].fn(ctx); err != nil {
			log.Warnf("cleanup: undoing: %s failed: %v", r[i].step, err)
		}
	}
}
