// Package heartbeat logs a periodic one-line summary of the monitor.
package heartbeat

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"aqm-go/bus"
	"aqm-go/services/config"
	"aqm-go/services/poller"
	"aqm-go/store"
)

var topicConfigHeartbeat = config.Topic("heartbeat")

type Service struct {
	Store  *store.Store
	Logger *slog.Logger

	state poller.State
}

// Beat logs one summary line.
func (s *Service) Beat(log *slog.Logger) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	attrs := []any{"state", s.state, "heap", humanize.IBytes(ms.HeapInuse)}
	if s.Store != nil {
		st := s.Store.Stats()
		attrs = append(attrs,
			"samples", st.Count, "capacity", st.Capacity,
			"skips", st.Skips, "sanitized", st.Sanitized, "resets", st.Resets)
	}
	log.Info("heartbeat", attrs...)
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection, log *slog.Logger) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)
	stateSub := conn.Subscribe(poller.TopicState)
	defer conn.Unsubscribe(stateSub)

	// Stopped until a config message arrives.
	tick := time.NewTicker(time.Hour)
	tick.Stop()
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("heartbeat service stopping")
			return
		case <-tick.C:
			s.Beat(log)
		case msg, ok := <-stateSub.Channel():
			if !ok {
				return
			}
			if st, ok := msg.Payload.(poller.State); ok {
				s.state = st
			}
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			hc, ok := msg.Payload.(config.HeartbeatConfig)
			if !ok {
				continue
			}
			if hc.Interval <= 0 {
				tick.Stop()
				log.Debug("heartbeat disabled")
				continue
			}
			tick.Reset(hc.Interval)
			log.Debug("heartbeat interval set", "interval", hc.Interval)
		}
	}
}

// Start runs the service until ctx is done. The interval comes from the
// retained config/heartbeat message.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	go s.serviceLoop(ctx, conn, log.With("component", "heartbeat"))
	return nil
}
