package server

import (
	"fmt"
	"time"

	"github.com/ocpp-balanz/balanz/balanz"
	"github.com/ocpp-balanz/balanz/internal"
	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/models"
)

// Watchdog drops chargers that have gone silent and reaps transactions whose
// charger never came back.
type Watchdog struct {
	registry *models.Registry
	server   *Server
	loop     *balanz.Loop
	logger   internal.LogHandler

	interval           time.Duration
	stale              time.Duration
	transactionTimeout time.Duration

	stop chan struct{}
}

func NewWatchdog(conf *config.Config, registry *models.Registry, server *Server, loop *balanz.Loop, logger internal.LogHandler) *Watchdog {
	return &Watchdog{
		registry:           registry,
		server:             server,
		loop:               loop,
		logger:             logger,
		interval:           time.Duration(conf.Listen.WatchdogInterval) * time.Second,
		stale:              time.Duration(conf.Listen.WatchdogStale) * time.Second,
		transactionTimeout: time.Duration(conf.Csms.TransactionTimeout) * time.Second,
		stop:               make(chan struct{}),
	}
}

func (w *Watchdog) Start() {
	go w.run()
}

func (w *Watchdog) Stop() {
	close(w.stop)
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.runOnce()
		}
	}
}

func (w *Watchdog) runOnce() {
	changed := false

	for _, chargerId := range w.registry.DeadChargers(w.stale) {
		w.logger.Warn(fmt.Sprintf("watchdog saw no activity from %s for over %s, dropping connection", chargerId, w.stale))
		w.server.DropClient(chargerId)
		w.registry.MarkChargerDead(chargerId)
		changed = true
	}

	for _, session := range w.registry.ReapStaleTransactions(w.transactionTimeout) {
		w.logger.Warn(fmt.Sprintf("force-closed stale session %s on %s", session.SessionId, session.ChargerId))
		changed = true
	}

	if changed && w.loop != nil {
		w.loop.Wake()
	}
}
