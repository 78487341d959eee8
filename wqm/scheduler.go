package main

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/itohio/wqm/pkg/calibration"
	"github.com/itohio/wqm/pkg/feed"
	"github.com/itohio/wqm/pkg/sensor"
)

// calibrationTick is how often a live calibration session is sampled.
const calibrationTick = time.Second

// uploader is the record delivery collaborator.
type uploader interface {
	Enabled() bool
	SendReading(ctx context.Context, r sensor.Reading) error
}

// scheduler is the single owner of the bus. Every bus transaction, including
// calibration requests arriving over HTTP, runs on its goroutine.
type scheduler struct {
	poller   *sensor.Poller
	engine   *calibration.Engine
	uploader uploader
	commands <-chan feed.Command

	readInterval   time.Duration
	uploadInterval time.Duration

	onRefresh func(ok bool)
	onUpload  func(err error)

	// refreshOK is the overall result of the last full refresh.
	refreshOK atomic.Bool
}

func (s *scheduler) run(ctx context.Context) {
	readTicker := time.NewTicker(s.readInterval)
	calTicker := time.NewTicker(calibrationTick)
	defer readTicker.Stop()
	defer calTicker.Stop()

	go s.uploadLoop(ctx)

	s.readTick()
	for {
		select {
		case <-ctx.Done():
			if s.engine.Active() {
				s.engine.Cancel()
			}
			return
		case <-readTicker.C:
			s.readTick()
		case <-calTicker.C:
			s.calibrationTick()
		case cmd := <-s.commands:
			cmd.Reply <- s.handle(cmd)
		}
	}
}

// readTick refreshes every channel unless a calibration session owns the bus.
func (s *scheduler) readTick() bool {
	if s.engine.Active() {
		return false
	}
	_, ok := s.poller.RefreshAll()
	s.refreshOK.Store(ok)
	if s.onRefresh != nil {
		s.onRefresh(ok)
	}
	return true
}

func (s *scheduler) calibrationTick() bool {
	if !s.engine.Active() {
		return false
	}
	s.engine.Update()
	return true
}

func (s *scheduler) handle(cmd feed.Command) feed.Result {
	switch cmd.Kind {
	case feed.BeginCalibration:
		instruction, ok := s.engine.Begin(cmd.Target)
		if !ok {
			if s.engine.Active() {
				return feed.Result{Error: calibration.ErrSessionActive.Error()}
			}
			return feed.Result{Error: "invalid calibration target"}
		}
		return feed.Result{OK: true, Instruction: instruction}
	case feed.CancelCalibration:
		s.engine.Cancel()
		return feed.Result{OK: true}
	}
	return feed.Result{Error: "unknown command"}
}

// uploadLoop posts the snapshot periodically. It only reads the snapshot, so
// it runs off the bus goroutine.
func (s *scheduler) uploadLoop(ctx context.Context) {
	if s.uploader == nil || !s.uploader.Enabled() {
		log.Printf("[upload] disabled")
		return
	}
	ticker := time.NewTicker(s.uploadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.upload(ctx)
		}
	}
}

// upload sends the snapshot only when the last full refresh succeeded on
// every channel. The record carries no error flags, so stale values stay
// local.
func (s *scheduler) upload(ctx context.Context) bool {
	if s.engine.Active() || !s.refreshOK.Load() {
		return false
	}
	r := s.poller.Snapshot()

	err := s.uploader.SendReading(ctx, r)
	if s.onUpload != nil {
		s.onUpload(err)
	}
	if err != nil {
		log.Printf("[upload] failed: %v", err)
		return false
	}
	log.Printf("[upload] sent %s", r.Timestamp)
	return true
}
