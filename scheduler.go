package main

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type reloadable interface {
	Reload() error
	Disable()
}

// Scheduler runs the update pipeline at boot and then on the configured
// cron schedule, reloading the lookup storage after every replacement.
type Scheduler struct {
	config  *Config
	storage reloadable
	cron    *cron.Cron
	update  func(ctx context.Context, opts *UpdateOptions) (bool, error)

	ctx   context.Context
	entry cron.EntryID
	lock  sync.Mutex
}

var _ Synchronizer = &Scheduler{}

func NewScheduler(config *Config, storage reloadable) *Scheduler {
	return &Scheduler{
		config:  config,
		storage: storage,
		cron:    cron.New(),
		update:  UpdateGeoipDatabase,
		ctx:     context.Background(),
	}
}

// Start performs the boot-time update and schedules the periodic ones. A
// failed boot update is logged and disables lookups; it is not returned.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	if !s.config.HasCredentials() {
		logrus.Infof("no %s/%s configured, skipping geoip database updates", envAccountID, envLicenseKey)
		return nil
	}

	if _, err := s.UpdateNow(ctx, false); err != nil {
		logrus.Warnf("geoip database update failed, disabling geoip lookups: %v", err)
		s.storage.Disable()
		return nil
	}

	entry, err := s.cron.AddFunc(s.config.UpdateSchedule, s.runScheduled)
	if err != nil {
		return errors.Wrapf(err, "invalid update schedule %q", s.config.UpdateSchedule)
	}
	s.lock.Lock()
	s.entry = entry
	s.lock.Unlock()

	s.cron.Start()
	logrus.Infof("geoip database updates scheduled %q, next at %s", s.config.UpdateSchedule,
		s.NextScheduledUpdate().Format(time.RFC3339))

	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runScheduled() {
	if _, err := s.UpdateNow(s.ctx, false); err != nil {
		logrus.Warnf("scheduled geoip database update failed, keeping the current database: %v", err)
	}
}

func (s *Scheduler) UpdateNow(ctx context.Context, force bool) (bool, error) {
	if !s.config.HasCredentials() {
		return false, ErrNoCredentials
	}

	started := time.Now()
	updated, err := s.update(ctx, s.config.UpdateOptions(force))
	if err != nil {
		return false, err
	}
	if updated {
		logrus.Infof("geoip database updated in %v", time.Since(started))
		if err := s.storage.Reload(); err != nil {
			logrus.Warnf("geoip database updated but could not be reloaded: %v", err)
		}
	} else {
		logrus.Debug("geoip database is up to date")
	}

	return updated, nil
}

func (s *Scheduler) NextScheduledUpdate() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.entry == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) Metadata() (*Metadata, error) {
	return NewFileMetadataRepository(s.config.DataDir, s.config.EditionID).Load()
}
