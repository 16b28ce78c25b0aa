package main

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	reloads  int
	disabled bool
}

func (f *fakeStorage) Reload() error { f.reloads++; return nil }
func (f *fakeStorage) Disable() { f.disabled = true }

func newTestScheduler(t *testing.T, storage *fakeStorage) *Scheduler {
	conf := DefaultConfig()
	conf.DataDir = t.TempDir()
	conf.AccountID = testAccountID
	conf.LicenseKey = testLicenseKey
	return NewScheduler(conf, storage)
}

func TestSchedulerWithoutCredentials(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestScheduler(t, storage)
	s.config.LicenseKey = ""
	s.update = func(context.Context, *UpdateOptions) (bool, error) {
		t.Fatal("update must not run without credentials")
		return false, nil
	}

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.False(t, storage.disabled)
	assert.True(t, s.NextScheduledUpdate().IsZero())
	_, err := s.UpdateNow(context.Background(), false)
	assert.True(t, errors.Is(err, ErrNoCredentials))
}

func TestSchedulerBootFailureDisablesLookups(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestScheduler(t, storage)
	s.update = func(context.Context, *UpdateOptions) (bool, error) {
		return false, &StatusError{Op: "HEAD check", StatusCode: 401}
	}

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.True(t, storage.disabled)
	assert.True(t, s.NextScheduledUpdate().IsZero())
}

func TestSchedulerBootUpdate(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestScheduler(t, storage)
	var forced []bool
	s.update = func(ctx context.Context, opts *UpdateOptions) (bool, error) {
		assert.Equal(t, testEdition, opts.EditionID)
		forced = append(forced, opts.Force)
		return true, nil
	}

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 1, storage.reloads)
	assert.False(t, storage.disabled)
	assert.False(t, s.NextScheduledUpdate().IsZero())

	updated, err := s.UpdateNow(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, []bool{false, true}, forced)
	assert.Equal(t, 2, storage.reloads)
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := newTestScheduler(t, &fakeStorage{})
	s.config.UpdateSchedule = "every now and then"
	s.update = func(context.Context, *UpdateOptions) (bool, error) { return false, nil }

	assert.Error(t, s.Start(context.Background()))
}

func TestSchedulerMetadata(t *testing.T) {
	s := newTestScheduler(t, &fakeStorage{})

	meta, err := s.Metadata()
	require.NoError(t, err)
	assert.Nil(t, meta)

	require.NoError(t, NewFileMetadataRepository(s.config.DataDir, s.config.EditionID).Save(&Metadata{EditionID: testEdition}))
	meta, err = s.Metadata()
	require.NoError(t, err)
	assert.Equal(t, testEdition, meta.EditionID)
}
