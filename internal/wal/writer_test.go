package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/paylane/inference-gateway/internal/clockid"
)

func (s *WALSuite) TestWriterAppendsAndReplays() {
	lock := s.newLock("instance-1")
	require.NoError(s.T(), lock.Acquire(s.ctx, nil))
	defer lock.Release(s.ctx)

	dir := s.T().TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := OpenWriter(path, lock, clockid.SystemClock{}, zerolog.Nop())
	s.Require().NoError(err)
	defer w.Close()

	e1, err := w.Append(s.ctx, "reserve", map[string]any{"n": 1})
	s.Require().NoError(err)
	s.Equal(int64(0), e1.PrevOffset)

	e2, err := w.Append(s.ctx, "finalize", map[string]any{"n": 2})
	s.Require().NoError(err)
	s.Equal(e1.PrevOffset+int64(len(mustEncode(s.T(), e1))), e2.PrevOffset)

	f, err := os.Open(path)
	s.Require().NoError(err)
	defer f.Close()

	var replayed []Entry
	count, err := Stream(f, func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	s.Require().NoError(err)
	s.Equal(2, count)
	s.Equal(e1.EntryID, replayed[0].EntryID)
	s.Equal(e2.EntryID, replayed[1].EntryID)
}

func (s *WALSuite) TestWriterAppendFailsAfterLockLost() {
	lock := s.newLock("instance-1")
	require.NoError(s.T(), lock.Acquire(s.ctx, nil))

	dir := s.T().TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := OpenWriter(path, lock, clockid.SystemClock{}, zerolog.Nop())
	s.Require().NoError(err)
	defer w.Close()

	s.Require().NoError(lock.Release(s.ctx))

	_, err = w.Append(s.ctx, "reserve", map[string]any{"n": 1})
	s.Error(err)
}

func (s *WALSuite) TestWriterAppendFailsOnStaleFence() {
	lock1 := s.newLock("instance-1")
	require.NoError(s.T(), lock1.Acquire(s.ctx, nil))
	defer lock1.Release(s.ctx)

	dir := s.T().TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := OpenWriter(path, lock1, clockid.SystemClock{}, zerolog.Nop())
	s.Require().NoError(err)
	defer w.Close()

	// Simulate a newer writer advancing the fence counter past lock1's
	// cached token without going through lock1 itself.
	_, err = s.store.FenceTokenCAS(s.ctx, "fence:wal", 99)
	s.Require().NoError(err)

	_, err = w.Append(s.ctx, "reserve", map[string]any{"n": 1})
	s.Error(err)
}

func mustEncode(t *testing.T, e Entry) []byte {
	t.Helper()
	line, err := e.encode()
	require.NoError(t, err)
	return line
}
