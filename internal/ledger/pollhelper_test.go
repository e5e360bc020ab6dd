package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollFileResolvesWhenFileAppears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.json")

	type payload struct {
		Answer int `json:"answer"`
	}
	work := PollFile(path, true, func(data []byte) (payload, error) {
		var p payload
		return p, json.Unmarshal(data, &p)
	}, 10*time.Millisecond, 5*time.Second)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte(`{"answer":7}`), 0o644)
	}()

	got, err := work(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, got.Answer)

	_, serr := os.Stat(path)
	assert.True(t, os.IsNotExist(serr), "deleteAfter removes the file")
}

func TestPollFileTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.json")
	work := PollFile(path, false, func(data []byte) ([]byte, error) { return data, nil },
		10*time.Millisecond, 100*time.Millisecond)

	_, err := work(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestPollFileHonorsCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.json")
	work := PollFile(path, false, func(data []byte) ([]byte, error) { return data, nil },
		10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := work(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollFilesWaitsForAll(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, nil, 0o644))

	work := PollFiles([]string{a, b}, 10*time.Millisecond, 5*time.Second)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(b, nil, 0o644)
	}()

	paths, err := work(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, paths)
}

func TestPollUntil(t *testing.T) {
	calls := 0
	work := PollUntil(func(context.Context) (*int, error) {
		calls++
		if calls < 3 {
			return nil, nil
		}
		v := calls
		return &v, nil
	}, 5*time.Millisecond, 5*time.Second)

	got, err := work(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, *got)
}
