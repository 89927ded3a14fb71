package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstFailureCancelsGroup(t *testing.T) {
	var g = NewGroup(context.Background())

	g.Queue("waits", func() error {
		<-g.Context().Done()
		return nil
	})
	g.Queue("fails", func() error { return errors.New("whoops") })
	g.Start()

	require.EqualError(t, g.Wait(), "fails: whoops")
	require.Error(t, g.Context().Err())
}

func TestQueueAfterStartRunsImmediately(t *testing.T) {
	var g = NewGroup(context.Background())
	g.Start()

	var ran = make(chan struct{})
	g.Queue("late", func() error {
		close(ran)
		return nil
	})
	<-ran

	require.NoError(t, g.Wait())
}

func TestCancelStopsTasks(t *testing.T) {
	var g = NewGroup(context.Background())
	for _, desc := range []string{"one", "two"} {
		g.Queue(desc, func() error {
			<-g.Context().Done()
			return nil
		})
	}
	g.Start()
	g.Cancel()

	require.NoError(t, g.Wait())
}

func TestStartAndWaitMisuse(t *testing.T) {
	var g = NewGroup(context.Background())
	require.Panics(t, func() { _ = g.Wait() })

	g.Start()
	require.Panics(t, g.Start)
	require.NoError(t, g.Wait())
}
