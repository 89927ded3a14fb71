package async

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOperationResolution(t *testing.T) {
	var op = NewOperation()

	select {
	case <-op.Done():
		require.FailNow(t, "operation should not be resolved")
	default:
	}

	var expect = errors.New("whoops")
	go func() {
		time.Sleep(5 * time.Millisecond)
		op.Resolve(expect)
	}()

	require.Equal(t, expect, op.Err())
	<-op.Done() // Remains selectable.
	require.Equal(t, expect, op.Err())
}

func TestFinishedOperation(t *testing.T) {
	require.NoError(t, FinishedOperation(nil).Err())
	require.EqualError(t, FinishedOperation(errors.New("err")).Err(), "err")
}

func ExampleOperation_Err() {
	var op = NewOperation()

	go func() {
		// Do async work.
		time.Sleep(10 * time.Millisecond)
		fmt.Println("Async routine completes.")
		op.Resolve(nil)
	}()

	fmt.Println("Pre-wait logic runs.")
	fmt.Println("Operation error:", op.Err())

	// Output:
	// Pre-wait logic runs.
	// Async routine completes.
	// Operation error: <nil>
}
