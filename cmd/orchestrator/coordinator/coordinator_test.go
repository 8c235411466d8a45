package coordinator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swiftgrid/controlplane/common/repository"
)

func TestDropUnknownRun(t *testing.T) {
	wrapped := fmt.Errorf("run abc: %w", repository.ErrNotFound)
	assert.True(t, dropUnknownRun(wrapped))
	assert.True(t, dropUnknownRun(repository.ErrNotFound))

	// Anything else is transient and must not be swallowed.
	assert.False(t, dropUnknownRun(fmt.Errorf("failed to get run: connection refused")))
	assert.False(t, dropUnknownRun(context.DeadlineExceeded))
}
