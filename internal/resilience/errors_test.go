package resilience

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCauseAndDefaults(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorage, cause, "write products")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindStorage, err.Kind())
	assert.Equal(t, SeverityHigh, err.Severity())
	assert.Equal(t, "storage: write products: disk full", err.Error())
}

func TestKindOfFindsClassifiedErrorThroughWrapping(t *testing.T) {
	err := fmt.Errorf("checkout: %w", New(KindBusiness, "insufficient payment"))

	assert.Equal(t, KindBusiness, KindOf(err))
	assert.Equal(t, SeverityMedium, SeverityOf(err))
	assert.True(t, IsKind(err, KindBusiness))

	assert.Equal(t, KindSystem, KindOf(errors.New("boom")))
	assert.Equal(t, SeverityHigh, SeverityOf(errors.New("boom")))
}

func TestWithContextAndSeverity(t *testing.T) {
	err := New(KindNetwork, "timeout").WithSeverity(SeverityLow).WithContext("op", "refresh")

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, SeverityLow, e.Severity())
	assert.Equal(t, map[string]any{"op": "refresh"}, e.Context())
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
}

func TestMetadataForUnknownKindFallsBackToSystem(t *testing.T) {
	assert.Equal(t, MetadataFor(KindSystem), MetadataFor(Kind("weird")))
}
