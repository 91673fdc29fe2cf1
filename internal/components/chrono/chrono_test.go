package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStandardImpl(t *testing.T) {
	impl, err := NewStandardImpl()
	require.NoError(t, err)
	require.Equal(t, "Asia/Kolkata", impl.Location().String())

	_, offset := impl.Now().Zone()
	require.Equal(t, int((5*time.Hour + 30*time.Minute).Seconds()), offset)
}
