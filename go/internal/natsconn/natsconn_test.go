package natsconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStreamConfig(t *testing.T) {
	cfg := DefaultConfig()
	sc := StreamConfig(cfg)

	assert.Equal(t, "MODULITH_EVENTS", sc.Name)
	assert.Equal(t, []string{"events.>"}, sc.Subjects)
	assert.Equal(t, 2*time.Hour, sc.Duplicates)
	assert.True(t, StreamConfigEqual(sc, StreamConfig(cfg)))

	cfg.MaxAge = time.Hour
	assert.False(t, StreamConfigEqual(sc, StreamConfig(cfg)))
}
