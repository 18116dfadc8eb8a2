package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rontubot/rondesk/internal/directive"
)

func TestRunOneshot(t *testing.T) {
	cfg := testConfig(`echo "$2 $3 $4"; echo "token=${RON_AUTH_TOKEN:-unset} port=${RON_CONTROL_PORT:-unset}"`)
	cfg.OneshotArgs = []string{"--oneshot"}
	s := New(cfg, nil)

	out, err := s.RunOneshot(context.Background(), StartConfig{Username: "ana", Token: "tok"},
		[]directive.Directive{{Action: "open_app"}})
	require.NoError(t, err)
	assert.Equal(t, "ana --exec {\"commands\":[{\"action\":\"open_app\"}]}\ntoken=tok port=unset", out)
	assert.Equal(t, StateNotStarted, s.Snapshot().Lifecycle, "one-shot runs do not touch the supervised state")
}

func TestRunOneshotFailure(t *testing.T) {
	s := New(testConfig(`echo nope >&2; exit 4`), nil)

	_, err := s.RunOneshot(context.Background(), StartConfig{}, []directive.Directive{{Action: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 4")
	assert.Contains(t, err.Error(), "nope")
}

func TestRunOneshotTimeout(t *testing.T) {
	cfg := testConfig(`exec sleep 30`)
	cfg.OneshotTimeout = 100 * time.Millisecond
	s := New(cfg, nil)

	start := time.Now()
	_, err := s.RunOneshot(context.Background(), StartConfig{}, []directive.Directive{{Action: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunOneshotLaunchError(t *testing.T) {
	cfg := testConfig("")
	cfg.Command = "/nonexistent/ron"
	s := New(cfg, nil)

	_, err := s.RunOneshot(context.Background(), StartConfig{}, []directive.Directive{{Action: "x"}})
	var le *LaunchError
	assert.True(t, errors.As(err, &le))
}
