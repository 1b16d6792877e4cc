package preview

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/razvandimescu/livemd/internal/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileEditReachesBrowser(t *testing.T) {
	detector := watch.New(log.New(io.Discard), 20*time.Millisecond)
	env := newTestEnv(t, func(o *Options) {
		o.Detector = detector
	})
	ctx := context.Background()
	path := createTestMarkdownFile(t, env.dir, "notes.md", "# Draft")

	url, err := env.manager.Open(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, detector.Active())
	before := checkUpdate(t, url)

	require.NoError(t, os.WriteFile(path, []byte("# Final"), 0644))

	require.Eventually(t, func() bool {
		return checkUpdate(t, url) > before
	}, 3*time.Second, 25*time.Millisecond)

	_, _, body := fetch(t, url)
	assert.Contains(t, body, "Final")

	_, err = env.manager.Close(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, detector.Active())
}
