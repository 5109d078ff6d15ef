package prodconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
)

const (
	champURI = "models:/LightGBM@champion"
	challURI = "models:/XGBoost@challenger"
)

func TestPublishCreatesFileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "prod.yml")
	p := NewPublisher(nil, zerolog.Nop())

	require.NoError(t, p.Publish(context.Background(), champURI, challURI, path))

	cfg, err := Load(path)
	require.NoError(t, err)
	want := Default()
	want.ModelURI = champURI
	want.FallbackModelURI = challURI
	assert.Equal(t, want, cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `model_uri: models:/LightGBM@champion
fallback_model_uri: models:/XGBoost@challenger
flavor: python_function
mlflow_port: 5000
mlflow_host: 127.0.0.1
api_host: 127.0.0.1
api_port: 8000
workers: 2
timeout: 120
`, string(data))
}

func TestPublishIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prod.yml")
	p := NewPublisher(nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, champURI, challURI, path))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, champURI, challURI, path))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPublishPreservesExistingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prod.yml")
	existing := "# serving settings\nworkers: 7\nmodel_uri: models:/old@champion\napi_port: 9000\n"
	require.NoError(t, os.WriteFile(path, []byte(existing), 0o644))

	p := NewPublisher(nil, zerolog.Nop())
	require.NoError(t, p.Publish(context.Background(), champURI, challURI, path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, 9000, cfg.APIPort)
	assert.Equal(t, champURI, cfg.ModelURI)
	assert.Equal(t, challURI, cfg.FallbackModelURI)
	assert.Equal(t, 120, cfg.Timeout)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# serving settings")
}

func TestPublishRejectsInvalidFileWithoutTouchingIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prod.yml")
	existing := "workers: lots\n"
	require.NoError(t, os.WriteFile(path, []byte(existing), 0o644))

	p := NewPublisher(nil, zerolog.Nop())
	err := p.Publish(context.Background(), champURI, challURI, path)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, existing, string(data))
}

func TestPublishRejectsNonMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prod.yml")
	require.NoError(t, os.WriteFile(path, []byte("- a\n- b\n"), 0o644))

	err := NewPublisher(nil, zerolog.Nop()).Publish(context.Background(), champURI, challURI, path)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
}

func TestConcurrentPublishesNeverCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prod.yml")
	p := NewPublisher(nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			champ := fmt.Sprintf("models:/m%d@champion", i)
			chall := fmt.Sprintf("models:/m%d@challenger", i)
			assert.NoError(t, p.Publish(context.Background(), champ, chall, path))
		}(i)
	}

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := Load(path); err != nil && !os.IsNotExist(errors.Cause(err)) {
				t.Errorf("partial config observed: %v", err)
				return
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone

	cfg, err := Load(path)
	require.NoError(t, err)
	var n int
	_, err = fmt.Sscanf(cfg.ModelURI, "models:/m%d@champion", &n)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("models:/m%d@challenger", n), cfg.FallbackModelURI)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files left behind")
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls [][]byte
	err   error
}

func (f *fakeArchiver) Archive(ctx context.Context, data []byte, ts time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, data)
	return "key", f.err
}

func TestPublishArchivesChangesOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prod.yml")
	arch := &fakeArchiver{}
	p := NewPublisher(arch, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, champURI, challURI, path))
	require.NoError(t, p.Publish(ctx, champURI, challURI, path))
	require.Len(t, arch.calls, 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, arch.calls[0])
}

func TestPublishArchiveFailureIsNonFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prod.yml")
	p := NewPublisher(&fakeArchiver{err: errors.New("s3 down")}, zerolog.Nop())

	require.NoError(t, p.Publish(context.Background(), champURI, challURI, path))
	_, err := Load(path)
	assert.NoError(t, err)
}
