package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/cache"
	"github.com/swiftgrid/controlplane/common/models"
)

type fakeSource struct {
	values map[string]string
	loads  int
}

func (f *fakeSource) All(ctx context.Context) (map[string]string, error) {
	f.loads++
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSource) Upsert(ctx context.Context, key, value string) error {
	f.values[key] = value
	return nil
}

func (f *fakeSource) Delete(ctx context.Context, key string) error {
	delete(f.values, key)
	return nil
}

func (f *fakeSource) ListKeys(ctx context.Context) ([]*models.Secret, error) {
	var out []*models.Secret
	for k := range f.values {
		out = append(out, &models.Secret{Key: k})
	}
	return out, nil
}

func newTestStore(t *testing.T) (*Store, *fakeSource) {
	t.Helper()
	c := cache.New()
	t.Cleanup(func() { c.Close() })

	src := &fakeSource{values: map[string]string{"API_KEY": "sk-1"}}
	return New(src, c), src
}

func TestSnapshotCaches(t *testing.T) {
	store, src := newTestStore(t)
	ctx := context.Background()

	first, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sk-1", first["API_KEY"])

	_, err = store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src.loads)
}

func TestSetInvalidatesSnapshot(t *testing.T) {
	store, src := newTestStore(t)
	ctx := context.Background()

	_, err := store.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "API_KEY", "sk-2"))

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sk-2", snapshot["API_KEY"])
	assert.Equal(t, 2, src.loads)
}

func TestRemoveInvalidatesSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "API_KEY"))

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestSetRejectsEmptyKey(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Error(t, store.Set(context.Background(), "", "v"))
}
