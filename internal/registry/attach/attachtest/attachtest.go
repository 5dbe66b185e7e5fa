// Package attachtest holds behavior tests every AttachmentStore must pass.
package attachtest

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	"github.com/chirino/messaging-service/internal/tempfiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises the AttachmentStore contract.
func Run(t *testing.T, s registryattach.AttachmentStore) {
	ctx := context.Background()

	t.Run("StoreAndRetrieve", func(t *testing.T) {
		payload := bytes.Repeat([]byte("0123456789"), 30_000)
		key := "messageAttachments/a_b/m1/1700000000000_notes.txt"
		res, err := s.Store(ctx, key, bytes.NewReader(payload), int64(len(payload)), "text/plain")
		require.NoError(t, err)
		assert.Equal(t, key, res.StorageKey)
		assert.Equal(t, int64(len(payload)), res.Size)
		assert.Len(t, res.SHA256, 64)

		blob, err := s.Retrieve(ctx, key)
		require.NoError(t, err)
		defer blob.Body.Close()
		got, err := io.ReadAll(blob.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.Equal(t, "text/plain", blob.ContentType)
		assert.Equal(t, int64(len(payload)), blob.Size)
	})

	t.Run("TooLarge", func(t *testing.T) {
		key := "messageAttachments/a_b/m2/1700000000000_big.bin"
		_, err := s.Store(ctx, key, strings.NewReader("0123456789"), 4, "application/octet-stream")
		var tooLarge *tempfiles.ErrTooLarge
		require.ErrorAs(t, err, &tooLarge)
		_, err = s.Retrieve(ctx, key)
		require.ErrorIs(t, err, registryattach.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		key := "messageAttachments/a_b/m3/1700000000000_x.txt"
		_, err := s.Store(ctx, key, strings.NewReader("x"), 10, "text/plain")
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, key))
		_, err = s.Retrieve(ctx, key)
		require.ErrorIs(t, err, registryattach.ErrNotFound)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := s.Retrieve(ctx, "messageAttachments/none/none/0_missing")
		require.ErrorIs(t, err, registryattach.ErrNotFound)
	})
}
