package blob_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-mirror/internal/blob"
	"github.com/Martian-dev/mail-mirror/internal/mailerr"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "m1/email.html", blob.HTMLKey("m1"))
	assert.Equal(t, "m1/attachments/report.pdf", blob.AttachmentKey("m1", "report.pdf"))
	assert.Equal(t, "m1/attachments/passwd", blob.AttachmentKey("m1", "../../etc/passwd"))
	assert.Equal(t, "m1/attachments/evil.exe", blob.AttachmentKey("m1", `C:\tmp\evil.exe`))
	assert.Equal(t, "m1/attachments/attachment", blob.AttachmentKey("m1", ""))
}

func TestBadgerStoreNeverOverwrites(t *testing.T) {
	ctx := context.Background()

	store, err := blob.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	created, err := store.Put(ctx, "m1/email.html", "text/html", []byte("first"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Put(ctx, "m1/email.html", "text/html", []byte("second"))
	require.NoError(t, err)
	assert.False(t, created)

	data, err := store.Get(ctx, "m1/email.html")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	exists, err := store.Exists(ctx, "m1/email.html")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBadgerStoreMissingKey(t *testing.T) {
	store, err := blob.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	exists, err := store.Exists(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, mailerr.ErrNotFound)
}

func TestUploadReturnsURL(t *testing.T) {
	store, err := blob.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	url, err := blob.Upload(context.Background(), store, blob.HTMLKey("m9"), "text/html", []byte("<p>x</p>"))
	require.NoError(t, err)
	assert.Equal(t, "blob://m9/email.html", url)
}

func TestS3URL(t *testing.T) {
	ctx := context.Background()

	store, err := blob.NewS3Store(ctx, blob.S3Options{
		Bucket:          "mirror",
		Region:          "us-east-1",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.s3.amazonaws.com/m1/email.html", store.URL(blob.HTMLKey("m1")))

	local, err := blob.NewS3Store(ctx, blob.S3Options{
		Bucket:          "mirror",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000/",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/mirror/m1/email.html", local.URL(blob.HTMLKey("m1")))
}
