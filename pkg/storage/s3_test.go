package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeObject struct {
	size         int64
	lastModified time.Time
}

type fakeS3 struct {
	objects map[string]fakeObject // key within the gateway bucket
	heads   []string              // probe order
	deleted []string
	buckets map[string]map[string]fakeObject // for MeasureUsage
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]fakeObject{}}
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.heads = append(f.heads, *in.Key)
	if _, ok := f.objects[*in.Key]; ok {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &types.NotFound{}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("audio"))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	f.deleted = append(f.deleted, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	source := f.objects
	if f.buckets != nil {
		if objs, ok := f.buckets[*in.Bucket]; ok {
			source = objs
		}
	}
	out := &s3.ListObjectsV2Output{}
	for key, obj := range source {
		if in.Prefix != nil && !strings.HasPrefix(key, *in.Prefix) {
			continue
		}
		k, size, lm := key, obj.size, obj.lastModified
		out.Contents = append(out.Contents, types.Object{Key: &k, Size: &size, LastModified: &lm})
	}
	return out, nil
}

func (f *fakeS3) ListBuckets(ctx context.Context, in *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	out := &s3.ListBucketsOutput{}
	for name := range f.buckets {
		n := name
		out.Buckets = append(out.Buckets, types.Bucket{Name: &n})
	}
	return out, nil
}

type fakeUploader struct {
	keys []string
}

func (f *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.keys = append(f.keys, *in.Key)
	return &manager.UploadOutput{}, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	return &v4PresignedRequest{URL: "https://signed.example/" + *in.Key}, nil
}

func newTestGateway(api *fakeS3, up *fakeUploader) *Gateway {
	return &Gateway{
		api:       api,
		uploader:  up,
		presigner: fakePresigner{},
		bucket:    "scribe-bucket",
		expire:    time.Hour,
		logger:    zap.NewNop(),
	}
}

func TestFindKeyPrefersCurrentLayout(t *testing.T) {
	api := newFakeS3()
	api.objects["recordings/s1/U1-1000.mp3"] = fakeObject{}
	api.objects["recordings/U1-1000.mp3"] = fakeObject{}
	g := newTestGateway(api, &fakeUploader{})

	key, err := g.findKey(context.Background(), "U1-1000.mp3", "s1")
	require.NoError(t, err)
	assert.Equal(t, "recordings/s1/U1-1000.mp3", key)
	// The current layout must be probed first.
	assert.Equal(t, "recordings/s1/U1-1000.mp3", api.heads[0])
}

func TestFindKeyFallsBackToLegacy(t *testing.T) {
	api := newFakeS3()
	api.objects["recordings/U1-1000.mp3"] = fakeObject{}
	g := newTestGateway(api, &fakeUploader{})

	key, err := g.findKey(context.Background(), "U1-1000.mp3", "s1")
	require.NoError(t, err)
	assert.Equal(t, "recordings/U1-1000.mp3", key)

	key, err = g.findKey(context.Background(), "missing.mp3", "s1")
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestUploadSkipsWhenPresent(t *testing.T) {
	api := newFakeS3()
	api.objects["recordings/U1-1000.mp3"] = fakeObject{}
	up := &fakeUploader{}
	g := newTestGateway(api, up)

	local := filepath.Join(t.TempDir(), "U1-1000.mp3")
	require.NoError(t, os.WriteFile(local, []byte("audio"), 0o644))

	key, err := g.Upload(context.Background(), local, "U1-1000.mp3", "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "recordings/U1-1000.mp3", key)
	assert.Empty(t, up.keys, "existing object must not be re-uploaded")
}

func TestUploadExplicitKeyBypassesProbe(t *testing.T) {
	api := newFakeS3()
	api.objects["recordings/s1/U1-1000.mp3"] = fakeObject{}
	up := &fakeUploader{}
	g := newTestGateway(api, up)

	local := filepath.Join(t.TempDir(), "U1-1000.mp3")
	require.NoError(t, os.WriteFile(local, []byte("audio"), 0o644))

	key, err := g.Upload(context.Background(), local, "U1-1000.mp3", "s1", "transcripts/s1/override.json")
	require.NoError(t, err)
	assert.Equal(t, "transcripts/s1/override.json", key)
	assert.Empty(t, api.heads, "explicit key must skip the existence probe")
	assert.Equal(t, []string{"transcripts/s1/override.json"}, up.keys)
}

func TestUploadNewArtifactUsesCurrentLayout(t *testing.T) {
	api := newFakeS3()
	up := &fakeUploader{}
	g := newTestGateway(api, up)

	local := filepath.Join(t.TempDir(), "U1-1000.mp3")
	require.NoError(t, os.WriteFile(local, []byte("audio"), 0o644))

	key, err := g.Upload(context.Background(), local, "U1-1000.mp3", "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "recordings/s1/U1-1000.mp3", key)
	assert.Equal(t, []string{"recordings/s1/U1-1000.mp3"}, up.keys)
}

func TestExistsAcrossLayouts(t *testing.T) {
	api := newFakeS3()
	api.objects["recordings/U1-1000.mp3"] = fakeObject{}
	g := newTestGateway(api, &fakeUploader{})

	ok, err := g.Exists(context.Background(), "U1-1000.mp3", "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Exists(context.Background(), "missing.mp3", "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteResolvesLegacyKey(t *testing.T) {
	api := newFakeS3()
	api.objects["recordings/U1-1000.mp3"] = fakeObject{}
	g := newTestGateway(api, &fakeUploader{})

	ok, err := g.Delete(context.Background(), "U1-1000.mp3", "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"recordings/U1-1000.mp3"}, api.deleted)

	ok, err = g.Delete(context.Background(), "U1-1000.mp3", "s1")
	require.NoError(t, err)
	assert.False(t, ok, "second delete finds nothing")
}

func TestDeleteRawArtifactsFiltersByExtension(t *testing.T) {
	api := newFakeS3()
	api.objects["recordings/s1/U1-1000.flac"] = fakeObject{}
	api.objects["recordings/s1/U2-2000.flac"] = fakeObject{}
	api.objects["recordings/s1/session_s1_master.mp3"] = fakeObject{}
	api.objects["recordings/s1/transcript.json"] = fakeObject{}
	api.objects["recordings/s2/U3-3000.flac"] = fakeObject{}
	g := newTestGateway(api, &fakeUploader{})

	n, err := g.DeleteRawArtifacts(context.Background(), "s1", ".flac")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	// Master and transcript survive; other sessions untouched.
	assert.Contains(t, api.objects, "recordings/s1/session_s1_master.mp3")
	assert.Contains(t, api.objects, "recordings/s1/transcript.json")
	assert.Contains(t, api.objects, "recordings/s2/U3-3000.flac")
}

func TestListMasterArtifacts(t *testing.T) {
	api := newFakeS3()
	old := time.Now().Add(-72 * time.Hour)
	recent := time.Now().Add(-1 * time.Hour)
	api.objects["recordings/s1/session_s1_master.mp3"] = fakeObject{lastModified: old}
	api.objects["recordings/s2/session_s2_master.mp3"] = fakeObject{lastModified: recent}
	api.objects["recordings/s2/U1-1000.flac"] = fakeObject{lastModified: recent}
	api.objects["recordings/legacy_master.mp3"] = fakeObject{lastModified: old} // flat key, not a candidate
	g := newTestGateway(api, &fakeUploader{})

	candidates, err := g.ListMasterArtifacts(context.Background(), "_master.mp3")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	ids := []string{candidates[0].SessionID, candidates[1].SessionID}
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}

func TestMeasureUsageSumsAllBuckets(t *testing.T) {
	api := newFakeS3()
	api.buckets = map[string]map[string]fakeObject{
		"scribe-bucket": {
			"recordings/s1/a.flac": {size: 3 * 1024},
			"recordings/s1/b.mp3":  {size: 1024},
		},
		"scribe-reports": {
			"logs/r1.json": {size: 512},
		},
	}
	g := newTestGateway(api, &fakeUploader{})

	usage, err := g.MeasureUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4*1024+512), usage.TotalBytes)
	assert.Len(t, usage.Buckets, 2)
}

func TestPresignResolvesBareName(t *testing.T) {
	api := newFakeS3()
	api.objects["recordings/s1/U1-1000.mp3"] = fakeObject{}
	g := newTestGateway(api, &fakeUploader{})

	url, err := g.Presign(context.Background(), "U1-1000.mp3", "s1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/recordings/s1/U1-1000.mp3", url)

	_, err = g.Presign(context.Background(), "missing.mp3", "s1", time.Minute)
	assert.Error(t, err)
}

func TestDownloadRestoresArtifact(t *testing.T) {
	api := newFakeS3()
	api.objects["recordings/s1/U1-1000.mp3"] = fakeObject{}
	g := newTestGateway(api, &fakeUploader{})

	local := filepath.Join(t.TempDir(), "restored", "U1-1000.mp3")
	ok, err := g.Download(context.Background(), "U1-1000.mp3", local, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(data))

	ok, err = g.Download(context.Background(), "missing.mp3", local, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "audio/mpeg", contentTypeFor("U1-1000.mp3"))
	assert.Equal(t, "audio/flac", contentTypeFor("U1-1000.flac"))
	assert.Equal(t, "audio/ogg", contentTypeFor("U1-1000.ogg"))
	assert.Equal(t, "application/json", contentTypeFor("transcript.json"))
	assert.Equal(t, "audio/x-pcm", contentTypeFor("U1-1000.pcm"))
}
