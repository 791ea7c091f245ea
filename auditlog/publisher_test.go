package auditlog

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/types"
)

type memorySink struct {
	mu    sync.Mutex
	snaps []types.RootSnapshot
}

func (m *memorySink) PublishSnapshot(_ context.Context, snap *types.RootSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, *snap)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

func waitFor(c *qt.C, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublisherCountTrigger(t *testing.T) {
	c := qt.New(t)
	l, _, _ := newTestLog(c, "p1")
	sink := &memorySink{}
	pub := NewPublisher(l, PublisherConfig{Every: 3}, sink)
	ctx := context.Background()
	pub.Start(ctx)
	defer pub.Stop()

	for i := range 2 {
		_, err := l.Append(ctx, "p1", commitment(i))
		c.Assert(err, qt.IsNil)
	}
	time.Sleep(50 * time.Millisecond)
	c.Assert(sink.count(), qt.Equals, 0)

	_, err := l.Append(ctx, "p1", commitment(2))
	c.Assert(err, qt.IsNil)
	waitFor(c, func() bool { return sink.count() == 1 })

	root, err := l.Root("p1")
	c.Assert(err, qt.IsNil)
	c.Assert(root.LeafCount, qt.Equals, uint64(3))
}

func TestPublisherInterval(t *testing.T) {
	c := qt.New(t)
	l, _, _ := newTestLog(c, "p1", "p2", "p3")
	sink := &memorySink{}
	pub := NewPublisher(l, PublisherConfig{Interval: 20 * time.Millisecond}, sink)
	ctx := context.Background()
	pub.Start(ctx)
	defer pub.Stop()

	_, err := l.Append(ctx, "p1", commitment(0))
	c.Assert(err, qt.IsNil)
	_, err = l.Append(ctx, "p2", commitment(0))
	c.Assert(err, qt.IsNil)
	waitFor(c, func() bool { return sink.count() == 2 })

	// polls without new leaves are not republished
	time.Sleep(100 * time.Millisecond)
	c.Assert(sink.count(), qt.Equals, 2)
	_, err = l.Root("p3")
	c.Assert(err, qt.ErrorIs, ErrNoSnapshot)
}

func TestPublishNow(t *testing.T) {
	c := qt.New(t)
	l, _, _ := newTestLog(c, "p1")
	sink := &memorySink{}
	pub := NewPublisher(l, PublisherConfig{}, sink)
	ctx := context.Background()

	c.Assert(pub.Publish(ctx, "p1"), qt.IsNil)
	c.Assert(sink.count(), qt.Equals, 1)
	c.Assert(pub.Publish(ctx, "p1"), qt.IsNil)
	c.Assert(sink.count(), qt.Equals, 1, qt.Commentf("unchanged root must not be sent again"))
	c.Assert(pub.Publish(ctx, "unknown"), qt.IsNotNil)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	buf, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = buf
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	c := qt.New(t)
	l, _, _ := newTestLog(c, "p1")
	ctx := context.Background()
	_, err := l.Append(ctx, "p1", commitment(0))
	c.Assert(err, qt.IsNil)
	snap, _, err := l.Snapshot(ctx, "p1")
	c.Assert(err, qt.IsNil)

	fake := &fakeS3{objects: map[string][]byte{}}
	sink := &S3Sink{client: fake, conf: &S3Config{Bucket: "roots", Prefix: "anonvote"}}
	c.Assert(sink.Check(ctx), qt.IsNil)
	c.Assert(sink.PublishSnapshot(ctx, snap), qt.IsNil)
	c.Assert(fake.objects, qt.HasLen, 2)
	c.Assert(string(fake.objects["roots/anonvote/p1/1.json"]), qt.Contains, snap.CID)
	c.Assert(fake.objects["roots/anonvote/p1/latest.json"], qt.DeepEquals, fake.objects["roots/anonvote/p1/1.json"])

	fake.err = &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "missing"}
	err = sink.Check(ctx)
	c.Assert(err, qt.ErrorMatches, ".*NoSuchBucket.*")
	err = sink.PublishSnapshot(ctx, snap)
	c.Assert(err, qt.ErrorMatches, ".*NoSuchBucket.*")

	fake.err = errors.New("network down")
	c.Assert(sink.PublishSnapshot(ctx, snap), qt.ErrorMatches, ".*network down.*")

	_, err = NewS3Sink(ctx, &S3Config{Enabled: false})
	c.Assert(err, qt.IsNotNil)
	_, err = NewS3Sink(ctx, &S3Config{Enabled: true, Bucket: "b"})
	c.Assert(err, qt.IsNotNil)
}
