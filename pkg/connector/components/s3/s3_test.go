package s3

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

type fakeUploader struct {
	mu      sync.Mutex
	inputs  []*s3.PutObjectInput
	bodies  [][]byte
	fail    error
	created Config
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, b)
	return &manager.UploadOutput{Location: "s3://" + aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)}, nil
}

func newProducer(t *testing.T, up *fakeUploader, params core.Parameters) core.Producer {
	t.Helper()
	c, err := codec.New()
	require.NoError(t, err)
	comp := NewComponent(c, zaptest.NewLogger(t), WithUploaderFactory(func(_ context.Context, cfg Config) (Uploader, error) {
		up.created = cfg
		return up, nil
	}))
	assert.Equal(t, Scheme, comp.Scheme())

	ep, err := comp.CreateEndpoint(context.Background(), "s3:dead-letters", "dead-letters", params)
	require.NoError(t, err)
	p, err := ep.CreateProducer(context.Background())
	require.NoError(t, err)
	return p
}

func TestProducerUploadsBlob(t *testing.T) {
	up := &fakeUploader{}
	p := newProducer(t, up, core.Parameters{"prefix": "agg/failed", "region": "eu-west-1", "pathStyle": "true"})

	ex := exchange.New("body", exchange.WithID("ex-1")).
		WithHeader(exchange.HeaderDeadLetterCause, "redelivery exhausted")
	require.NoError(t, p.Process(context.Background(), ex))

	require.Len(t, up.inputs, 1)
	in := up.inputs[0]
	assert.Equal(t, "dead-letters", aws.ToString(in.Bucket))
	assert.Equal(t, "agg/failed/ex-1.nbx", aws.ToString(in.Key))
	assert.Equal(t, "application/octet-stream", aws.ToString(in.ContentType))
	assert.Equal(t, "redelivery exhausted", in.Metadata["dead-letter-cause"])
	assert.Equal(t, "eu-west-1", up.created.Region)
	assert.True(t, up.created.UsePathStyle)

	c, err := codec.New()
	require.NoError(t, err)
	back, err := c.Unmarshal(up.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "body", back.Body())
}

func TestProducerUploadsBody(t *testing.T) {
	up := &fakeUploader{}
	p := newProducer(t, up, core.Parameters{"format": "body"})

	require.NoError(t, p.Process(context.Background(), exchange.New([]byte(`{"a":1}`), exchange.WithID("ex-2"))))
	assert.Equal(t, "ex-2", aws.ToString(up.inputs[0].Key))
	assert.Equal(t, `{"a":1}`, string(up.bodies[0]))
}

func TestProducerUploadFailure(t *testing.T) {
	up := &fakeUploader{fail: errors.New("access denied")}
	p := newProducer(t, up, nil)

	err := p.Process(context.Background(), exchange.New("x"))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConnection))
}

func TestCreateEndpointValidation(t *testing.T) {
	comp := NewComponent(nil, zaptest.NewLogger(t))
	_, err := comp.CreateEndpoint(context.Background(), "s3:", "", nil)
	assert.Error(t, err)
	_, err = comp.CreateEndpoint(context.Background(), "s3:b?format=csv", "b", core.Parameters{"format": "csv"})
	assert.Error(t, err)
	_, err = comp.CreateEndpoint(context.Background(), "s3:b?partSize=big", "b", core.Parameters{"partSize": "big"})
	assert.Error(t, err)
}
