// Package s3 implements the object store port on top of aws-sdk-go-v2.
package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client fetches objects from S3. It is stateless and safe for concurrent
// use.
type Client struct {
	api *awss3.Client
}

// New builds a Client from the ambient AWS credential chain.
func New(ctx context.Context) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=s3.New: %w", err)
	}
	return &Client{api: awss3.NewFromConfig(cfg)}, nil
}

// NewFromAPI wraps an existing SDK client; tests and custom endpoints.
func NewFromAPI(api *awss3.Client) *Client { return &Client{api: api} }

// Get downloads a single object fully into memory. Product images are capped
// upstream, so streaming is not worth the complexity here.
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("op=s3.Get bucket=%s key=%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=s3.Get read bucket=%s key=%s: %w", bucket, key, err)
	}
	return data, nil
}
