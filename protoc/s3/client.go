package s3

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/metrics/smithyotelmetrics"
	"github.com/derektruong/fxupload/protoc"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var connectionIDNamespace = uuid.MustParse("5b1f0c7e-3d2a-4c61-9a8e-2f47d9c0b6a1")

// Client holds the settings needed to reach an S3 compatible bucket.
type Client struct {
	Endpoint   string `json:"endpoint" validate:"required,url"`
	BucketName string `json:"bucketName" validate:"required"`
	Region     string `json:"region" validate:"required"`
	AccessKey  string `json:"accessKey"`
	SecretKey  string `json:"secretKey"`
	// UsePathStyle is required by most self hosted servers such as MinIO.
	UsePathStyle bool `json:"usePathStyle"`
}

// NewClient creates a new S3 client.
func NewClient(
	endpoint, bucketName,
	region, accessKey, secretKey string,
) (c *Client) {
	c = &Client{
		Endpoint:     endpoint,
		BucketName:   bucketName,
		Region:       region,
		AccessKey:    accessKey,
		SecretKey:    secretKey,
		UsePathStyle: true,
	}
	return
}

// GetS3API builds the SDK client. Request metrics are reported through the
// global otel meter provider.
func (c Client) GetS3API() protoc.S3API {
	s3Options := awss3.Options{
		Region:       c.Region,
		BaseEndpoint: aws.String(c.Endpoint),
		UsePathStyle: c.UsePathStyle,
		Credentials: aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     c.AccessKey,
				SecretAccessKey: c.SecretKey,
			}, nil
		}),
		MeterProvider: smithyotelmetrics.Adapt(otel.GetMeterProvider()),
	}
	return awss3.New(s3Options)
}

// GetConnectionID returns a stable identifier of the bucket and credentials,
// safe to log.
func (c Client) GetConnectionID() string {
	return uuid.NewSHA1(
		connectionIDNamespace,
		[]byte(fmt.Sprintf(
			"%s:%s:%s:%s:%s",
			c.Endpoint, c.BucketName, c.Region, c.AccessKey, c.SecretKey),
		),
	).String()
}

func (c Client) GetURI() string {
	endpoint := c.Endpoint
	for _, scheme := range []string{"https", "http"} {
		endpoint = strings.TrimPrefix(endpoint, scheme+"://")
	}
	return fmt.Sprintf("%s/%s", endpoint, c.BucketName)
}
