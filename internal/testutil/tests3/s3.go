package tests3

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/chirino/messaging-service/internal/testutil"
)

const bucket = "message-attachments-test"

// StartS3 starts LocalStack S3, creates a bucket and points the default AWS
// config chain at it through the environment. Returns the bucket name.
func StartS3(tb testing.TB) string {
	tb.Helper()
	endpoint := "http://" + testutil.StartGeneric(tb, "localstack", "localstack/localstack:latest", "4566",
		map[string]string{"SERVICES": "s3"})

	tb.Setenv("AWS_ENDPOINT_URL", endpoint)
	tb.Setenv("AWS_ACCESS_KEY_ID", "test")
	tb.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	tb.Setenv("AWS_REGION", "us-east-1")

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials:  aws.CredentialsProviderFunc(staticCreds),
	})
	if _, err := client.CreateBucket(context.Background(), &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		tb.Fatalf("create bucket %s: %v", bucket, err)
	}
	return bucket
}

func staticCreds(context.Context) (aws.Credentials, error) {
	return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test", Source: "localstack"}, nil
}
