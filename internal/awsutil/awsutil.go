// Package awsutil resolves the AWS SDK configuration shared by the SQS and
// DynamoDB adapters.
package awsutil

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// LoadConfig resolves AWS configuration from the default chain. A non-empty
// region overrides the environment. COFFEESHOP_AWS_ACCESS_KEY_ID and
// COFFEESHOP_AWS_SECRET_ACCESS_KEY, when both set, take precedence over the
// default credential chain so shops can run with scoped queue/table keys.
func LoadConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	key := os.Getenv("COFFEESHOP_AWS_ACCESS_KEY_ID")
	secret := os.Getenv("COFFEESHOP_AWS_SECRET_ACCESS_KEY")
	if key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, ""),
		))
	}

	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
