package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"
)

// AWSClients holds the messaging clients of the service
type AWSClients struct {
	Config aws.Config
	SNS    *sns.Client
	SQS    *sqs.Client
}

// NewAWSClients loads the default credential chain for region. A non-empty
// endpoint overrides every service endpoint, which is how LocalStack is reached.
func NewAWSClients(ctx context.Context, region, endpoint string) (*AWSClients, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	if endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}

	return &AWSClients{
		Config: cfg,
		SNS:    sns.NewFromConfig(cfg),
		SQS:    sqs.NewFromConfig(cfg),
	}, nil
}
