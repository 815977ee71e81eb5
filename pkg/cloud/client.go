// Package cloud builds the AWS service clients used during bootstrap and
// classifies the errors they return.
package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Clients holds every AWS service client a bootstrap run needs
type Clients struct {
	CloudFormation *cloudformation.Client
	EKS            *eks.Client
	IAM            *iam.Client
	STS            *sts.Client
	EC2            *ec2.Client
	Config         aws.Config
	Region         string
}

// NewClients loads AWS configuration from the default credential chain and
// builds the service clients for region.
func NewClients(ctx context.Context, region string) (*Clients, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "cloud.NewClients")
	defer span.End()

	span.SetAttributes(attribute.String("aws.region", region))

	if region == "" {
		err := fmt.Errorf("AWS region is required (set --region, AWS_REGION or region in the config file)")
		span.RecordError(err)
		return nil, err
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}
	if creds.AccessKeyID == "" {
		err := fmt.Errorf("AWS credentials not found. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY or configure ~/.aws/credentials")
		span.RecordError(err)
		return nil, err
	}

	return NewClientsFromConfig(cfg), nil
}

// NewClientsFromConfig builds the service clients from an already loaded config.
func NewClientsFromConfig(cfg aws.Config) *Clients {
	return &Clients{
		CloudFormation: cloudformation.NewFromConfig(cfg),
		EKS:            eks.NewFromConfig(cfg),
		IAM:            iam.NewFromConfig(cfg),
		STS:            sts.NewFromConfig(cfg),
		EC2:            ec2.NewFromConfig(cfg),
		Config:         cfg,
		Region:         cfg.Region,
	}
}
