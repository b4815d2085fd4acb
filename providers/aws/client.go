// Package aws runs tasks on on-demand EC2 instances. The resource handle's
// cluster is the region and its category the instance type; task working
// directories are S3 prefixes that the instance syncs before and after the run.
package aws

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/models"
)

// DefaultRegion is used when neither the config nor the environment names one
const DefaultRegion = "us-east-1"

// Config configures the EC2 backend
type Config struct {
	Bucket          string            // S3 bucket holding task working directories
	Prefix          string            // Key prefix, default "hpc-orchestrator"
	Region          string            // Bucket region
	Profile         string            // Shared config profile
	AccessKeyID     string            // Static credentials, optional
	SecretAccessKey string            // Static credentials, optional
	Endpoint        string            // S3-compatible endpoint, optional
	ForcePathStyle  bool              // Path-style S3 addressing
	InstanceProfile string            // IAM instance profile granting the instance bucket access
	InstanceType    string            // Used when the handle has no category
	AMIs            map[string]string // Region -> AMI id overrides
	AMINamePattern  string            // DescribeImages name filter when no override exists
	SubnetID        string
	SecurityGroups  []string
	KeyName         string
}

// Validate checks the configuration
func (c Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("aws bucket is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("aws access key id and secret must be set together")
	}
	return nil
}

// EC2API is the subset of the EC2 client used by the backend
type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// S3API is the subset of the S3 client used by the backend
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client is the EC2 backend. EC2 clients are created per region on first use.
type Client struct {
	cfg    Config
	s3     S3API
	newEC2 func(region string) EC2API
	log    *zap.Logger

	mu   sync.Mutex
	ec2  map[string]EC2API
	amis map[string]string // region|instance type -> resolved AMI
}

// NewClient creates the backend from the default AWS credential chain
// unless static credentials are configured
func NewClient(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	newEC2 := func(region string) EC2API {
		return ec2.NewFromConfig(awsCfg, func(o *ec2.Options) { o.Region = region })
	}
	return NewWithClients(cfg, s3Client, newEC2, log), nil
}

// NewWithClients creates the backend over existing clients
func NewWithClients(cfg Config, s3Client S3API, newEC2 func(region string) EC2API, log *zap.Logger) *Client {
	if cfg.Prefix == "" {
		cfg.Prefix = "hpc-orchestrator"
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		s3:     s3Client,
		newEC2: newEC2,
		log:    log.Named("ec2"),
		ec2:    make(map[string]EC2API),
		amis:   make(map[string]string),
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultRegion
	}
	return awsCfg, nil
}

// Name implements backends.Backend
func (c *Client) Name() models.BackendType { return models.BackendEC2 }

// ec2For returns the EC2 client of a region
func (c *Client) ec2For(region string) EC2API {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.ec2[region]; ok {
		return cl
	}
	cl := c.newEC2(region)
	c.ec2[region] = cl
	return cl
}

// key converts an absolute working-directory path into an object key
func key(p string) string {
	return strings.TrimPrefix(p, "/")
}

// s3URI returns the sync URI of a working directory
func (c *Client) s3URI(workdir string) string {
	return "s3://" + c.cfg.Bucket + "/" + key(workdir)
}

var _ backends.Backend = (*Client)(nil)
