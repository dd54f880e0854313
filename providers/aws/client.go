// Package aws implements the EC2 node driver.
package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/providers"
)

const (
	managedByTag = "yascheduler"
	// createTimeout bounds each of the two creation waits: for a
	// public IP, then for SSH readiness.
	createTimeout = 5 * time.Minute
)

// Client is the EC2 provider driver.
type Client struct {
	cfg       config.Cloud
	ec2Client *ec2.Client
	publicKey string
	userData  providers.CloudConfig
	log       *zap.Logger
}

// NewClient creates the EC2 driver. publicKey is injected into new
// machines through cloud-init; userPackages installs the engines'
// platform packages at boot.
func NewClient(ctx context.Context, cfg config.Cloud, publicKey string, userPackages []string, log *zap.Logger) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &Client{
		cfg:       cfg,
		ec2Client: ec2.NewFromConfig(awsCfg),
		publicKey: publicKey,
		userData: providers.CloudConfig{
			SSHAuthorizedKeys: []string{publicKey},
			PackageUpgrade:    true,
			Packages:          userPackages,
		},
		log: log.Named("aws"),
	}, nil
}

// Name returns the provider tag.
func (c *Client) Name() string { return config.CloudAWS }

// Config returns the provider configuration.
func (c *Client) Config() config.Cloud { return c.cfg }

// CreateNode runs one instance and waits until it is SSH-reachable.
// On timeout the instance is terminated before the error returns.
func (c *Client) CreateNode(ctx context.Context) (string, error) {
	userData, err := c.userData.RenderBase64()
	if err != nil {
		return "", err
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(c.cfg.AWSImageID),
		InstanceType: types.InstanceType(c.cfg.AWSInstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(userData),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(providers.NodeName())},
					{Key: aws.String("ManagedBy"), Value: aws.String(managedByTag)},
				},
			},
		},
	}
	if c.cfg.AWSSecurityGroup != "" {
		input.SecurityGroupIds = []string{c.cfg.AWSSecurityGroup}
	}

	result, err := c.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("run instance: %w", err)
	}
	instanceID := aws.ToString(result.Instances[0].InstanceId)
	c.log.Info("created instance", zap.String("instance_id", instanceID))

	ip, err := c.waitPublicIP(ctx, instanceID)
	if err == nil {
		err = providers.WaitSSHReady(ctx, ip, createTimeout)
	}
	if err != nil {
		c.log.Warn("instance not ready, terminating",
			zap.String("instance_id", instanceID), zap.Error(err))
		c.terminate(context.Background(), instanceID)
		return "", err
	}
	return ip, nil
}

func (c *Client) waitPublicIP(ctx context.Context, instanceID string) (string, error) {
	deadline := time.Now().Add(createTimeout)
	for time.Now().Before(deadline) {
		out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err == nil {
			for _, res := range out.Reservations {
				for _, inst := range res.Instances {
					if inst.PublicIpAddress != nil {
						return aws.ToString(inst.PublicIpAddress), nil
					}
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return "", fmt.Errorf("instance %s got no public IP", instanceID)
}

// DeleteNode terminates the instance with the given public IP.
func (c *Client) DeleteNode(ctx context.Context, ip string) error {
	instanceID, err := c.findByIP(ctx, ip)
	if err != nil {
		return err
	}
	if instanceID == "" {
		c.log.Info("node unknown to EC2, nothing to delete", zap.String("ip", ip))
		return nil
	}
	return c.terminate(ctx, instanceID)
}

func (c *Client) terminate(ctx context.Context, instanceID string) error {
	_, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("terminate %s: %w", instanceID, err)
	}
	c.log.Info("terminated instance", zap.String("instance_id", instanceID))
	return nil
}

func (c *Client) findByIP(ctx context.Context, ip string) (string, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("ip-address"), Values: []string{ip}},
			{Name: aws.String("tag:ManagedBy"), Values: []string{managedByTag}},
		},
	})
	if err != nil {
		return "", err
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return aws.ToString(inst.InstanceId), nil
		}
	}
	return "", nil
}

// ListNodes returns public IPs of this driver's running instances.
func (c *Client) ListNodes(ctx context.Context) ([]string, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:ManagedBy"), Values: []string{managedByTag}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.PublicIpAddress != nil {
				ips = append(ips, aws.ToString(inst.PublicIpAddress))
			}
		}
	}
	return ips, nil
}
