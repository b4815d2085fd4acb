package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Default image name patterns, newest match wins
const (
	defaultGPUImagePattern = "Deep Learning Base OSS Nvidia Driver GPU AMI (Ubuntu 22.04)*"
	defaultCPUImagePattern = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"
)

// GetAMI resolves the image for an instance in a region: an explicit id,
// then the configured per-region override, then the newest public image
// matching the name pattern. Lookups are cached.
func (c *Client) GetAMI(ctx context.Context, region, instanceType, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if ami, ok := c.cfg.AMIs[region]; ok && ami != "" {
		return ami, nil
	}

	cacheKey := region + "|" + instanceType
	c.mu.Lock()
	ami, ok := c.amis[cacheKey]
	c.mu.Unlock()
	if ok {
		return ami, nil
	}

	pattern := c.cfg.AMINamePattern
	if pattern == "" {
		pattern = defaultCPUImagePattern
		if isGPUInstance(instanceType) {
			pattern = defaultGPUImagePattern
		}
	}

	out, err := c.ec2For(region).DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"amazon", "099720109477"},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{pattern}},
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("architecture"), Values: []string{"x86_64"}},
		},
	})
	if err != nil {
		return "", err
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("no image matching %q in region %s", pattern, region)
	}

	images := out.Images
	// CreationDate is ISO 8601, so lexical order is chronological
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	ami = aws.ToString(images[0].ImageId)

	c.mu.Lock()
	c.amis[cacheKey] = ami
	c.mu.Unlock()
	return ami, nil
}

// isGPUInstance reports whether an instance type belongs to an accelerated family
func isGPUInstance(instanceType string) bool {
	family, _, _ := strings.Cut(instanceType, ".")
	for _, prefix := range []string{"p2", "p3", "p4", "p5", "g3", "g4", "g5", "g6"} {
		if strings.HasPrefix(family, prefix) {
			return true
		}
	}
	return false
}
