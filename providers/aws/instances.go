package aws

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/models"
)

const (
	scriptFile = "job.sh"
	exitFile   = ".job.exit"
	dirMarker  = ".hpc-dir"

	tagManagedBy = "ManagedBy"
	tagTaskID    = "hpc-orchestrator:task-id"
	tagWorkDir   = "hpc-orchestrator:workdir"
)

// Prepare implements backends.Backend. The working directory is a fresh
// prefix marked by an empty object.
func (c *Client) Prepare(ctx context.Context, res models.ResourceHandle, name string) (string, error) {
	dir := "/" + path.Join(c.cfg.Prefix, sanitize(name)+"-"+uuid.NewString()[:8])
	if err := c.putObject(ctx, "Prepare", res, path.Join(dir, dirMarker), nil); err != nil {
		return "", err
	}
	return dir, nil
}

// Submit implements backends.Backend. The instance syncs the working
// directory, runs the script, uploads results plus an exit marker and
// terminates itself.
func (c *Client) Submit(ctx context.Context, req backends.SubmitRequest) (string, error) {
	res := req.Resource
	if err := c.requireDir(ctx, "Submit", res, req.WorkDir); err != nil {
		return "", err
	}
	if err := c.putObject(ctx, "Submit", res, path.Join(req.WorkDir, scriptFile), []byte(req.Script)); err != nil {
		return "", err
	}

	instanceType := res.Category
	if instanceType == "" {
		instanceType = c.cfg.InstanceType
	}
	if instanceType == "" {
		return "", c.wrap("Submit", res, req.WorkDir, fmt.Errorf("no instance type for cluster %s", res.Cluster))
	}
	amiID, err := c.GetAMI(ctx, res.Cluster, instanceType, res.Constraints["ami"])
	if err != nil {
		return "", c.wrap("Submit", res, req.WorkDir, fmt.Errorf("failed to resolve AMI: %w", err))
	}

	input := &ec2.RunInstancesInput{
		ImageId:                           aws.String(amiID),
		InstanceType:                      types.InstanceType(instanceType),
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte(c.UserData(req)))),
		ClientToken:                       aws.String(req.TaskID),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String("Name"), Value: aws.String(req.Name)},
				{Key: aws.String(tagManagedBy), Value: aws.String("hpc-orchestrator")},
				{Key: aws.String(tagTaskID), Value: aws.String(req.TaskID)},
				{Key: aws.String(tagWorkDir), Value: aws.String(req.WorkDir)},
			},
		}},
	}
	if profile := firstNonEmpty(res.Constraints["instance_profile"], c.cfg.InstanceProfile); profile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(profile)}
	}
	if subnet := firstNonEmpty(res.Constraints["subnet"], c.cfg.SubnetID); subnet != "" {
		input.SubnetId = aws.String(subnet)
	}
	if len(c.cfg.SecurityGroups) > 0 {
		input.SecurityGroupIds = c.cfg.SecurityGroups
	}
	if c.cfg.KeyName != "" {
		input.KeyName = aws.String(c.cfg.KeyName)
	}
	if res.Constraints["spot"] == "true" {
		spot := &types.SpotMarketOptions{SpotInstanceType: types.SpotInstanceTypeOneTime}
		if price := res.Constraints["spot_max_price"]; price != "" {
			spot.MaxPrice = aws.String(price)
		}
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType:  types.MarketTypeSpot,
			SpotOptions: spot,
		}
	}

	out, err := c.ec2For(res.Cluster).RunInstances(ctx, input)
	if err != nil {
		return "", c.wrapAPI("Submit", res, req.WorkDir, err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", c.wrap("Submit", res, req.WorkDir, fmt.Errorf("RunInstances returned no instance"))
	}
	id := aws.ToString(out.Instances[0].InstanceId)
	c.log.Debug("launched instance",
		zap.String("job_id", id), zap.String("region", res.Cluster), zap.String("instance_type", instanceType))
	return id, nil
}

// Poll implements backends.Backend. A finished run reports "exited:<code>"
// from its exit marker; otherwise the instance state is returned.
func (c *Client) Poll(ctx context.Context, res models.ResourceHandle, jobID string) (string, error) {
	out, err := c.ec2For(res.Cluster).DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{jobID}})
	if err != nil {
		return "", c.wrapAPI("Poll", res, jobID, err)
	}
	var inst *types.Instance
	for _, r := range out.Reservations {
		for i := range r.Instances {
			if aws.ToString(r.Instances[i].InstanceId) == jobID {
				inst = &r.Instances[i]
			}
		}
	}
	if inst == nil {
		return "", c.wrap("Poll", res, jobID, backends.ErrJobNotFound)
	}

	if workdir := tagValue(inst.Tags, tagWorkDir); workdir != "" {
		data, err := c.getObject(ctx, "Poll", res, path.Join(workdir, exitFile))
		switch {
		case err == nil:
			code := strings.TrimSpace(string(data))
			if _, convErr := strconv.Atoi(code); convErr == nil {
				return "exited:" + code, nil
			}
		case !backends.IsNotExist(err):
			return "", err
		}
	}
	if inst.State == nil {
		return "", c.wrap("Poll", res, jobID, fmt.Errorf("instance has no state"))
	}
	return string(inst.State.Name), nil
}

// Cancel implements backends.Backend
func (c *Client) Cancel(ctx context.Context, res models.ResourceHandle, jobID string) error {
	_, err := c.ec2For(res.Cluster).TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{jobID}})
	if err != nil {
		err = c.wrapAPI("Cancel", res, jobID, err)
		if backends.IsJobNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// UserData renders the boot script of a task instance
func (c *Client) UserData(req backends.SubmitRequest) string {
	uri := c.s3URI(req.WorkDir)
	limit := int(req.Resource.Walltime.Std().Seconds())
	if limit <= 0 {
		limit = 3600
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, `#!/bin/bash
set -u
WORK=/opt/hpc/%s
mkdir -p "$WORK" && cd "$WORK"

if ! command -v aws > /dev/null 2>&1; then
    (apt-get update -y && apt-get install -y awscli) || yum install -y awscli
fi

aws s3 sync '%s/' . --exclude '%s'
timeout %d bash %s > stdout.log 2> stderr.log
echo $? > %s
aws s3 sync . '%s/' --exclude '%s' --exclude '%s'
aws s3 cp %s '%s/%s'

shutdown -h now
`, sanitize(req.Name), uri, exitFile, limit, scriptFile, exitFile, uri, exitFile, dirMarker, exitFile, uri, exitFile)
	return b.String()
}

func (c *Client) requireDir(ctx context.Context, op string, res models.ResourceHandle, dir string) error {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key(path.Join(dir, dirMarker))),
	})
	if err != nil {
		return c.wrapAPI(op, res, dir, err)
	}
	return nil
}

func tagValue(tags []types.Tag, k string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == k {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}
