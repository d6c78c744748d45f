package logsink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// PutLogEvents limits.
const (
	maxBatchEvents = 10000
	maxBatchBytes  = 1048576
	eventOverhead  = 26
)

// CloudWatchAPI is the subset of the CloudWatch Logs client in use.
type CloudWatchAPI interface {
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

type CloudWatch struct {
	client CloudWatchAPI

	mu      sync.Mutex
	groups  map[string]bool
	streams map[string]bool
}

func NewCloudWatch(client CloudWatchAPI) *CloudWatch {
	return &CloudWatch{client: client, groups: map[string]bool{}, streams: map[string]bool{}}
}

// NewCloudWatchFromEnv resolves credentials through the default AWS chain.
func NewCloudWatchFromEnv(ctx context.Context, region string) (*CloudWatch, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewCloudWatch(cloudwatchlogs.NewFromConfig(cfg)), nil
}

func (c *CloudWatch) EnsureGroup(ctx context.Context, group string, retentionDays int) error {
	c.mu.Lock()
	done := c.groups[group]
	c.mu.Unlock()
	if done {
		return nil
	}
	_, err := c.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(group)})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("create log group %s: %w", group, err)
	}
	if retentionDays > 0 {
		_, err = c.client.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(group),
			RetentionInDays: aws.Int32(int32(retentionDays)),
		})
		if err != nil {
			return fmt.Errorf("put retention policy %s: %w", group, err)
		}
	}
	c.mu.Lock()
	c.groups[group] = true
	c.mu.Unlock()
	return nil
}

func (c *CloudWatch) Append(ctx context.Context, group, stream string, lines []Line) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}
	if err := c.ensureStream(ctx, group, stream); err != nil {
		return 0, err
	}
	// PutLogEvents rejects batches that are not in chronological order. Lines
	// keep their order; a timestamp earlier than its predecessor is raised.
	events := make([]types.InputLogEvent, 0, len(lines))
	var last int64
	for _, l := range lines {
		ts := l.At.UnixMilli()
		if ts < last {
			ts = last
		}
		last = ts
		events = append(events, types.InputLogEvent{
			Message:   aws.String(l.Message),
			Timestamp: aws.Int64(ts),
		})
	}

	stored := 0
	for _, batch := range batchEvents(events) {
		_, err := c.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(group),
			LogStreamName: aws.String(stream),
			LogEvents:     batch,
		})
		if err != nil {
			return stored, fmt.Errorf("put log events %s/%s: %w", group, stream, err)
		}
		stored += len(batch)
	}
	return stored, nil
}

func (c *CloudWatch) ensureStream(ctx context.Context, group, stream string) error {
	key := group + "\x00" + stream
	c.mu.Lock()
	done := c.streams[key]
	c.mu.Unlock()
	if done {
		return nil
	}
	_, err := c.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("create log stream %s/%s: %w", group, stream, err)
	}
	c.mu.Lock()
	c.streams[key] = true
	c.mu.Unlock()
	return nil
}

func batchEvents(events []types.InputLogEvent) [][]types.InputLogEvent {
	var out [][]types.InputLogEvent
	var cur []types.InputLogEvent
	size := 0
	for _, ev := range events {
		n := len(*ev.Message) + eventOverhead
		if len(cur) > 0 && (len(cur) == maxBatchEvents || size+n > maxBatchBytes) {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, ev)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func alreadyExists(err error) bool {
	var exists *types.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}
