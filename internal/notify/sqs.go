package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQS struct {
	Client   SQSAPI
	QueueURL string
}

func NewSQSFromEnv(ctx context.Context, region, queueURL string) (*SQS, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQS{Client: sqs.NewFromConfig(cfg), QueueURL: queueURL}, nil
}

func (s *SQS) Publish(ctx context.Context, c Completion) error {
	body, err := c.Encode()
	if err != nil {
		return err
	}
	_, err = s.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status":     {DataType: aws.String("String"), StringValue: aws.String(c.Status)},
			"deployment": {DataType: aws.String("String"), StringValue: aws.String(c.Deployment)},
		},
	})
	if err != nil {
		return fmt.Errorf("send completion for task %s: %w", c.TaskID, err)
	}
	return nil
}
