package notify

import (
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/goccy/go-json"
)

// SNSAPI is the part of *sns.Client the publisher needs.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes change events as JSON messages to one topic.
type SNS struct {
	cli      SNSAPI
	topicARN string
}

func NewSNS(c SNSAPI, topicARN string) *SNS { return &SNS{cli: c, topicARN: topicARN} }

func (s *SNS) Publish(ctx context.Context, ev types.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	_, err = s.cli.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"content-type": {DataType: aws.String("String"), StringValue: aws.String("application/json")},
			"event-type":   {DataType: aws.String("String"), StringValue: aws.String(string(ev.Type))},
			"namespace":    {DataType: aws.String("String"), StringValue: aws.String(ev.Namespace)},
		},
	})
	if err != nil {
		return types.DataAccessErr(err, "Failed to publish change event")
	}
	return nil
}

// FromConfig returns the publisher selected by cfg: SNS when SNS_TOPIC_ARN is set, Nop otherwise.
// SNS_ENDPOINT points the client at a local emulator with static test credentials.
func FromConfig(ctx context.Context, cfg types.Config) (ports.ChangePublisher, error) {
	if cfg.SNSTopicARN == "" {
		return Nop{}, nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	cli := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.SNSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.SNSEndpoint)
			if o.Region == "" {
				o.Region = "us-east-1"
			}
			o.Credentials = credentials.NewStaticCredentialsProvider("test", "test", "")
		}
	})
	return NewSNS(cli, cfg.SNSTopicARN), nil
}
