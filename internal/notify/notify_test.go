package notify

import (
	"confstore/internal/types"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
)

type NotifyTestSuite struct {
	suite.Suite
}

func TestNotifyTestSuite(t *testing.T) {
	suite.Run(t, new(NotifyTestSuite))
}

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func (s *NotifyTestSuite) TestPublishSNS() {
	cli := &fakeSNS{}
	p := NewSNS(cli, "arn:aws:sns:us-east-1:000000000000:confstore")
	ev := types.ChangeEvent{Type: types.ChangeEntryPut, Namespace: "acme", Repository: "app", Key: "k", Version: 3, At: 1700000000}
	s.Require().NoError(p.Publish(context.Background(), ev))

	s.Require().Len(cli.inputs, 1)
	in := cli.inputs[0]
	s.Equal("arn:aws:sns:us-east-1:000000000000:confstore", aws.ToString(in.TopicArn))
	s.Equal("application/json", aws.ToString(in.MessageAttributes["content-type"].StringValue))
	s.Equal("entry_put", aws.ToString(in.MessageAttributes["event-type"].StringValue))

	var got types.ChangeEvent
	s.Require().NoError(json.Unmarshal([]byte(aws.ToString(in.Message)), &got))
	s.Equal(ev, got)
}

func (s *NotifyTestSuite) TestPublishFailureIsDataAccessFailure() {
	p := NewSNS(&fakeSNS{err: errors.New("throttled")}, "arn")
	err := p.Publish(context.Background(), types.ChangeEvent{Type: types.ChangeEntryRemoved})
	s.Equal(types.DataAccessFailure, types.KindOf(err))
}

func (s *NotifyTestSuite) TestFromConfig() {
	p, err := FromConfig(context.Background(), types.Config{})
	s.Require().NoError(err)
	s.IsType(Nop{}, p)
	s.NoError(p.Publish(context.Background(), types.ChangeEvent{}))

	s.T().Setenv("AWS_REGION", "us-east-1")
	p, err = FromConfig(context.Background(), types.Config{SNSTopicARN: "arn", SNSEndpoint: "http://localhost:4566"})
	s.Require().NoError(err)
	s.IsType(&SNS{}, p)
}
