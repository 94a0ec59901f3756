package notify

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/cockroachdb/errors"
)

// SNSAPI is the slice of the SNS client used by the sink.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes failure events to an SNS topic, typically fanned out to
// an operator mailing list.
type SNSSink struct {
	api      SNSAPI
	topicARN string
}

func NewSNSSink(api SNSAPI, topicARN string) *SNSSink {
	return &SNSSink{api: api, topicARN: topicARN}
}

func (s *SNSSink) Publish(ctx context.Context, ev Event) error {
	_, err := s.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(ev.Subject()),
		Message:  aws.String(ev.Body()),
	})
	if err != nil {
		return errors.Wrapf(err, "publishing to %s", s.topicARN)
	}
	return nil
}
