package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/indexflow/transport"
	"github.com/drblury/indexflow/transport/transporttest"
)

type captured struct {
	accountID string
	region    string
	pub       sns.PublisherConfig
	sub       sns.SubscriberConfig
	sqs       sqs.SubscriberConfig
	publisher *transporttest.Publisher
}

func stubAWS(t *testing.T, loadErr, pubErr, subErr error) *captured {
	t.Helper()
	originalLoader, originalResolver := DefaultConfigLoader, TopicResolverFactory
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	c := &captured{publisher: &transporttest.Publisher{}}
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		if loadErr != nil {
			return aws.Config{}, loadErr
		}
		var lo awsconfig.LoadOptions
		for _, opt := range opts {
			require.NoError(t, opt(&lo))
		}
		return aws.Config{Region: lo.Region, Credentials: lo.Credentials}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		c.accountID, c.region = accountID, region
		return sns.NewGenerateArnTopicResolver(accountID, region)
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		c.pub = cfg
		if pubErr != nil {
			return nil, pubErr
		}
		return c.publisher, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		c.sub, c.sqs = cfg, sqsCfg
		if subErr != nil {
			return nil, subErr
		}
		return &transporttest.Subscriber{}, nil
	}
	return c
}

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	caps := reg.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.Durable)
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	c := stubAWS(t, nil, nil, nil)

	tr, err := Build(context.Background(), &transporttest.Config{
		AWSRegion:          "eu-central-1",
		AWSAccountID:       "'123456789012'",
		AWSAccessKeyID:     "key",
		AWSSecretAccessKey: "secret",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)

	assert.Equal(t, "123456789012", c.accountID)
	assert.Equal(t, "eu-central-1", c.region)
	assert.Empty(t, c.pub.OptFns)
	assert.Empty(t, c.sqs.OptFns)

	creds, err := c.pub.AWSConfig.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key", creds.AccessKeyID)
}

func TestBuild_LocalStackEndpoint(t *testing.T) {
	c := stubAWS(t, nil, nil, nil)

	_, err := Build(context.Background(), &transporttest.Config{
		AWSRegion:   "us-east-1",
		AWSEndpoint: "http://localhost:4566",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, localstackAccountID, c.accountID)
	assert.Len(t, c.pub.OptFns, 1)
	assert.Len(t, c.sub.OptFns, 1)
	assert.Len(t, c.sqs.OptFns, 1)
}

func TestBuild_Errors(t *testing.T) {
	cfg := &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}

	t.Run("region required", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, nil)
		assert.ErrorIs(t, err, ErrNoRegion)
	})

	t.Run("bad endpoint", func(t *testing.T) {
		stubAWS(t, nil, nil, nil)
		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1", AWSEndpoint: "localhost"}, nil)
		assert.ErrorContains(t, err, "absolute URL")
	})

	t.Run("config loader", func(t *testing.T) {
		stubAWS(t, errors.New("no credentials"), nil, nil)
		_, err := Build(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "no credentials")
	})

	t.Run("publisher", func(t *testing.T) {
		stubAWS(t, nil, errors.New("publisher error"), nil)
		_, err := Build(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber closes publisher", func(t *testing.T) {
		c := stubAWS(t, nil, nil, errors.New("subscriber error"))
		_, err := Build(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, c.publisher.Closed)
	})
}

func TestQueueName(t *testing.T) {
	name, err := queueName(context.Background(), sns.TopicArn("arn:aws:sns:us-east-1:123456789012:indexflow-streams"))
	require.NoError(t, err)
	assert.Equal(t, "indexflow-streams"+QueueSuffix, name)
}

func TestResolveAccountID(t *testing.T) {
	logger := watermill.NopLogger{}
	assert.Equal(t, "123456789012", resolveAccountID(&transporttest.Config{AWSAccountID: "\"123456789012\""}, logger))
	assert.Equal(t, "abc", resolveAccountID(&transporttest.Config{AWSAccountID: "abc"}, logger))
	assert.Equal(t, localstackAccountID, resolveAccountID(&transporttest.Config{AWSAccountID: "abc", AWSEndpoint: "http://localhost:4566"}, logger))
	assert.Equal(t, localstackAccountID, resolveAccountID(&transporttest.Config{AWSEndpoint: "http://localhost:4566"}, logger))
}
