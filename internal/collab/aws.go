package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/crypto/ssh"

	"github.com/bridgegate/bridgegate/internal/config"
)

// ssmAPI is the slice of the SSM client the secret source needs.
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// s3API is the slice of the S3 client the report store needs.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// secretPayload is the JSON document stored in the secret parameter.
type secretPayload struct {
	User       string `json:"user"`
	Host       string `json:"host"`
	PrivateKey string `json:"private_key"`
}

// SSMSecretSource fetches gateway SSH credentials from an encrypted SSM
// parameter. The parameter value is a JSON document naming the user, the
// host, and a PEM or OpenSSH private key.
type SSMSecretSource struct {
	client    ssmAPI
	parameter string
	log       *slog.Logger
}

// NewSSMSecretSource wraps an SSM client for the given parameter name.
func NewSSMSecretSource(client ssmAPI, parameter string, logger *slog.Logger) *SSMSecretSource {
	return &SSMSecretSource{
		client:    client,
		parameter: parameter,
		log:       logger.With("component", "secrets"),
	}
}

// Fetch retrieves and parses the credentials. The private key is parsed
// eagerly so a malformed secret fails here rather than mid-connection.
func (s *SSMSecretSource) Fetch(ctx context.Context) (Credentials, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.parameter),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("fetching parameter %s: %w", s.parameter, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Credentials{}, fmt.Errorf("parameter %s has no value", s.parameter)
	}

	var payload secretPayload
	if err := json.Unmarshal([]byte(*out.Parameter.Value), &payload); err != nil {
		return Credentials{}, fmt.Errorf("parsing secret payload: %w", err)
	}
	if payload.User == "" || payload.Host == "" {
		return Credentials{}, fmt.Errorf("secret payload is missing user or host")
	}

	signer, err := ssh.ParsePrivateKey([]byte(payload.PrivateKey))
	if err != nil {
		return Credentials{}, fmt.Errorf("parsing gateway private key: %w", err)
	}
	s.log.Debug("fetched gateway credentials",
		"host", payload.Host, "key_type", signer.PublicKey().Type())

	return Credentials{
		User:   payload.User,
		Host:   payload.Host,
		Signer: signer,
	}, nil
}

// S3ReportStore writes reports to a bucket under a fixed prefix.
type S3ReportStore struct {
	client s3API
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3ReportStore wraps an S3 client for the given bucket and prefix.
func NewS3ReportStore(client s3API, bucket, prefix string, logger *slog.Logger) *S3ReportStore {
	return &S3ReportStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    logger.With("component", "reports"),
	}
}

// Put uploads the report body and returns the object key.
func (s *S3ReportStore) Put(ctx context.Context, name string, body []byte) (string, error) {
	key := path.Join(s.prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading report %s: %w", key, err)
	}
	s.log.Info("report uploaded", "bucket", s.bucket, "key", key, "bytes", len(body))
	return key, nil
}

// Clients bundles the configured collaborators. Nil fields mean the
// corresponding collaborator was not configured.
type Clients struct {
	Secrets  SecretSource
	Reports  ReportStore
	Notifier Notifier
}

// NewClients constructs the collaborators named in the config. AWS
// clients are only built when at least one AWS-backed collaborator is
// configured, so hosts without AWS credentials still bootstrap fine.
func NewClients(ctx context.Context, cfg config.CollabConfig, logger *slog.Logger) (Clients, error) {
	var c Clients

	if cfg.SecretParameter != "" || cfg.ReportBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return Clients{}, fmt.Errorf("loading aws config: %w", err)
		}
		if cfg.SecretParameter != "" {
			c.Secrets = NewSSMSecretSource(ssm.NewFromConfig(awsCfg), cfg.SecretParameter, logger)
		}
		if cfg.ReportBucket != "" {
			c.Reports = NewS3ReportStore(s3.NewFromConfig(awsCfg), cfg.ReportBucket, cfg.ReportPrefix, logger)
		}
	}

	if cfg.WebhookURL != "" {
		c.Notifier = NewWebhookNotifier(cfg.WebhookURL, logger)
	}

	return c, nil
}
