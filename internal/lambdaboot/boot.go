// Package lambdaboot provides the cold-start bootstrap shared by the Lambda
// handler and the CLI.
//
// Every entry point needs some subset of: AWS config, S3, DynamoDB,
// EventBridge, SSM parameter fetch, and startup logging. This package keeps
// the common init patterns so each main is a short composition of helpers.
package lambdaboot

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/config"
	"github.com/fpang/media-relay/internal/logging"
	"github.com/fpang/media-relay/internal/store"
)

// AWSClients holds the core AWS SDK clients.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// S3Clients holds S3 client, presigner, and bucket name.
type S3Clients struct {
	Client    *s3.Client
	Presigner *s3.PresignClient
	Bucket    string
}

// InitAWS loads the default AWS config. region overrides the environment
// when non-empty.
func InitAWS(ctx context.Context, region string) (AWSClients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return AWSClients{}, apperr.Configuration("load AWS config: %v", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}, nil
}

// InitS3 creates an S3 client and presigner for bucket.
func InitS3(cfg aws.Config, bucket string) S3Clients {
	client := s3.NewFromConfig(cfg)
	return S3Clients{
		Client:    client,
		Presigner: s3.NewPresignClient(client),
		Bucket:    bucket,
	}
}

// InitLedgerOptional creates a DynamoDB attempt ledger if a table is
// configured. Returns nil (with a warning) otherwise.
func InitLedgerOptional(cfg aws.Config, table string) store.Ledger {
	if table == "" {
		log.Warn().Msg("Ledger table not set, attempt ledger disabled")
		return nil
	}
	return store.NewDynamoLedger(dynamodb.NewFromConfig(cfg), table)
}

// InitEventBridgeOptional creates an EventBridge client if a bus is configured.
func InitEventBridgeOptional(cfg aws.Config, bus string) *eventbridge.Client {
	if bus == "" {
		return nil
	}
	return eventbridge.NewFromConfig(cfg)
}

// ParameterGetter is the SSM call used to read secrets.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecrets fills empty secret fields in cfg from the SSM parameters named
// under cfg.Secrets. The Instagram token is required: failing to read it is a
// configuration error. The others only disable their feature.
func LoadSecrets(ctx context.Context, params ParameterGetter, cfg *config.Config) error {
	if cfg.Instagram.AccessToken == "" && cfg.Secrets.InstagramToken != "" {
		v, err := getParameter(ctx, params, cfg.Secrets.InstagramToken)
		if err != nil {
			return apperr.Configuration("read Instagram token from %s: %v", cfg.Secrets.InstagramToken, err)
		}
		cfg.Instagram.AccessToken = v
		log.Debug().Str("param", cfg.Secrets.InstagramToken).Msg("Instagram token loaded from SSM")
	}

	optional := []struct {
		name  string
		param string
		dst   *string
	}{
		{"telegram", cfg.Secrets.TelegramToken, &cfg.Telegram.BotToken},
		{"cloudinary", cfg.Secrets.CloudinarySecret, &cfg.Transient.Cloudinary.APISecret},
	}
	for _, o := range optional {
		if *o.dst != "" || o.param == "" {
			continue
		}
		v, err := getParameter(ctx, params, o.param)
		if err != nil {
			log.Warn().Err(err).Str("param", o.param).Str("feature", o.name).Msg("Secret not found in SSM, feature disabled")
			continue
		}
		*o.dst = v
		log.Debug().Str("param", o.param).Msg("Secret loaded from SSM")
	}
	return nil
}

func getParameter(ctx context.Context, params ParameterGetter, name string) (string, error) {
	if params == nil {
		return "", apperr.Configuration("no SSM client available")
	}
	start := time.Now()
	out, err := params.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", apperr.Configuration("parameter %s has no value", name)
	}
	log.Trace().Str("param", name).Dur("elapsed", time.Since(start)).Msg("SSM parameter read")
	return *out.Parameter.Value, nil
}

// StartupLog is a convenience wrapper for the startup logger. It records the
// resources and feature flags cfg describes; secrets appear only as their
// parameter paths.
func StartupLog(name string, initStart time.Time, cfg *config.Config) *logging.StartupLogger {
	s := logging.NewStartupLogger(name).
		InitDuration(time.Since(initStart)).
		S3Bucket("media", cfg.Storage.Bucket).
		DynamoTable("ledger", cfg.Ledger.Table).
		SSMParam("instagramToken", cfg.Secrets.InstagramToken).
		SSMParam("telegramToken", cfg.Secrets.TelegramToken).
		SSMParam("cloudinarySecret", cfg.Secrets.CloudinarySecret).
		EventBus("events", cfg.EventBridge.Bus).
		Feature("facebook", cfg.Facebook.Enabled).
		Feature("cloudinary", cfg.Transient.Backend == config.BackendCloudinary).
		Feature("telegram", cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "").
		Feature("eventbridge", cfg.EventBridge.Bus != "").
		Feature("ledger", cfg.Ledger.Table != "")
	for k, v := range cfg.Summary() {
		s.Config(k, v)
	}
	return s
}
