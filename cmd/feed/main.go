package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"concierge-sync/handler"
	appconfig "concierge-sync/internal/config"
	"concierge-sync/internal/integrations/paramstore"
	"concierge-sync/internal/realtime"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := appconfig.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	amqpURL, err := cfg.ResolveAMQPURL(ctx, ssmClient)
	if err != nil {
		logger.Error("failed to resolve broker URL", "err", err)
		os.Exit(1)
	}
	conn, err := realtime.Dial(amqpURL)
	if err != nil {
		logger.Error("failed to connect to broker", "err", err)
		os.Exit(1)
	}
	ch, err := conn.Channel()
	if err != nil {
		logger.Error("failed to open broker channel", "err", err)
		os.Exit(1)
	}
	publisher, err := realtime.NewPublisher(ch, cfg.Exchange, "concierge-feed", logger)
	if err != nil {
		logger.Error("failed to create publisher", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(publisher, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
