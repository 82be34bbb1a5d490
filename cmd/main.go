package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambdaurl"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"

	"booking-agent/handler"
	"booking-agent/internal/auth"
	"booking-agent/internal/integrations/openai"
	"booking-agent/internal/integrations/paramstore"
	"booking-agent/internal/integrations/weather"
	"booking-agent/internal/repository"
	"booking-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	maxToolSteps := envInt("MAX_TOOL_STEPS", 8)
	maxMessages := envInt("MAX_MESSAGES", 40)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	store, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create store client", "err", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	weatherClient := weather.NewClient()

	jwtSecret, err := ssmClient.GetParameter(ctx, paramPrefix+"/jwt_secret")
	if err != nil {
		slog.Error("failed to load JWT secret", "err", err)
		os.Exit(1)
	}
	guard, err := auth.NewGuard(jwtSecret)
	if err != nil {
		slog.Error("failed to create session guard", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(ssmClient, openaiClient, store, weatherClient, paramPrefix, maxToolSteps, maxMessages, slog.Default())
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	h.Register(router, guard)

	// Lambda Function URLs support response streaming; local runs serve
	// plain HTTP on PORT.
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambdaurl.Start(router)
		return
	}

	slog.Info("listening", "port", port)
	if err := http.ListenAndServe(":"+port, router); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
