package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

type CLI struct {
	Config   kong.ConfigFlag `help:"Load flag defaults from a JSON file."`
	EnvFile  string          `name:"env-file" default:".env" help:"Environment file read before flags are resolved."`
	LogLevel string          `name:"log-level" default:"info" enum:"debug,info,warn,error" env:"FHIR_AUTH_LOG_LEVEL" help:"Log level."`

	Keygen    KeygenCmd    `cmd:"" help:"Create the signing key and public key set if they do not exist."`
	Assertion AssertionCmd `cmd:"" help:"Print a signed client assertion."`
	Token     TokenCmd     `cmd:"" help:"Exchange a client assertion for a bearer token."`
	JWKS      JWKSCmd      `cmd:"" name:"jwks" help:"Print the public key set of the signing key."`
	Serve     ServeCmd     `cmd:"" help:"Publish the signing key over the external JWT signer gRPC API."`
}

// loadEnvFile reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// envFileArg finds --env-file before kong parses, since env tags are resolved
// during parsing.
func envFileArg(args []string) string {
	for i, arg := range args {
		if arg == "--env-file" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--env-file="); ok {
			return v
		}
	}
	return ".env"
}

func newParser(cli *CLI, stdout io.Writer) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("fhirauth"),
		kong.Description("Client credentials for FHIR servers: signing keys, client assertions and bearer tokens."),
		kong.Configuration(kong.JSON),
		kong.UsageOnError(),
		kong.BindTo(stdout, (*io.Writer)(nil)),
	)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if err := loadEnvFile(envFileArg(args)); err != nil {
		return err
	}

	var cli CLI
	parser, err := newParser(&cli, stdout)
	if err != nil {
		return err
	}
	cliCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cliCtx.BindTo(ctx, (*context.Context)(nil))
	cliCtx.Bind(logger)

	return cliCtx.Run()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to run CLI", slog.Any("error", err))
		os.Exit(1)
	}
}
