package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/jimmicro/version"
	"github.com/jimyag/assistd/internal/assistd"
	"github.com/jimyag/assistd/internal/assistd/config"
	"github.com/jimyag/assistd/pkg/sealed"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	var (
		configPath  string
		logLevel    string
		genIdentity bool
	)
	flagSet := pflag.NewFlagSet("assistd", pflag.ExitOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("ASSISTD_CONFIG"), "path to yaml config file")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.BoolVar(&genIdentity, "gen-identity", false, "print a new secret identity and its recipient, then exit")
	_ = flagSet.Parse(os.Args[1:])

	if genIdentity {
		identity, recipient, err := sealed.GenerateIdentity()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate identity")
		}
		fmt.Printf("# recipient: %s\n%s\n", recipient, identity)
		return
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", logLevel).Msg("Invalid log level")
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	log.Logger = logger

	cfg, err := config.New(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create config")
	}
	server, err := assistd.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}
	if err := server.Run(logger.WithContext(context.Background())); err != nil {
		log.Fatal().Err(err).Msg("Failed to run server")
	}
}
