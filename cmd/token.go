package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/crewharbor/payments/internal/api/auth"
	"github.com/crewharbor/payments/internal/config"
)

// TokenCommand returns the command for minting operator API tokens
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint a bearer token for the operator API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "operator",
				Usage:    "Operator identity embedded in the token",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime",
				Value: 12 * time.Hour,
			},
		},
		Action: runToken,
	}
}

func runToken(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Operator.JWTSecret == "" {
		return fmt.Errorf("operator jwt_secret is not configured")
	}

	ts := auth.NewTokenService(cfg.Operator.JWTSecret)
	ts.TokenDuration = c.Duration("ttl")

	token, err := ts.MintToken(c.String("operator"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
