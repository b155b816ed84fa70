package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/quillspace/quill/internal/config"
	"github.com/quillspace/quill/internal/storage/sqlite"
	"github.com/quillspace/quill/internal/types"
)

func initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database and apply the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := sqlite.New(cmd.Context(), cfg.Storage.Path)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Printf("Database ready at %s\n", cfg.Storage.Path)
			return nil
		},
	}
}

// tokenCmd mints a development key pair and a signed bearer token for a
// given author identity. The printed public key goes into auth.public_key.
func tokenCmd() *cobra.Command {
	var (
		subject string
		scope   string
		level   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dev key pair and bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := types.ParseAuthorID(subject); err != nil {
				return fmt.Errorf("--subject must be a 64-char hex author id: %w", err)
			}
			if level != "" {
				if _, err := types.ParseClassificationLevel(level); err != nil {
					return err
				}
			}

			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			spki, err := x509.MarshalPKIXPublicKey(pub)
			if err != nil {
				return err
			}

			now := time.Now()
			claims := jwt.MapClaims{
				"sub":   subject,
				"iss":   "quill",
				"iat":   now.Unix(),
				"nbf":   now.Unix(),
				"exp":   now.Add(ttl).Unix(),
				"scope": scope,
			}
			if level != "" {
				claims["level"] = level
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
			if err != nil {
				return err
			}

			fmt.Printf("auth.public_key: %s\n", base64.StdEncoding.EncodeToString(spki))
			fmt.Printf("bearer token:    %s\n", token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "author identity (64-char hex)")
	cmd.Flags().StringVar(&scope, "scope", "notebooks", "token scope")
	cmd.Flags().StringVar(&level, "level", "", "clearance level claim (optional)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
