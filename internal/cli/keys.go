package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/auth"
)

// SecretKeyEnv names the environment variable sign falls back to when
// --key is not given.
const SecretKeyEnv = "PREDICTA_SECRET_KEY"

type keyOutput struct {
	Pubkey    address.Address `json:"pubkey"`
	SecretKey string          `json:"secret_key"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var seedHex string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 identity",
		Long: `Generate an Ed25519 key pair. The public key is the caller identity the
API expects in X-Predicta-Pubkey; the secret key (base58, 64 bytes) is what
"predictactl sign" consumes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := newKey(seedHex, rand.Reader)
			if err != nil {
				return err
			}
			pub, err := address.FromBytes(priv.Public().(ed25519.PublicKey))
			if err != nil {
				return err
			}
			out := keyOutput{Pubkey: pub, SecretKey: base58.Encode(priv)}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(out,
				Field{"pubkey", out.Pubkey},
				Field{"secret_key", out.SecretKey},
			)
		},
	}

	cmd.Flags().StringVar(&seedHex, "seed", "", "32-byte hex seed for a deterministic key")
	return cmd
}

func newKey(seedHex string, random io.Reader) (ed25519.PrivateKey, error) {
	if seedHex == "" {
		_, priv, err := ed25519.GenerateKey(random)
		return priv, err
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("--seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("--seed: need %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// ParseSecretKey decodes a base58 secret key as printed by keygen.
func ParseSecretKey(s string) (ed25519.PrivateKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("secret key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key: need %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	return ed25519.PrivateKey(b), nil
}

type signOutput struct {
	Pubkey    address.Address `json:"pubkey"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature"`
}

// NewSignCommand creates the sign command.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		key       string
		method    string
		path      string
		bodyFile  string
		timestamp int64
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Produce the authentication headers for an API request",
		Long: `Sign METHOD, PATH, a unix timestamp and the SHA-256 of the request body.
The output is the three X-Predicta-* header values.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv(SecretKeyEnv)
			}
			if key == "" {
				return fmt.Errorf("--key or %s is required", SecretKeyEnv)
			}
			priv, err := ParseSecretKey(key)
			if err != nil {
				return err
			}

			var body []byte
			switch bodyFile {
			case "":
			case "-":
				body, err = io.ReadAll(cmd.InOrStdin())
			default:
				body, err = os.ReadFile(bodyFile)
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			if timestamp == 0 {
				timestamp = time.Now().Unix()
			}
			pub, err := address.FromBytes(priv.Public().(ed25519.PublicKey))
			if err != nil {
				return err
			}
			out := signOutput{
				Pubkey:    pub,
				Timestamp: timestamp,
				Signature: auth.Sign(priv, method, path, timestamp, body),
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(out,
				Field{auth.HeaderPubkey, out.Pubkey},
				Field{auth.HeaderTimestamp, out.Timestamp},
				Field{auth.HeaderSignature, out.Signature},
			)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "base58 secret key (default $"+SecretKeyEnv+")")
	cmd.Flags().StringVarP(&method, "method", "X", "POST", "HTTP method")
	cmd.Flags().StringVar(&path, "path", "", "request path, e.g. /api/v1/markets")
	cmd.Flags().StringVarP(&bodyFile, "body", "d", "", "file holding the request body, - for stdin")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "unix timestamp (default now)")
	cmd.MarkFlagRequired("path")
	return cmd
}
