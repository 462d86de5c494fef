package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/medkey/crypto"
	"github.com/jmcleod/medkey/identity"
	"github.com/jmcleod/medkey/internal/util"
)

// passphraseEnv is read when --passphrase-file is not given.
const passphraseEnv = "MEDKEY_PASSPHRASE"

var (
	keyIdentity    string
	keyOut         string
	passphraseFile string
	kdfProfile     string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a secp256k1 key pair and seal the private key to a file",
	Long: `Generates a key pair for an identity, writes the private key sealed under a
passphrase (Argon2id + AES-256-GCM) and prints the public key to register
with POST /api/v1/keys.

The passphrase is read from --passphrase-file or the ` + passphraseEnv + `
environment variable.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey [file]",
	Short: "Print the public key of a sealed private key file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPubkey,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keyIdentity, "identity", "", "Identity the key belongs to")
	keygenCmd.Flags().StringVarP(&keyOut, "out", "o", "", "Output file (default <identity>.key)")
	keygenCmd.Flags().StringVar(&passphraseFile, "passphrase-file", "", "File holding the passphrase")
	keygenCmd.Flags().StringVar(&kdfProfile, "kdf-profile", util.KDFProfileModerate, "Argon2id profile: interactive, moderate or sensitive")
	keygenCmd.MarkFlagRequired("identity")

	rootCmd.AddCommand(pubkeyCmd)
	pubkeyCmd.Flags().StringVar(&keyIdentity, "identity", "", "Identity the key was sealed for")
	pubkeyCmd.Flags().StringVar(&passphraseFile, "passphrase-file", "", "File holding the passphrase")
	pubkeyCmd.MarkFlagRequired("identity")
}

func readPassphrase() (string, error) {
	if passphraseFile != "" {
		data, err := os.ReadFile(passphraseFile)
		if err != nil {
			return "", fmt.Errorf("reading passphrase file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	return "", errors.New("no passphrase: use --passphrase-file or " + passphraseEnv)
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	id, err := identity.Parse(keyIdentity)
	if err != nil {
		return err
	}
	params, err := crypto.Argon2idProfile(kdfProfile)
	if err != nil {
		return err
	}
	passphrase, err := readPassphrase()
	if err != nil {
		return err
	}
	out := keyOut
	if out == "" {
		out = string(id) + ".key"
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	defer kp.Destroy()
	sealed, err := crypto.SealPrivateKey(kp, string(id), passphrase, params)
	if err != nil {
		return err
	}
	// O_EXCL: never overwrite an existing key.
	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	if _, err := f.Write(sealed); err != nil {
		f.Close()
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Private key for %s written to %s\n", id, out)
	fmt.Fprintln(cmd.OutOrStdout(), util.HexEncode(kp.PublicKey()))
	return nil
}

func runPubkey(cmd *cobra.Command, args []string) error {
	id, err := identity.Parse(keyIdentity)
	if err != nil {
		return err
	}
	passphrase, err := readPassphrase()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}
	kp, err := crypto.OpenPrivateKey(data, string(id), passphrase)
	if err != nil {
		return err
	}
	defer kp.Destroy()
	fmt.Fprintln(cmd.OutOrStdout(), util.HexEncode(kp.PublicKey()))
	return nil
}
