// ABOUTME: Client-side commands: generate a key, register it, and inspect it with a signed request
// ABOUTME: The key id is kept next to the private key in a .id file

package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/keygate/internal/client"
	"github.com/2389/keygate/internal/signing"
)

const defaultKeyFile = "~/.keygate/key.pem"

func expandHome(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, rest), nil
}

func writeKeyFile(path string, key *rsa.PrivateKey) error {
	pemBytes, err := signing.MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
}

func readKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	return signing.ParsePrivateKeyPEM(data)
}

func runKeygen(args []string) error {
	var configFlag, out string
	var bits int
	flagSet := newFlagSet("keygen", &configFlag)
	flagSet.IntVar(&bits, "bits", client.DefaultKeyBits, "RSA key size")
	flagSet.StringVarP(&out, "out", "o", defaultKeyFile, "where to write the private key")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if bits < 2048 {
		return fmt.Errorf("--bits must be at least 2048, got %d", bits)
	}

	path, err := expandHome(out)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	if err := writeKeyFile(path, key); err != nil {
		return err
	}

	pub, err := signing.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	fingerprint, err := signing.Fingerprint(&key.PublicKey)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("wrote %s\n", path)
	fmt.Printf("fingerprint: %s\n\n%s", fingerprint, pub)
	return nil
}

// serverURL resolves --url, falling back to the configured base URL.
func serverURL(flagValue, configFlag string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return "", err
	}
	return cfg.Server.BaseURL, nil
}

func runLogin(ctx context.Context, args []string) error {
	var configFlag, url, credsPath, keyPath string
	flagSet := newFlagSet("login", &configFlag)
	flagSet.StringVar(&url, "url", "", "server URL (default: server.base_url from config)")
	flagSet.StringVar(&credsPath, "credentials", "~/.keygate/credentials.json", `JSON file with "username" and "password"`)
	flagSet.StringVar(&keyPath, "key", defaultKeyFile, "private key to register; generated if missing")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	base, err := serverURL(url, configFlag)
	if err != nil {
		return err
	}
	creds, err := client.LoadCredentials(credsPath)
	if err != nil {
		return err
	}
	path, err := expandHome(keyPath)
	if err != nil {
		return err
	}

	key, err := readKeyFile(path)
	generated := false
	if errors.Is(err, fs.ErrNotExist) {
		key, generated, err = nil, true, nil
	}
	if err != nil {
		return err
	}

	c := client.New(base, nil)
	info, err := c.UploadKey(ctx, creds, key)
	if err != nil {
		return err
	}
	if generated {
		// UploadKey generated the key; persist it so later commands can sign.
		if err := writeKeyFile(path, c.SigningKey()); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path+".id", []byte(info.KeyID+"\n"), 0600); err != nil {
		return fmt.Errorf("writing key id: %w", err)
	}

	color.New(color.FgGreen).Printf("registered %s\n", info.KeyID)
	fmt.Printf("valid until %s (extended on every signed request)\n", info.Until.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func runWhoami(ctx context.Context, args []string) error {
	var configFlag, url, keyPath, keyID string
	flagSet := newFlagSet("whoami", &configFlag)
	flagSet.StringVar(&url, "url", "", "server URL (default: server.base_url from config)")
	flagSet.StringVar(&keyPath, "key", defaultKeyFile, "private key to sign with")
	flagSet.StringVar(&keyID, "key-id", "", "user_id@key_id (default: read from <key>.id)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	base, err := serverURL(url, configFlag)
	if err != nil {
		return err
	}
	path, err := expandHome(keyPath)
	if err != nil {
		return err
	}
	key, err := readKeyFile(path)
	if err != nil {
		return err
	}
	if keyID == "" {
		data, err := os.ReadFile(path + ".id")
		if err != nil {
			return fmt.Errorf("reading key id (pass --key-id or run login): %w", err)
		}
		keyID = strings.TrimSpace(string(data))
	}

	c := client.New(base, nil)
	c.UseKey(key, keyID)
	info, err := c.Key(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("key_id:      %s\n", info.KeyID)
	fmt.Printf("fingerprint: %s\n", info.Fingerprint)
	fmt.Printf("until:       %s\n", info.Until.Format("2006-01-02 15:04:05 MST"))
	return nil
}
