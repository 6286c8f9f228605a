package build

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// writeSSHKeyMaterial generates the host and user key pairs baked into the
// image, under {build_root}/{build_id}/config/ssh/.
func writeSSHKeyMaterial(buildDir string) error {
	dir := filepath.Join(buildDir, "config", "ssh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("prepare ssh dir: %w", err)
	}
	if err := writeKeyPair(dir, "ssh_host_rsa_key"); err != nil {
		return err
	}
	return writeKeyPair(dir, "id_rsa")
}

func writeKeyPair(dir, name string) error {
	key, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return fmt.Errorf("generate %s: %w", name, err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(filepath.Join(dir, name), privatePEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	public, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("derive %s public key: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".pub"), ssh.MarshalAuthorizedKey(public), 0o644); err != nil {
		return fmt.Errorf("write %s.pub: %w", name, err)
	}
	return nil
}
