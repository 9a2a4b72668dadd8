package resolve

import (
	"crypto/subtle"

	"github.com/sammck-go/guactunnel/pkg/logger"
)

// Credential is a stored VM access credential. Password may be sealed.
type Credential struct {
	VMID     string `yaml:"vm_id"`
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// Opener reveals a possibly sealed password; *secret.Box implements it
type Opener interface {
	Open(v string) (string, error)
}

type plainOpener struct{}

func (plainOpener) Open(v string) (string, error) {
	return v, nil
}

// matchCredential returns the VM id of the credential whose revealed password
// equals token. Every credential is examined and compared in constant time.
// Credentials that cannot be revealed are skipped.
func matchCredential(lg logger.Logger, creds []Credential, opener Opener, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	if opener == nil {
		opener = plainOpener{}
	}
	vmID := ""
	found := false
	for _, c := range creds {
		pw, err := opener.Open(c.Password)
		if err != nil {
			lg.DLogf("skipping credential %q for vm %s: %s", c.Name, c.VMID, err)
			continue
		}
		if subtle.ConstantTimeCompare([]byte(pw), []byte(token)) == 1 && !found {
			vmID = c.VMID
			found = true
		}
	}
	return vmID, found
}
