package logclient

import (
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/tlscfg"
)

// TLSConfig carries the operator-supplied certificate paths for brokers
// that require TLS. Empty fields are skipped, matching tlscfg's
// MaybeWith* option style used in the bench example this is grounded on.
type TLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Opt builds the kgo.Opt that wires a *tls.Config built via tlscfg into
// the client's dialer.
func (c TLSConfig) Opt() (kgo.Opt, error) {
	tc, err := tlscfg.New(
		tlscfg.MaybeWithDiskCA(c.CAFile, tlscfg.ForClient),
		tlscfg.MaybeWithDiskKeyPair(c.CertFile, c.KeyFile),
	)
	if err != nil {
		return nil, err
	}
	return kgo.DialTLSConfig(tc), nil
}
